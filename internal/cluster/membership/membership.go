// Package membership defines the membership collaborator consumed by the
// topology coordinator: the live node set and an ordered stream of
// join/leave/failure events, each stamped with the version it produced.
package membership

import (
	"github.com/google/uuid"
)

type EventType int

const (
	EventJoin EventType = iota
	EventLeave
	EventFail
)

func (t EventType) String() string {
	switch t {
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	case EventFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Event is a membership change. Topology is the full member list after the
// change; its Version is the version the change produced.
type Event struct {
	Type     EventType
	Node     Node
	Topology Topology
}

// Service is the per-node view of cluster membership.
type Service interface {
	// Local returns the node this service runs on.
	Local() Node

	// Topology returns the latest topology known locally.
	Topology() Topology

	// Events delivers membership changes in version order. The first event
	// is the local node's own join.
	Events() <-chan Event

	// Suspect reports a peer as failed. Implementations raise a new
	// topology version without the peer.
	Suspect(id uuid.UUID, reason error)
}
