// Package transport defines the messaging collaborator the topology core
// consumes, plus an in-memory network and a framed TCP implementation.
//
// Delivery is at-least-once and ordered per sender/receiver pair. Receivers
// must tolerate duplicates.
package transport

import (
	"context"

	"github.com/google/uuid"
)

type Transport interface {
	// LocalID is the node id messages are sent from.
	LocalID() uuid.UUID

	// Addr is the address peers use to reach this node.
	Addr() string

	// Send delivers msg to a known peer. Failures are *errors.TransportFailure.
	Send(ctx context.Context, to uuid.UUID, msg *Message) error

	// SendAddr delivers msg to an address whose node id is not known yet.
	SendAddr(ctx context.Context, addr string, msg *Message) error

	// Register records the address of a peer.
	Register(id uuid.UUID, addr string)

	// Forget drops a peer and any connection to it.
	Forget(id uuid.UUID)

	// Inbound delivers received messages. It is closed by Close.
	Inbound() <-chan *Message

	Close() error
}
