// Package exchange drives cluster-wide agreement on the partition
// assignment for every topology version.
//
// Each node runs one Manager. Its worker goroutine handles membership
// events, exchange messages and timeouts strictly one at a time, so
// assignments are applied in version order. The coordinator of a version is
// the oldest live member; it collects every node's partition map, computes
// the assignment, broadcasts it with the merged full map and waits for acks.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/10yihang/gridcache/internal/cluster/affinity"
	"github.com/10yihang/gridcache/internal/cluster/membership"
)

// ID identifies one attempt at an exchange. Seq counts restarts at the same
// version after a coordinator timeout.
type ID struct {
	Version membership.Version
	Seq     uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d.%d", id.Version, id.Seq)
}

// Less orders exchange ids by version, then restart counter.
func (id ID) Less(o ID) bool {
	if id.Version != o.Version {
		return id.Version < o.Version
	}
	return id.Seq < o.Seq
}

// exchange is the state of the in-flight attempt. It is only touched by the
// manager's worker goroutine.
type exchange struct {
	id          ID
	top         membership.Topology
	coordinator uuid.UUID
	suspected   map[uuid.UUID]bool

	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	timer   *time.Timer

	// Coordinator side.
	singles    map[uuid.UUID]bool
	acks       map[uuid.UUID]bool
	assignment *affinity.Assignment
	sentFull   bool
	resolved   bool

	// Local side.
	applied    bool
	appliedSeq uint64
}

// alive returns the members taking part in this attempt, in join order.
func (ex *exchange) alive() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(ex.top.Nodes))
	for _, n := range ex.top.Nodes {
		if !ex.suspected[n.ID] {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

func (ex *exchange) aliveTopology() membership.Topology {
	nodes := make([]membership.Node, 0, len(ex.top.Nodes))
	for _, n := range ex.top.Nodes {
		if !ex.suspected[n.ID] {
			nodes = append(nodes, n)
		}
	}
	return membership.NewTopology(ex.top.Version, nodes)
}

func (ex *exchange) member(id uuid.UUID) bool {
	return ex.top.Contains(id) && !ex.suspected[id]
}

// electCoordinator picks the oldest member not suspected in this attempt.
func electCoordinator(top membership.Topology, suspected map[uuid.UUID]bool) uuid.UUID {
	for _, n := range top.Nodes {
		if !suspected[n.ID] {
			return n.ID
		}
	}
	return uuid.Nil
}

func (ex *exchange) stopTimer() {
	if ex.timer != nil {
		ex.timer.Stop()
		ex.timer = nil
	}
}

func (ex *exchange) resetTimer(d time.Duration) {
	ex.stopTimer()
	ex.timer = time.NewTimer(d)
}

func (ex *exchange) timeout() <-chan time.Time {
	if ex == nil || ex.timer == nil {
		return nil
	}
	return ex.timer.C
}
