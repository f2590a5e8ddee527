// Package router decides which node serves a key.
package router

import (
	"context"

	"github.com/google/uuid"

	"github.com/10yihang/gridcache/internal/cluster/affinity"
	"github.com/10yihang/gridcache/internal/cluster/hash"
	"github.com/10yihang/gridcache/internal/cluster/membership"
	"github.com/10yihang/gridcache/internal/cluster/partition"
)

// Router determines where a key should be handled.
type Router interface {
	Route(ctx context.Context, key []byte, asking bool) RouteResult
	RouteMulti(ctx context.Context, keys [][]byte, asking bool) RouteResult
}

// View is the part of a cluster node the router reads.
type View interface {
	Local() membership.Node
	Members() membership.Topology
	Partitions() int
	Assignment() *affinity.Assignment
	State(p partition.ID) partition.State
	Owners(p partition.ID) []uuid.UUID
}

// RouteResult contains routing decision. At most one of Local, Redirect,
// CrossPartition and TryAgain is set.
type RouteResult struct {
	Local          bool
	Redirect       *Redirect
	CrossPartition bool
	// TryAgain means no node can serve the partition yet.
	TryAgain  bool
	Partition partition.ID
}

// Redirect contains redirection details for MOVED/ASK responses.
type Redirect struct {
	Type      RedirectType
	Partition partition.ID
	Node      uuid.UUID
	Addr      string
}

// RedirectType indicates redirect reason.
type RedirectType int

const (
	// RedirectMoved points at the primary of the current assignment.
	RedirectMoved RedirectType = iota
	// RedirectAsk points at a node still OWNING a partition the local
	// primary is receiving.
	RedirectAsk
)

func (t RedirectType) String() string {
	if t == RedirectAsk {
		return "ASK"
	}
	return "MOVED"
}

// PartitionRouter routes against the adopted assignment and the local
// partition states.
type PartitionRouter struct {
	view View
}

func NewPartitionRouter(v View) *PartitionRouter {
	return &PartitionRouter{view: v}
}

// Route determines routing for a single key. asking means the client was
// redirected here with ASK, so a partition still OWNING locally is served
// even if another node is its primary now.
func (r *PartitionRouter) Route(ctx context.Context, key []byte, asking bool) RouteResult {
	p := hash.KeyPartition(string(key), r.view.Partitions())
	return r.route(p, asking)
}

func (r *PartitionRouter) route(p partition.ID, asking bool) RouteResult {
	if asking && r.view.State(p) == partition.Owning {
		return RouteResult{Local: true, Partition: p}
	}

	a := r.view.Assignment()
	if a == nil {
		return RouteResult{TryAgain: true, Partition: p}
	}
	primary, ok := a.Primary(p)
	if !ok {
		return RouteResult{TryAgain: true, Partition: p}
	}

	self := r.view.Local().ID
	if primary != self {
		return r.redirect(RedirectMoved, p, primary)
	}

	switch r.view.State(p) {
	case partition.Owning:
		return RouteResult{Local: true, Partition: p}
	case partition.Moving:
		for _, owner := range r.view.Owners(p) {
			if owner != self {
				return r.redirect(RedirectAsk, p, owner)
			}
		}
	}
	return RouteResult{TryAgain: true, Partition: p}
}

func (r *PartitionRouter) redirect(typ RedirectType, p partition.ID, node uuid.UUID) RouteResult {
	n, ok := r.view.Members().Node(node)
	if !ok {
		return RouteResult{TryAgain: true, Partition: p}
	}
	return RouteResult{
		Redirect:  &Redirect{Type: typ, Partition: p, Node: node, Addr: n.Addr},
		Partition: p,
	}
}

// RouteMulti determines routing for multiple keys, which must share a
// partition. asking applies to that partition as in Route.
func (r *PartitionRouter) RouteMulti(ctx context.Context, keys [][]byte, asking bool) RouteResult {
	if len(keys) == 0 {
		return RouteResult{Local: true}
	}

	n := r.view.Partitions()
	first := hash.KeyPartition(string(keys[0]), n)
	for i := 1; i < len(keys); i++ {
		if hash.KeyPartition(string(keys[i]), n) != first {
			return RouteResult{CrossPartition: true, Partition: first}
		}
	}
	return r.route(first, asking)
}

var _ Router = (*PartitionRouter)(nil)
