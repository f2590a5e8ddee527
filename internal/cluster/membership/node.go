package membership

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Version is the topology version. It is incremented exactly once per
// accepted membership change and totally orders all exchanges.
type Version uint64

// Node is a cluster member. Order is the topology version at which the node
// joined; lower means older.
type Node struct {
	ID    uuid.UUID
	Addr  string
	Order Version
}

func (n Node) String() string {
	return fmt.Sprintf("%s@%s", ShortID(n.ID), n.Addr)
}

// ShortID renders the first eight hex digits of a node id for logs.
func ShortID(id uuid.UUID) string {
	return id.String()[:8]
}

// Topology is an immutable snapshot of the live members at one version.
// Nodes are ordered oldest first.
type Topology struct {
	Version Version
	Nodes   []Node
}

// NewTopology returns a topology with nodes sorted by join order, ties broken
// by node id so every member derives the same order.
func NewTopology(version Version, nodes []Node) Topology {
	sorted := make([]Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Order != sorted[j].Order {
			return sorted[i].Order < sorted[j].Order
		}
		return bytes.Compare(sorted[i].ID[:], sorted[j].ID[:]) < 0
	})
	return Topology{Version: version, Nodes: sorted}
}

// Coordinator returns the oldest live member. It is recomputed from the
// member list on every call; there is no cached leader.
func (t Topology) Coordinator() (Node, bool) {
	if len(t.Nodes) == 0 {
		return Node{}, false
	}
	return t.Nodes[0], true
}

// IsCoordinator reports whether id is the oldest member.
func (t Topology) IsCoordinator(id uuid.UUID) bool {
	c, ok := t.Coordinator()
	return ok && c.ID == id
}

func (t Topology) Contains(id uuid.UUID) bool {
	_, ok := t.Node(id)
	return ok
}

func (t Topology) Node(id uuid.UUID) (Node, bool) {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

func (t Topology) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(t.Nodes))
	for i, n := range t.Nodes {
		ids[i] = n.ID
	}
	return ids
}

func (t Topology) Size() int {
	return len(t.Nodes)
}

// Clone returns a deep copy.
func (t Topology) Clone() Topology {
	nodes := make([]Node, len(t.Nodes))
	copy(nodes, t.Nodes)
	return Topology{Version: t.Version, Nodes: nodes}
}

// Without returns the topology minus id, stamped with version.
func (t Topology) Without(version Version, id uuid.UUID) Topology {
	nodes := make([]Node, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		if n.ID != id {
			nodes = append(nodes, n)
		}
	}
	return Topology{Version: version, Nodes: nodes}
}

// With returns the topology plus n, stamped with version.
func (t Topology) With(version Version, n Node) Topology {
	nodes := make([]Node, 0, len(t.Nodes)+1)
	nodes = append(nodes, t.Nodes...)
	nodes = append(nodes, n)
	return NewTopology(version, nodes)
}
