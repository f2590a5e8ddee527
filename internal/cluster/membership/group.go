package membership

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/10yihang/gridcache/pkg/queue"
)

// Group is an in-process membership authority. It stamps every change with
// the next version and delivers the same ordered event stream to every
// member, the way a discovery layer with a total order would.
type Group struct {
	logger *zap.Logger

	mu       sync.Mutex
	topology Topology
	members  map[uuid.UUID]*Member
}

func NewGroup(logger *zap.Logger) *Group {
	return &Group{
		logger:  logger.Named("membership"),
		members: make(map[uuid.UUID]*Member),
	}
}

// Join adds a node with a fresh id.
func (g *Group) Join(addr string) *Member {
	return g.JoinNode(uuid.New(), addr)
}

// JoinNode adds a node with the given id and returns its membership view.
func (g *Group) JoinNode(id uuid.UUID, addr string) *Member {
	g.mu.Lock()
	defer g.mu.Unlock()

	if m, ok := g.members[id]; ok {
		return m
	}

	version := g.topology.Version + 1
	node := Node{ID: id, Addr: addr, Order: version}
	g.topology = g.topology.With(version, node)

	m := &Member{
		group:  g,
		local:  node,
		events: queue.NewUnbounded[Event](),
	}
	g.members[id] = m
	m.setTopology(g.topology)

	g.logger.Info("node joined",
		zap.String("node", ShortID(id)),
		zap.Uint64("topology_version", uint64(version)),
		zap.Int("nodes", g.topology.Size()))

	g.broadcast(Event{Type: EventJoin, Node: node, Topology: g.topology.Clone()})
	return m
}

// Leave removes a node gracefully.
func (g *Group) Leave(id uuid.UUID) bool {
	return g.remove(id, EventLeave)
}

// Fail removes a node as failed.
func (g *Group) Fail(id uuid.UUID) bool {
	return g.remove(id, EventFail)
}

// FailAll removes several nodes, one version per node.
func (g *Group) FailAll(ids ...uuid.UUID) {
	for _, id := range ids {
		g.Fail(id)
	}
}

func (g *Group) Topology() Topology {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.topology.Clone()
}

func (g *Group) remove(id uuid.UUID, typ EventType) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.members[id]
	if !ok {
		return false
	}
	delete(g.members, id)
	m.events.Close()

	version := g.topology.Version + 1
	g.topology = g.topology.Without(version, id)

	g.logger.Info("node removed",
		zap.String("node", ShortID(id)),
		zap.Stringer("reason", typ),
		zap.Uint64("topology_version", uint64(version)),
		zap.Int("nodes", g.topology.Size()))

	g.broadcast(Event{Type: typ, Node: m.local, Topology: g.topology.Clone()})
	return true
}

// broadcast must be called with g.mu held so that every member sees events
// in version order.
func (g *Group) broadcast(ev Event) {
	for _, m := range g.members {
		m.setTopology(ev.Topology)
		m.events.Push(ev)
	}
}

// Member is one node's view of a Group. It implements Service.
type Member struct {
	group  *Group
	local  Node
	events *queue.Unbounded[Event]

	mu       sync.RWMutex
	topology Topology
}

func (m *Member) Local() Node {
	return m.local
}

func (m *Member) Topology() Topology {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topology.Clone()
}

func (m *Member) Events() <-chan Event {
	return m.events.Out()
}

func (m *Member) Suspect(id uuid.UUID, reason error) {
	if id == m.local.ID {
		return
	}
	if !m.Topology().Contains(id) || !m.group.has(m.local.ID) {
		return
	}
	m.group.logger.Warn("node suspected",
		zap.String("reporter", ShortID(m.local.ID)),
		zap.String("node", ShortID(id)),
		zap.Error(reason))
	m.group.Fail(id)
}

func (g *Group) has(id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.members[id]
	return ok
}

// Leave removes this member from the group.
func (m *Member) Leave() {
	m.group.Leave(m.local.ID)
}

func (m *Member) setTopology(t Topology) {
	m.mu.Lock()
	m.topology = t
	m.mu.Unlock()
}

var _ Service = (*Member)(nil)
