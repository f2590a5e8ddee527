package cluster

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/10yihang/gridcache/internal/cluster/affinity"
	"github.com/10yihang/gridcache/internal/cluster/membership"
	"github.com/10yihang/gridcache/internal/cluster/partition"
	"github.com/10yihang/gridcache/internal/cluster/rebalance"
	"github.com/10yihang/gridcache/internal/cluster/topology"
	"github.com/10yihang/gridcache/internal/engine/memory"
	"github.com/10yihang/gridcache/internal/transport"
	"github.com/10yihang/gridcache/pkg/errors"
)

const entriesPerPartition = 12

type testNode struct {
	*Cluster
	id    uuid.UUID
	ep    *transport.Endpoint
	store *memory.Store
}

func testConfig(partitions, backups int) Config {
	var cfg Config
	cfg.SetDefaults()
	cfg.Partitions = partitions
	cfg.Backups = backups
	cfg.Exchange.Timeout = time.Second
	cfg.Rebalance.BatchSize = 5
	cfg.Rebalance.DemandTimeout = 200 * time.Millisecond
	cfg.Rebalance.InitialBackoff = 10 * time.Millisecond
	cfg.Rebalance.MaxBackoff = 50 * time.Millisecond
	return cfg
}

func startNode(t *testing.T, group *membership.Group, net *transport.Network, cfg Config) *testNode {
	t.Helper()
	return startNodeWithID(t, group, net, cfg, uuid.New())
}

func startNodeWithID(t *testing.T, group *membership.Group, net *transport.Network, cfg Config, id uuid.UUID) *testNode {
	t.Helper()
	member := group.JoinNode(id, "")
	ep := net.Endpoint(id, id.String())
	store, err := memory.NewStore(cfg.Partitions)
	require.NoError(t, err)

	c, err := New(cfg, member, ep, store, zap.NewNop())
	require.NoError(t, err)
	c.Start()

	t.Cleanup(func() {
		_ = c.Stop()
		_ = store.Close()
	})
	return &testNode{Cluster: c, id: id, ep: ep, store: store}
}

// stable reports whether n adopted version and holds exactly the
// partitions assigned to it, all OWNING.
func stable(n *testNode, version membership.Version) bool {
	a := n.Assignment()
	if a == nil || a.Version != version {
		return false
	}
	snap := n.Topology().Snapshot()
	for p := 0; p < a.Partitions(); p++ {
		id := partition.ID(p)
		want := partition.None
		if a.Contains(id, n.id) {
			want = partition.Owning
		}
		if snap.State(id) != want {
			return false
		}
	}
	return true
}

func awaitStable(t *testing.T, group *membership.Group, nodes ...*testNode) {
	t.Helper()
	version := group.Topology().Version
	for _, n := range nodes {
		require.Eventually(t, func() bool { return stable(n, version) },
			10*time.Second, 10*time.Millisecond, "node %s never settled at version %d", membership.ShortID(n.id), version)
	}
}

func key(p, i int) string {
	return fmt.Sprintf("p%d-k%d", p, i)
}

// fill writes the same entries to every owner of every partition.
func fill(t *testing.T, nodes ...*testNode) {
	t.Helper()
	ctx := context.Background()
	for _, n := range nodes {
		snap := n.Topology().Snapshot()
		for _, p := range snap.InState(partition.Owning) {
			for i := 0; i < entriesPerPartition; i++ {
				require.NoError(t, n.store.Put(ctx, p, key(int(p), i), []byte(key(int(p), i))))
			}
		}
	}
}

func requireData(t *testing.T, n *testNode, p partition.ID) {
	t.Helper()
	ctx := context.Background()
	count, err := n.store.Count(ctx, p)
	require.NoError(t, err)
	require.Equal(t, entriesPerPartition, count, "partition %d on %s", p, membership.ShortID(n.id))
	for i := 0; i < entriesPerPartition; i++ {
		v, err := n.store.Get(ctx, p, key(int(p), i))
		require.NoError(t, err)
		assert.Equal(t, key(int(p), i), string(v))
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []topology.Event
}

func collect(n *testNode) *eventLog {
	l := &eventLog{}
	go func() {
		for ev := range n.PartitionEvents() {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) of(p partition.ID) []topology.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []topology.Event
	for _, ev := range l.events {
		if ev.Partition == p {
			out = append(out, ev)
		}
	}
	return out
}

func TestCluster_SingleNodeOwnsEverything(t *testing.T) {
	group := membership.NewGroup(zap.NewNop())
	net := transport.NewNetwork()
	a := startNode(t, group, net, testConfig(8, 1))

	awaitStable(t, group, a)
	assert.Equal(t, ClusterStateOK, a.ClusterState())
	for p := 0; p < 8; p++ {
		assert.True(t, a.Ready(partition.ID(p)))
	}

	info := a.Info()
	assert.Equal(t, "ok", info["cluster_state"])
	assert.Equal(t, 8, info["partitions_owning"])
	assert.Equal(t, a.id.String(), info["cluster_coordinator"])
}

func TestCluster_JoinMovesPartitionsToNewNode(t *testing.T) {
	group := membership.NewGroup(zap.NewNop())
	net := transport.NewNetwork()
	cfg := testConfig(4, 1)

	a := startNode(t, group, net, cfg)
	b := startNode(t, group, net, cfg)
	awaitStable(t, group, a, b)
	fill(t, a, b)

	c := startNode(t, group, net, cfg)
	events := collect(c)
	awaitStable(t, group, a, b, c)

	gained := c.Assignment().PartitionsFor(c.id)
	require.NotEmpty(t, gained)
	for _, p := range gained {
		requireData(t, c, p)

		var owned *topology.Event
		require.Eventually(t, func() bool {
			for _, ev := range events.of(p) {
				if ev.To == partition.Owning {
					ev := ev
					owned = &ev
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, partition.Moving, owned.From)
		assert.Equal(t, owned.PrevSeq+1, owned.Seq, "owning partition %d is exactly one mutation", p)
	}

	// Nodes that lost a partition rented it out and dropped its data.
	for _, n := range []*testNode{a, b} {
		for p := 0; p < cfg.Partitions; p++ {
			id := partition.ID(p)
			if n.Assignment().Contains(id, n.id) {
				requireData(t, n, id)
				continue
			}
			require.Eventually(t, func() bool {
				count, err := n.store.Count(context.Background(), id)
				return err == nil && count == 0
			}, time.Second, 5*time.Millisecond)
		}
	}
}

func TestCluster_SupplierFailureFallsBackToOtherOwner(t *testing.T) {
	group := membership.NewGroup(zap.NewNop())
	net := transport.NewNetwork()
	cfg := testConfig(4, 1)

	a := startNode(t, group, net, cfg)
	b := startNode(t, group, net, cfg)
	awaitStable(t, group, a, b)
	fill(t, a, b)

	// b answers the first batch of every demand, then goes quiet toward the
	// joining node.
	joiner := uuid.New()
	net.SetFilter(func(from, to uuid.UUID, msg *transport.Message) bool {
		return !(from == b.id && to == joiner && msg.Type == transport.MsgSupply && msg.Cursor > 0)
	})
	c := startNodeWithID(t, group, net, cfg, joiner)

	require.Eventually(t, func() bool {
		a := c.Assignment()
		if a == nil {
			return false
		}
		for _, p := range a.PartitionsFor(c.id) {
			if c.State(p) != partition.Owning {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	for _, p := range c.Assignment().PartitionsFor(c.id) {
		requireData(t, c, p)
	}
	for _, pr := range c.Progress() {
		if pr.Status != rebalance.TransferCompleted || pr.Entries == 0 {
			continue
		}
		assert.Equal(t, a.id, pr.Supplier, "partition %d was completed by the silent supplier", pr.Partition)
	}
}

func TestCluster_StaleMapFromOwnerIsRejected(t *testing.T) {
	group := membership.NewGroup(zap.NewNop())
	net := transport.NewNetwork()
	cfg := testConfig(4, 1)

	a := startNode(t, group, net, cfg)
	b := startNode(t, group, net, cfg)
	awaitStable(t, group, a, b)
	require.Eventually(t, func() bool {
		s, ok := a.Topology().FullMap().Get(b.id)
		return ok && s.UpdateSequence() == b.Topology().UpdateSequence()
	}, 5*time.Second, 10*time.Millisecond)

	stored, _ := a.Topology().FullMap().Get(b.id)
	require.Greater(t, stored.UpdateSequence(), uint64(1))
	stale, err := partition.NewSnapshot(b.id, stored.UpdateSequence()-1, stored.Entries())
	require.NoError(t, err)

	err = a.Topology().MergeDirect(stale)
	var pv *errors.ProtocolViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, b.id, pv.Node)

	after, ok := a.Topology().FullMap().Get(b.id)
	require.True(t, ok)
	assert.True(t, stored.Equal(after))

	// Sent by the owner itself, the stale map costs it its membership.
	record, err := stale.MarshalBinary()
	require.NoError(t, err)
	version := uint64(group.Topology().Version)
	require.NoError(t, b.ep.Send(context.Background(), a.id, &transport.Message{
		Type:    transport.MsgPartitionsUpdate,
		Sender:  b.id,
		Version: version,
		Maps:    [][]byte{record},
	}))
	require.Eventually(t, func() bool {
		return !group.Topology().Contains(b.id)
	}, 5*time.Second, 10*time.Millisecond)
	awaitStable(t, group, a)
}

func TestCluster_OlderAssignmentIsNeverReapplied(t *testing.T) {
	group := membership.NewGroup(zap.NewNop())
	net := transport.NewNetwork()
	cfg := testConfig(4, 0)

	a := startNode(t, group, net, cfg)
	awaitStable(t, group, a)
	b := startNode(t, group, net, cfg)
	awaitStable(t, group, a, b)

	fn, err := affinity.New(cfg.Partitions, cfg.Backups)
	require.NoError(t, err)
	v1 := fn.Assign(membership.NewTopology(1, []membership.Node{a.Local()}))

	seq := a.Topology().UpdateSequence()
	_, err = a.Topology().Apply(v1, nil)
	assert.ErrorIs(t, err, errors.ErrSuperseded)
	assert.Equal(t, seq, a.Topology().UpdateSequence())
	assert.Equal(t, membership.Version(2), a.Assignment().Version)
}

func TestCluster_SurvivesSimultaneousFailures(t *testing.T) {
	group := membership.NewGroup(zap.NewNop())
	net := transport.NewNetwork()
	cfg := testConfig(8, 2)

	nodes := make([]*testNode, 5)
	for i := range nodes {
		nodes[i] = startNode(t, group, net, cfg)
	}
	awaitStable(t, group, nodes...)
	fill(t, nodes...)

	// The coordinator and one more node fail together.
	for _, n := range nodes[:2] {
		net.Isolate(n.id)
	}
	group.FailAll(nodes[0].id, nodes[1].id)

	survivors := nodes[2:]
	awaitStable(t, group, survivors...)
	for _, n := range survivors {
		assert.Equal(t, membership.Version(7), n.ExchangeStatus().Done)
		assert.Equal(t, ClusterStateOK, n.ClusterState())
		for _, p := range n.Assignment().PartitionsFor(n.id) {
			requireData(t, n, p)
		}
	}
	assert.True(t, survivors[0].ExchangeStatus().Coordinator == survivors[0].id)
}

func TestCluster_AwaitReady(t *testing.T) {
	group := membership.NewGroup(zap.NewNop())
	net := transport.NewNetwork()
	a := startNode(t, group, net, testConfig(4, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.AwaitVersion(ctx, 1))
	p := a.KeyPartition("some-key")
	require.NoError(t, a.AwaitReady(ctx, p))

	release, ok := a.Reserve(p)
	require.True(t, ok)
	release()
}

func TestConfig_Validate(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Partitions = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Backups = -1
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Exchange.Timeout = 0
	assert.Error(t, bad.Validate())
}
