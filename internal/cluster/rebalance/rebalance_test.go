package rebalance

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/10yihang/gridcache/internal/cluster/affinity"
	"github.com/10yihang/gridcache/internal/cluster/membership"
	"github.com/10yihang/gridcache/internal/cluster/partition"
	"github.com/10yihang/gridcache/internal/cluster/topology"
	"github.com/10yihang/gridcache/internal/engine/memory"
	"github.com/10yihang/gridcache/internal/transport"
	"github.com/10yihang/gridcache/pkg/errors"
)

const testPartitions = 4

type recordingSuspector struct {
	mu        sync.Mutex
	suspected map[uuid.UUID]error
}

func newRecordingSuspector() *recordingSuspector {
	return &recordingSuspector{suspected: make(map[uuid.UUID]error)}
}

func (r *recordingSuspector) Suspect(id uuid.UUID, reason error) {
	r.mu.Lock()
	r.suspected[id] = reason
	r.mu.Unlock()
}

func (r *recordingSuspector) reason(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suspected[id]
}

type node struct {
	id       uuid.UUID
	ep       *transport.Endpoint
	store    *memory.Store
	topo     *topology.Topology
	demander *Demander
	supplier *Supplier
}

func testConfig() Config {
	var cfg Config
	cfg.SetDefaults()
	cfg.BatchSize = 7
	cfg.DemandTimeout = 200 * time.Millisecond
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	return cfg
}

func newNode(t *testing.T, net *transport.Network, id uuid.UUID, cfg Config, s Suspector) *node {
	t.Helper()
	store, err := memory.NewStore(testPartitions)
	require.NoError(t, err)
	topo, err := topology.New(id, testPartitions, store, zap.NewNop())
	require.NoError(t, err)
	ep := net.Endpoint(id, id.String())

	d := NewDemander(cfg, topo, store, ep, s, zap.NewNop())
	sup, err := NewSupplier(cfg, topo, store, ep, zap.NewNop())
	require.NoError(t, err)
	topo.SetHooks(topology.Hooks{Moving: d.Schedule, Evicted: d.Cancel})

	go func() {
		for msg := range ep.Inbound() {
			switch msg.Type {
			case transport.MsgDemand:
				sup.Handle(msg)
			case transport.MsgSupply:
				d.Handle(msg)
			}
		}
	}()

	t.Cleanup(func() {
		d.Stop()
		sup.Stop()
		ep.Close()
		topo.Close()
	})
	return &node{id: id, ep: ep, store: store, topo: topo, demander: d, supplier: sup}
}

// sortedIDs returns n ids in the order the demander breaks ties with.
func sortedIDs(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

func assignment(version uint64, owners func(p int) []uuid.UUID) *affinity.Assignment {
	all := make([][]uuid.UUID, testPartitions)
	for p := range all {
		all[p] = owners(p)
	}
	return affinity.NewAssignment(membership.Version(version), 0, all)
}

func awaitState(t *testing.T, n *node, p partition.ID, want partition.State) {
	t.Helper()
	require.Eventually(t, func() bool { return n.topo.State(p) == want },
		5*time.Second, 5*time.Millisecond, "partition %d on %s never became %s", p, n.id, want)
}

// ownAll makes the given nodes owners of every partition with no data.
func ownAll(t *testing.T, nodes ...*node) {
	t.Helper()
	ids := make([]uuid.UUID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.id
	}
	a := assignment(1, func(int) []uuid.UUID { return ids })
	for _, n := range nodes {
		_, err := n.topo.Apply(a, nil)
		require.NoError(t, err)
	}
	for _, n := range nodes {
		for p := 0; p < testPartitions; p++ {
			awaitState(t, n, partition.ID(p), partition.Owning)
		}
	}
}

func fill(t *testing.T, n *node, p partition.ID, count int) map[string]string {
	t.Helper()
	want := make(map[string]string, count)
	for i := 0; i < count; i++ {
		k, v := fmt.Sprintf("key-%02d", i), fmt.Sprintf("value-%d-%d", p, i)
		require.NoError(t, n.store.Put(context.Background(), p, k, []byte(v)))
		want[k] = v
	}
	return want
}

func contents(t *testing.T, n *node, p partition.ID) map[string]string {
	t.Helper()
	got := make(map[string]string)
	require.NoError(t, n.store.Iterate(context.Background(), p, func(k string, v []byte) bool {
		got[k] = string(v)
		return true
	}))
	return got
}

func snapshots(nodes ...*node) []*partition.Snapshot {
	maps := make([]*partition.Snapshot, len(nodes))
	for i, n := range nodes {
		maps[i] = n.topo.Snapshot()
	}
	return maps
}

func TestDemander_OwnsImmediatelyWithoutSupplier(t *testing.T) {
	net := transport.NewNetwork()
	n := newNode(t, net, uuid.New(), testConfig(), newRecordingSuspector())

	prevSeq := n.topo.UpdateSequence()
	_, err := n.topo.Apply(assignment(1, func(int) []uuid.UUID { return []uuid.UUID{n.id} }), nil)
	require.NoError(t, err)

	for p := 0; p < testPartitions; p++ {
		awaitState(t, n, partition.ID(p), partition.Owning)
	}
	// One apply plus one transition per owned partition.
	assert.Equal(t, prevSeq+1+testPartitions, n.topo.UpdateSequence())

	require.Eventually(t, func() bool {
		pr, ok := n.demander.Progress(2)
		return ok && pr.Status == TransferCompleted
	}, time.Second, 5*time.Millisecond)
	pr, _ := n.demander.Progress(2)
	assert.Equal(t, uuid.Nil, pr.Supplier)
	assert.Equal(t, 1, pr.Attempts)
}

func TestDemander_TransfersInBatches(t *testing.T) {
	net := transport.NewNetwork()
	ids := sortedIDs(2)
	sus := newRecordingSuspector()
	a := newNode(t, net, ids[0], testConfig(), sus)
	c := newNode(t, net, ids[1], testConfig(), sus)

	ownAll(t, a)
	want := fill(t, a, 1, 30)

	prevSeq := c.topo.UpdateSequence()
	_, err := c.topo.Apply(assignment(2, func(p int) []uuid.UUID {
		if p == 1 {
			return []uuid.UUID{a.id, c.id}
		}
		return []uuid.UUID{a.id}
	}), snapshots(a))
	require.NoError(t, err)
	assert.Equal(t, partition.Moving, c.topo.State(1))

	awaitState(t, c, 1, partition.Owning)
	assert.Equal(t, want, contents(t, c, 1))
	assert.Equal(t, prevSeq+2, c.topo.UpdateSequence(), "apply then exactly one step for MOVING to OWNING")

	require.Eventually(t, func() bool {
		pr, _ := c.demander.Progress(1)
		return pr.Status == TransferCompleted
	}, time.Second, 5*time.Millisecond)
	pr, _ := c.demander.Progress(1)
	assert.Equal(t, a.id, pr.Supplier)
	assert.Equal(t, 30, pr.Entries)
	assert.Equal(t, 30, pr.Total)
	assert.Equal(t, 1, pr.Attempts)
	assert.Eventually(t, func() bool { return a.supplier.Sessions() == 0 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, sus.reason(a.id))
}

// The preferred supplier goes silent mid-transfer; the demander times out
// and completes the partition from the other owner.
func TestDemander_FallsBackWhenSupplierStopsResponding(t *testing.T) {
	net := transport.NewNetwork()
	ids := sortedIDs(3)
	sus := newRecordingSuspector()
	cfg := testConfig()
	cfg.Concurrency = 1

	b := newNode(t, net, ids[0], cfg, sus)
	a := newNode(t, net, ids[1], cfg, sus)
	c := newNode(t, net, ids[2], cfg, sus)

	ownAll(t, a, b)
	want := fill(t, a, 3, 20)
	fill(t, b, 3, 20)

	// B answers the first batch, then stops.
	var mu sync.Mutex
	batches := 0
	net.SetFilter(func(from, _ uuid.UUID, msg *transport.Message) bool {
		if from != b.id || msg.Type != transport.MsgSupply {
			return true
		}
		mu.Lock()
		defer mu.Unlock()
		batches++
		return batches == 1
	})

	_, err := c.topo.Apply(assignment(2, func(p int) []uuid.UUID {
		if p == 3 {
			return []uuid.UUID{a.id, c.id}
		}
		return []uuid.UUID{a.id, b.id}
	}), snapshots(a, b))
	require.NoError(t, err)

	awaitState(t, c, 3, partition.Owning)
	assert.Equal(t, want, contents(t, c, 3))

	require.Eventually(t, func() bool {
		pr, _ := c.demander.Progress(3)
		return pr.Status == TransferCompleted
	}, time.Second, 5*time.Millisecond)
	pr, _ := c.demander.Progress(3)
	assert.Equal(t, a.id, pr.Supplier)
	assert.Equal(t, 2, pr.Attempts)
	assert.NoError(t, sus.reason(b.id), "a supplier that timed out once is not reported when the transfer succeeds")
}

func TestDemander_SkipsSupplierThatNoLongerOwns(t *testing.T) {
	net := transport.NewNetwork()
	ids := sortedIDs(3)
	sus := newRecordingSuspector()
	stale := newNode(t, net, ids[0], testConfig(), sus)
	a := newNode(t, net, ids[1], testConfig(), sus)
	c := newNode(t, net, ids[2], testConfig(), sus)

	ownAll(t, a)
	want := fill(t, a, 0, 5)

	// The full map claims stale owns everything but its local map is empty.
	claimed, err := partition.NewSnapshot(stale.id, 5, map[partition.ID]partition.State{
		0: partition.Owning, 1: partition.Owning, 2: partition.Owning, 3: partition.Owning,
	})
	require.NoError(t, err)

	_, err = c.topo.Apply(assignment(2, func(p int) []uuid.UUID {
		if p == 0 {
			return []uuid.UUID{a.id, c.id}
		}
		return []uuid.UUID{a.id}
	}), []*partition.Snapshot{a.topo.Snapshot(), claimed})
	require.NoError(t, err)

	awaitState(t, c, 0, partition.Owning)
	assert.Equal(t, want, contents(t, c, 0))
	pr, _ := c.demander.Progress(0)
	assert.Equal(t, a.id, pr.Supplier)
	assert.NoError(t, sus.reason(stale.id))
}

func TestDemander_FailureLeavesPartitionMoving(t *testing.T) {
	net := transport.NewNetwork()
	ids := sortedIDs(2)
	sus := newRecordingSuspector()
	cfg := testConfig()
	cfg.DemandTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 1

	b := newNode(t, net, ids[0], cfg, sus)
	c := newNode(t, net, ids[1], cfg, sus)
	ownAll(t, b)
	fill(t, b, 2, 3)
	net.SetFilter(func(from, _ uuid.UUID, msg *transport.Message) bool {
		return from != b.id || msg.Type != transport.MsgSupply
	})

	_, err := c.topo.Apply(assignment(2, func(p int) []uuid.UUID {
		if p == 2 {
			return []uuid.UUID{b.id, c.id}
		}
		return []uuid.UUID{b.id}
	}), snapshots(b))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pr, _ := c.demander.Progress(2)
		return pr.Status == TransferFailed
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, partition.Moving, c.topo.State(2))
	pr, _ := c.demander.Progress(2)
	assert.Equal(t, 2, pr.Attempts)
	assert.Contains(t, pr.LastError, "rebalance of partition 2 failed")
	assert.ErrorIs(t, sus.reason(b.id), errors.ErrTimeout)
	require.Eventually(t, func() bool { return c.demander.Active() == 0 }, time.Second, 5*time.Millisecond)

	// The next exchange reschedules it.
	net.SetFilter(nil)
	_, err = c.topo.Apply(assignment(3, func(p int) []uuid.UUID {
		if p == 2 {
			return []uuid.UUID{b.id, c.id}
		}
		return []uuid.UUID{b.id}
	}), snapshots(b))
	require.NoError(t, err)
	awaitState(t, c, 2, partition.Owning)
	assert.Len(t, contents(t, c, 2), 3)
}

func TestDemander_EvictionCancelsTransfer(t *testing.T) {
	net := transport.NewNetwork()
	ids := sortedIDs(2)
	b := newNode(t, net, ids[0], testConfig(), newRecordingSuspector())
	c := newNode(t, net, ids[1], testConfig(), newRecordingSuspector())
	ownAll(t, b)
	net.SetFilter(func(from, _ uuid.UUID, msg *transport.Message) bool {
		return from != b.id
	})

	onlyB := func(int) []uuid.UUID { return []uuid.UUID{b.id} }
	_, err := c.topo.Apply(assignment(2, func(p int) []uuid.UUID {
		if p == 1 {
			return []uuid.UUID{b.id, c.id}
		}
		return []uuid.UUID{b.id}
	}), snapshots(b))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.demander.Active() == 1 }, time.Second, 5*time.Millisecond)

	_, err = c.topo.Apply(assignment(3, onlyB), snapshots(b))
	require.NoError(t, err)
	assert.Equal(t, partition.None, c.topo.State(1))

	require.Eventually(t, func() bool {
		pr, _ := c.demander.Progress(1)
		return pr.Status == TransferCancelled && c.demander.Active() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDemander_ConcurrencyBoundsParallelTransfers(t *testing.T) {
	net := transport.NewNetwork()
	ids := sortedIDs(2)
	sus := newRecordingSuspector()
	cfg := testConfig()
	cfg.Concurrency = 1
	a := newNode(t, net, ids[0], cfg, sus)
	c := newNode(t, net, ids[1], cfg, sus)

	ownAll(t, a)
	for p := 0; p < testPartitions; p++ {
		fill(t, a, partition.ID(p), 10)
	}

	var mu sync.Mutex
	open := make(map[int32]bool)
	maxOpen := 0
	net.SetFilter(func(from, to uuid.UUID, msg *transport.Message) bool {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case from == c.id && msg.Type == transport.MsgDemand && msg.Cursor == 0:
			open[msg.Partition] = true
			if len(open) > maxOpen {
				maxOpen = len(open)
			}
		case to == c.id && msg.Type == transport.MsgSupply:
			time.Sleep(10 * time.Millisecond)
			if msg.Last {
				delete(open, msg.Partition)
			}
		}
		return true
	})

	all := func(int) []uuid.UUID { return []uuid.UUID{a.id, c.id} }
	_, err := c.topo.Apply(assignment(2, all), snapshots(a))
	require.NoError(t, err)

	for p := 0; p < testPartitions; p++ {
		awaitState(t, c, partition.ID(p), partition.Owning)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxOpen, "at most one partition is pulled at a time")
}

func TestDemander_WarnsWhenMovingHolderHasNoOwner(t *testing.T) {
	net := transport.NewNetwork()
	ids := sortedIDs(2)
	a := newNode(t, net, ids[0], testConfig(), newRecordingSuspector())
	c := newNode(t, net, ids[1], testConfig(), newRecordingSuspector())

	core, logs := observer.New(zap.WarnLevel)
	c.demander.logger = zap.New(core)

	// a was still loading partition 0 when its supplier vanished.
	moving, err := partition.NewSnapshot(a.id, 3, map[partition.ID]partition.State{0: partition.Moving})
	require.NoError(t, err)
	_, err = c.topo.Apply(assignment(2, func(p int) []uuid.UUID {
		if p == 0 {
			return []uuid.UUID{c.id, a.id}
		}
		return []uuid.UUID{c.id}
	}), []*partition.Snapshot{moving})
	require.NoError(t, err)

	awaitState(t, c, 0, partition.Owning)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("no owning supplier left, partition data lost").Len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), logs.FilterMessage("no owning supplier left, partition data lost").All()[0].ContextMap()["partition"])
}

func TestDemander_SupplierOrdering(t *testing.T) {
	ids := sortedIDs(4)
	self, busy, light, heavy := ids[0], ids[1], ids[2], ids[3]
	full := partition.NewFullMap()
	put := func(id uuid.UUID, owned ...partition.ID) {
		entries := make(map[partition.ID]partition.State)
		for _, p := range owned {
			entries[p] = partition.Owning
		}
		s, err := partition.NewSnapshot(id, 1, entries)
		require.NoError(t, err)
		full.Put(s)
	}
	put(self, 0)
	put(busy, 0)
	put(light, 0)
	put(heavy, 0, 1, 2)

	store, _ := memory.NewStore(testPartitions)
	topo, _ := topology.New(self, testPartitions, store, zap.NewNop())
	d := NewDemander(testConfig(), topo, store, transport.NewNetwork().Endpoint(self, "self"), newRecordingSuspector(), zap.NewNop())
	d.inflight[busy] = 1

	assert.Equal(t, []uuid.UUID{light, heavy, busy}, d.suppliers(full, 0, nil))
	assert.Equal(t, []uuid.UUID{heavy, busy}, d.suppliers(full, 0, map[uuid.UUID]bool{light: true}))
	assert.Empty(t, d.suppliers(full, 3, nil))
}

func TestSupplier_RefusesPartitionItDoesNotOwn(t *testing.T) {
	net := transport.NewNetwork()
	s := newNode(t, net, uuid.New(), testConfig(), newRecordingSuspector())
	requester := net.Endpoint(uuid.New(), "requester")

	err := requester.Send(context.Background(), s.id, &transport.Message{
		Type: transport.MsgDemand, Partition: 1, DemandID: uuid.New(),
	})
	require.NoError(t, err)

	select {
	case reply := <-requester.Inbound():
		assert.Equal(t, transport.MsgSupply, reply.Type)
		assert.Equal(t, errors.ErrNotOwning.Error(), reply.Error)
		assert.Empty(t, reply.Entries)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
}

func TestSupplier_RejectsUnknownSession(t *testing.T) {
	net := transport.NewNetwork()
	s := newNode(t, net, uuid.New(), testConfig(), newRecordingSuspector())
	ownAll(t, s)
	requester := net.Endpoint(uuid.New(), "requester")

	require.NoError(t, requester.Send(context.Background(), s.id, &transport.Message{
		Type: transport.MsgDemand, Partition: 1, DemandID: uuid.New(), Cursor: 7,
	}))
	select {
	case reply := <-requester.Inbound():
		assert.Contains(t, reply.Error, "no open session")
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
}

func TestConfig_Validate(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	cfg.MaxBackoff = cfg.InitialBackoff / 2
	assert.Error(t, cfg.Validate())
}
