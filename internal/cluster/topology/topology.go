// Package topology applies partition state transitions on one node.
//
// It owns the local partition map and the node's view of the full map, both
// guarded by a single lock. Every batch of transitions advances the local
// update sequence by exactly one. Cache traffic never takes that lock: it
// only touches the per-partition reservation counters through Reserve.
package topology

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/10yihang/gridcache/internal/cluster/affinity"
	"github.com/10yihang/gridcache/internal/cluster/membership"
	"github.com/10yihang/gridcache/internal/cluster/partition"
	"github.com/10yihang/gridcache/internal/engine"
	"github.com/10yihang/gridcache/internal/metrics"
	"github.com/10yihang/gridcache/pkg/errors"
	"github.com/10yihang/gridcache/pkg/queue"
)

// Event is one partition state transition. All transitions of a batch share
// PrevSeq and Seq.
type Event struct {
	Partition partition.ID
	From      partition.State
	To        partition.State
	Version   membership.Version
	PrevSeq   uint64
	Seq       uint64
}

// Hooks are called after the node lock is released. Notifications from
// different batches may race, so Moving and Evicted carry the epoch the
// partition entered MOVING with; receivers use it to discard stale calls.
type Hooks struct {
	Moving  func(p partition.ID, epoch uint64)
	Evicted func(p partition.ID, epoch uint64)

	// Changed publishes the local map after a mutation made outside an
	// exchange apply.
	Changed func(s *partition.Snapshot)
}

type slot struct {
	state atomic.Uint32
	refs  atomic.Int32
	epoch atomic.Uint64

	// data is held shared by rebalance writes and exclusively by eviction.
	data sync.RWMutex

	// ready is closed while the partition is OWNING. Guarded by Topology.mu.
	ready chan struct{}
}

type Topology struct {
	logger *zap.Logger
	nodeID uuid.UUID
	store  engine.PartitionStore
	slots  []*slot

	mu         sync.Mutex
	local      *partition.Map
	full       *partition.FullMap
	assignment *affinity.Assignment
	version    membership.Version
	hooks      Hooks

	events *queue.Unbounded[Event]
}

func New(nodeID uuid.UUID, partitions int, store engine.PartitionStore, logger *zap.Logger) (*Topology, error) {
	if partitions <= 0 {
		return nil, fmt.Errorf("partition count must be positive, got %d", partitions)
	}
	local, err := partition.NewMap(nodeID, 1)
	if err != nil {
		return nil, err
	}

	t := &Topology{
		logger: logger.Named("topology"),
		nodeID: nodeID,
		store:  store,
		slots:  make([]*slot, partitions),
		local:  local,
		full:   partition.NewFullMap(),
		events: queue.NewUnbounded[Event](),
	}
	for i := range t.slots {
		t.slots[i] = &slot{ready: make(chan struct{})}
	}
	t.full.Put(local.Snapshot())
	return t, nil
}

func (t *Topology) SetHooks(h Hooks) {
	t.mu.Lock()
	t.hooks = h
	t.mu.Unlock()
}

func (t *Topology) NodeID() uuid.UUID {
	return t.nodeID
}

func (t *Topology) Partitions() int {
	return len(t.slots)
}

// Events delivers every transition in commit order.
func (t *Topology) Events() <-chan Event {
	return t.events.Out()
}

func (t *Topology) Close() {
	t.events.Close()
}

func (t *Topology) Version() membership.Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Assignment returns the adopted assignment, nil before the first exchange.
func (t *Topology) Assignment() *affinity.Assignment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assignment
}

func (t *Topology) UpdateSequence() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local.UpdateSequence()
}

// Snapshot returns a point-in-time copy of the local map.
func (t *Topology) Snapshot() *partition.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local.Snapshot()
}

// FullMap returns a copy of this node's view of every node's map.
func (t *Topology) FullMap() *partition.FullMap {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.full.Clone()
}

// State reads the local state of p without taking the node lock.
func (t *Topology) State(p partition.ID) partition.State {
	if !t.valid(p) {
		return partition.None
	}
	return partition.State(t.slots[p].state.Load())
}

// Epoch returns the epoch p last entered MOVING with.
func (t *Topology) Epoch(p partition.ID) uint64 {
	if !t.valid(p) {
		return 0
	}
	return t.slots[p].epoch.Load()
}

func (t *Topology) valid(p partition.ID) bool {
	return p >= 0 && int(p) < len(t.slots)
}

// Moving returns the partitions currently MOVING with their epochs.
func (t *Topology) Moving() map[partition.ID]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[partition.ID]uint64)
	for _, p := range t.local.Partitions() {
		if t.local.Get(p) == partition.Moving {
			out[p] = t.slots[p].epoch.Load()
		}
	}
	return out
}

// Applied summarizes one exchange apply.
type Applied struct {
	PrevSeq uint64
	Seq     uint64
	Moving  int
	Evicted int
	Renting int
}

// Apply adopts the assignment of an exchange together with the full map the
// coordinator broadcast. It is one mutation: the sequence advances by one
// even when no partition changes state. Assignments older than the adopted
// version are refused.
func (t *Topology) Apply(a *affinity.Assignment, maps []*partition.Snapshot) (Applied, error) {
	if a.Partitions() != len(t.slots) {
		return Applied{}, fmt.Errorf("assignment has %d partitions, node has %d", a.Partitions(), len(t.slots))
	}

	t.mu.Lock()
	if a.Version < t.version {
		cur := t.version
		t.mu.Unlock()
		return Applied{}, fmt.Errorf("assignment for version %d after %d: %w", a.Version, cur, errors.ErrSuperseded)
	}

	b := &batch{}
	t.mergeRelayedLocked(maps)
	t.version = a.Version
	t.assignment = a

	for p := range t.slots {
		id := partition.ID(p)
		assigned := a.Contains(id, t.nodeID)
		switch st := t.local.Get(id); {
		case assigned && st == partition.None:
			t.transitionLocked(b, id, partition.Moving)
		case assigned && st == partition.Moving:
			b.moving = append(b.moving, epochNote{id, t.slots[p].epoch.Load()})
		case !assigned && st == partition.Moving:
			t.transitionLocked(b, id, partition.Evicted)
		}
	}
	t.rentLocked(b)
	t.commitLocked(b, true)

	res := Applied{PrevSeq: b.prevSeq, Seq: b.seq}
	for _, c := range b.changes {
		switch c.to {
		case partition.Moving:
			res.Moving++
		case partition.Evicted:
			res.Evicted++
		case partition.Renting:
			res.Renting++
		}
	}
	hooks := t.hooks
	t.mu.Unlock()

	metrics.TopologyVersion.Set(float64(a.Version))
	b.notify(hooks)
	return res, nil
}

// Own completes a transfer: MOVING to OWNING. epoch must match the epoch
// the partition entered MOVING with, so a transfer that outlived an
// eviction cannot own the re-acquired partition.
func (t *Topology) Own(p partition.ID, epoch uint64) (prevSeq, seq uint64, err error) {
	if !t.valid(p) {
		return 0, 0, fmt.Errorf("partition %d: %w", p, errors.ErrInvalidPartition)
	}

	t.mu.Lock()
	if t.local.Get(p) == partition.Moving && t.slots[p].epoch.Load() != epoch {
		t.mu.Unlock()
		return 0, 0, fmt.Errorf("partition %d epoch %d: %w", p, epoch, errors.ErrSuperseded)
	}
	b := &batch{publish: true}
	if err := t.transitionLocked(b, p, partition.Owning); err != nil {
		t.mu.Unlock()
		return 0, 0, err
	}
	t.commitLocked(b, false)
	hooks := t.hooks
	t.mu.Unlock()

	b.notify(hooks)
	return b.prevSeq, b.seq, nil
}

// MergeDirect records a map received from the node that owns it. A
// decreasing sequence or a malformed map is returned as a ProtocolViolation
// for the caller to act on; the stored map is left unchanged.
func (t *Topology) MergeDirect(s *partition.Snapshot) error {
	if err := s.Validate(len(t.slots)); err != nil {
		return err
	}
	if s.NodeID() == t.nodeID {
		return nil
	}

	t.mu.Lock()
	changed, err := t.full.Merge(s)
	if err != nil || !changed {
		t.mu.Unlock()
		return err
	}
	b := &batch{publish: true}
	t.rentLocked(b)
	t.commitLocked(b, false)
	hooks := t.hooks
	t.mu.Unlock()

	b.notify(hooks)
	return nil
}

// MergeRefresh merges a re-broadcast full map for the adopted version and
// runs the rent checks. Refreshes for any other version are ignored.
func (t *Topology) MergeRefresh(version membership.Version, maps []*partition.Snapshot) bool {
	t.mu.Lock()
	if version != t.version {
		t.mu.Unlock()
		return false
	}
	t.mergeRelayedLocked(maps)
	b := &batch{publish: true}
	t.rentLocked(b)
	t.commitLocked(b, false)
	hooks := t.hooks
	t.mu.Unlock()

	b.notify(hooks)
	return true
}

// mergeRelayedLocked merges second-hand maps and prunes nodes absent from
// them. The local map is authoritative and never taken from the network.
func (t *Topology) mergeRelayedLocked(maps []*partition.Snapshot) {
	alive := make([]uuid.UUID, 0, len(maps)+1)
	alive = append(alive, t.nodeID)
	for _, s := range maps {
		if s.NodeID() == t.nodeID {
			continue
		}
		if err := s.Validate(len(t.slots)); err != nil {
			metrics.RecordProtocolViolation(false)
			t.logger.Warn("ignoring malformed relayed partition map", zap.Error(err))
			continue
		}
		alive = append(alive, s.NodeID())
		if _, err := t.full.Merge(s); err != nil {
			metrics.RecordProtocolViolation(false)
			t.logger.Warn("ignoring stale relayed partition map",
				zap.String("node", membership.ShortID(s.NodeID())),
				zap.Error(err))
		}
	}
	t.full.Prune(alive)
}

// rentLocked moves OWNING partitions that left the assignment to RENTING
// once every assigned node is OWNING them, and evicts RENTING partitions
// with no reservations left.
func (t *Topology) rentLocked(b *batch) {
	a := t.assignment
	if a == nil {
		return
	}
	for _, p := range t.local.Partitions() {
		switch t.local.Get(p) {
		case partition.Owning:
			if a.Contains(p, t.nodeID) || !t.replacedLocked(a, p) {
				continue
			}
			_ = t.transitionLocked(b, p, partition.Renting)
			if t.slots[p].refs.Load() == 0 {
				t.evictLocked(b, p)
			}
		case partition.Renting:
			if t.slots[p].refs.Load() == 0 {
				t.evictLocked(b, p)
			}
		}
	}
}

func (t *Topology) replacedLocked(a *affinity.Assignment, p partition.ID) bool {
	nodes := a.Nodes(p)
	if len(nodes) == 0 {
		return false
	}
	for _, id := range nodes {
		s, ok := t.full.Get(id)
		if !ok || s.State(p) != partition.Owning {
			return false
		}
	}
	return true
}

// evictLocked drops a RENTING partition and re-acquires it when the
// adopted assignment lists this node again.
func (t *Topology) evictLocked(b *batch, p partition.ID) {
	if err := t.transitionLocked(b, p, partition.Evicted); err != nil {
		return
	}
	if t.assignment != nil && t.assignment.Contains(p, t.nodeID) {
		_ = t.transitionLocked(b, p, partition.Moving)
	}
}

func (t *Topology) transitionLocked(b *batch, p partition.ID, to partition.State) error {
	from := t.local.Get(p)
	if err := partition.CheckTransition(p, from, to); err != nil {
		return err
	}
	s := t.slots[p]

	if from == partition.Owning {
		s.ready = make(chan struct{})
	}
	switch to {
	case partition.Moving:
		b.moving = append(b.moving, epochNote{p, s.epoch.Inc()})
		s.state.Store(uint32(to))
	case partition.Owning:
		close(s.ready)
		s.state.Store(uint32(to))
	case partition.Renting:
		s.state.Store(uint32(to))
	case partition.Evicted:
		s.data.Lock()
		s.state.Store(uint32(partition.None))
		if err := t.store.Clear(context.Background(), p); err != nil {
			t.logger.Error("failed to clear evicted partition", zap.Int32("partition", int32(p)), zap.Error(err))
		}
		s.data.Unlock()
		if from == partition.Moving {
			b.evicted = append(b.evicted, epochNote{p, s.epoch.Load()})
		}
	}

	t.local.Set(p, to)
	b.changes = append(b.changes, change{p: p, from: from, to: to})
	return nil
}

// commitLocked advances the sequence once for the batch and emits its
// events. Without force an empty batch is not a mutation.
func (t *Topology) commitLocked(b *batch, force bool) {
	if len(b.changes) == 0 && !force {
		b.publish = false
		return
	}
	b.prevSeq = t.local.Increment()
	b.seq = t.local.UpdateSequence()
	b.snapshot = t.local.Snapshot()
	t.full.Put(b.snapshot)

	for _, c := range b.changes {
		t.events.Push(Event{
			Partition: c.p,
			From:      c.from,
			To:        c.to,
			Version:   t.version,
			PrevSeq:   b.prevSeq,
			Seq:       b.seq,
		})
		metrics.RecordTransition(c.from.String(), c.to.String())
	}

	metrics.UpdateSequence.Set(float64(b.seq))
	metrics.RecordPartitionStates(
		len(b.snapshot.InState(partition.Moving)),
		len(b.snapshot.InState(partition.Owning)),
		len(b.snapshot.InState(partition.Renting)))

	if len(b.changes) > 0 {
		t.logger.Debug("partition map updated",
			zap.Uint64("topology_version", uint64(t.version)),
			zap.Uint64("prev_seq", b.prevSeq),
			zap.Uint64("seq", b.seq),
			zap.Int("transitions", len(b.changes)))
	}
}

type change struct {
	p        partition.ID
	from, to partition.State
}

type epochNote struct {
	p     partition.ID
	epoch uint64
}

type batch struct {
	changes  []change
	moving   []epochNote
	evicted  []epochNote
	publish  bool
	prevSeq  uint64
	seq      uint64
	snapshot *partition.Snapshot
}

func (b *batch) notify(h Hooks) {
	for _, n := range b.evicted {
		if h.Evicted != nil {
			h.Evicted(n.p, n.epoch)
		}
	}
	for _, n := range b.moving {
		if h.Moving != nil {
			h.Moving(n.p, n.epoch)
		}
	}
	if b.publish && b.snapshot != nil && h.Changed != nil {
		h.Changed(b.snapshot)
	}
}
