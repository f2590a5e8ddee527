package topology

import (
	"context"
	"fmt"
	"sync"

	"github.com/10yihang/gridcache/internal/cluster/partition"
	"github.com/10yihang/gridcache/pkg/errors"
)

// Reserve pins p while it is OWNING so it cannot be evicted under a reader.
// The returned release must be called exactly once; extra calls are no-ops.
// RENTING partitions refuse new reservations and are evicted when the last
// one is released.
func (t *Topology) Reserve(p partition.ID) (release func(), ok bool) {
	if !t.valid(p) {
		return nil, false
	}
	s := t.slots[p]
	s.refs.Inc()
	if partition.State(s.state.Load()) != partition.Owning {
		t.release(p)
		return nil, false
	}

	var once sync.Once
	return func() { once.Do(func() { t.release(p) }) }, true
}

// Reservations returns the current reservation count of p.
func (t *Topology) Reservations(p partition.ID) int {
	if !t.valid(p) {
		return 0
	}
	return int(t.slots[p].refs.Load())
}

func (t *Topology) release(p partition.ID) {
	s := t.slots[p]
	if s.refs.Dec() != 0 || partition.State(s.state.Load()) != partition.Renting {
		return
	}

	t.mu.Lock()
	b := &batch{publish: true}
	if t.local.Get(p) == partition.Renting && s.refs.Load() == 0 {
		t.evictLocked(b, p)
	}
	t.commitLocked(b, false)
	hooks := t.hooks
	t.mu.Unlock()

	b.notify(hooks)
}

// Load runs fn while p is still MOVING at epoch. Eviction waits for fn to
// return, so writes done by fn are never left behind in a dropped partition.
func (t *Topology) Load(p partition.ID, epoch uint64, fn func() error) error {
	if !t.valid(p) {
		return fmt.Errorf("partition %d: %w", p, errors.ErrInvalidPartition)
	}
	s := t.slots[p]
	s.data.RLock()
	defer s.data.RUnlock()

	if partition.State(s.state.Load()) != partition.Moving || s.epoch.Load() != epoch {
		return fmt.Errorf("partition %d epoch %d: %w", p, epoch, errors.ErrSuperseded)
	}
	return fn()
}

// AwaitReady blocks until p is OWNING locally or ctx is done.
func (t *Topology) AwaitReady(ctx context.Context, p partition.ID) error {
	if !t.valid(p) {
		return fmt.Errorf("partition %d: %w", p, errors.ErrInvalidPartition)
	}
	for {
		t.mu.Lock()
		if t.local.Get(p) == partition.Owning {
			t.mu.Unlock()
			return nil
		}
		ready := t.slots[p].ready
		t.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
