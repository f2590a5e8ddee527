package memory

import (
	"context"
	"fmt"
	"sort"

	cmap "github.com/orcaman/concurrent-map"
	"go.uber.org/atomic"

	"github.com/10yihang/gridcache/internal/cluster/partition"
	"github.com/10yihang/gridcache/internal/engine"
)

// Store keeps one concurrent map per partition. Clearing a partition swaps
// in a fresh map, so readers never observe a half-cleared partition.
type Store struct {
	parts  []*atomic.Value
	closed atomic.Bool
}

func NewStore(partitions int) (*Store, error) {
	if partitions <= 0 {
		return nil, fmt.Errorf("partition count must be positive, got %d", partitions)
	}
	s := &Store{parts: make([]*atomic.Value, partitions)}
	for i := range s.parts {
		v := &atomic.Value{}
		v.Store(cmap.New())
		s.parts[i] = v
	}
	return s, nil
}

func (s *Store) part(p partition.ID) (cmap.ConcurrentMap, error) {
	if s.closed.Load() {
		return nil, engine.ErrClosed
	}
	if p < 0 || int(p) >= len(s.parts) {
		return nil, fmt.Errorf("partition %d out of range [0, %d)", p, len(s.parts))
	}
	return s.parts[p].Load().(cmap.ConcurrentMap), nil
}

func (s *Store) Get(_ context.Context, p partition.ID, key string) ([]byte, error) {
	m, err := s.part(p)
	if err != nil {
		return nil, err
	}
	v, ok := m.Get(key)
	if !ok {
		return nil, engine.ErrKeyNotFound
	}
	return append([]byte(nil), v.([]byte)...), nil
}

func (s *Store) Put(_ context.Context, p partition.ID, key string, value []byte) error {
	m, err := s.part(p)
	if err != nil {
		return err
	}
	m.Set(key, append([]byte(nil), value...))
	return nil
}

func (s *Store) Remove(_ context.Context, p partition.ID, key string) (bool, error) {
	m, err := s.part(p)
	if err != nil {
		return false, err
	}
	_, existed := m.Pop(key)
	return existed, nil
}

// Iterate visits entries in ascending key order. Keys removed after the
// call started are skipped.
func (s *Store) Iterate(ctx context.Context, p partition.ID, fn func(key string, value []byte) bool) error {
	m, err := s.part(p)
	if err != nil {
		return err
	}
	keys := m.Keys()
	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, ok := m.Get(k)
		if !ok {
			continue
		}
		if !fn(k, v.([]byte)) {
			return nil
		}
	}
	return nil
}

func (s *Store) Clear(_ context.Context, p partition.ID) error {
	if _, err := s.part(p); err != nil {
		return err
	}
	s.parts[p].Store(cmap.New())
	return nil
}

func (s *Store) Count(_ context.Context, p partition.ID) (int, error) {
	m, err := s.part(p)
	if err != nil {
		return 0, err
	}
	return m.Count(), nil
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

var _ engine.PartitionStore = (*Store)(nil)
