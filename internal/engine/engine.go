// Package engine defines the partitioned storage interface the topology
// core orchestrates during rebalancing and eviction.
package engine

import (
	"context"
	"errors"

	"github.com/10yihang/gridcache/internal/cluster/partition"
)

// Common errors
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrClosed      = errors.New("store is closed")
)

// PartitionStore keeps entries grouped by partition so that a whole
// partition can be streamed to another node or dropped at once.
type PartitionStore interface {
	Get(ctx context.Context, p partition.ID, key string) ([]byte, error)
	Put(ctx context.Context, p partition.ID, key string, value []byte) error
	Remove(ctx context.Context, p partition.ID, key string) (bool, error)

	// Iterate calls fn for every entry of p in ascending key order until
	// fn returns false.
	Iterate(ctx context.Context, p partition.ID, fn func(key string, value []byte) bool) error

	// Clear drops every entry of p.
	Clear(ctx context.Context, p partition.ID) error
	Count(ctx context.Context, p partition.ID) (int, error)

	Close() error
}
