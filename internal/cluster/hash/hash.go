// Package hash maps cache keys to partitions.
package hash

import (
	"github.com/cespare/xxhash/v2"

	"github.com/10yihang/gridcache/internal/cluster/partition"
)

// KeyPartition returns the partition of key among n partitions. If the key
// contains a non-empty {tag}, only the tag is hashed so related keys land
// on the same partition.
func KeyPartition(key string, n int) partition.ID {
	if n <= 0 {
		return 0
	}
	return partition.ID(xxhash.Sum64String(HashTag(key)) % uint64(n))
}

// HashTag returns the part of key that is hashed: the content of the first
// {...} pair, or the whole key when there is none or it is empty.
func HashTag(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] != '{' {
			continue
		}
		for j := i + 1; j < len(key); j++ {
			if key[j] == '}' {
				if j == i+1 {
					return key
				}
				return key[i+1 : j]
			}
		}
		return key
	}
	return key
}
