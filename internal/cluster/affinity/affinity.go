// Package affinity maps partitions to ordered node lists (primary first,
// then backups) for a topology version.
//
// Placement uses rendezvous hashing: every (node, partition) pair gets a
// score and the highest scores win. The result depends only on the member
// set, so a membership change only moves partitions whose top scorers
// changed.
package affinity

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/10yihang/gridcache/internal/cluster/membership"
	"github.com/10yihang/gridcache/internal/cluster/partition"
)

// Function is the affinity function configuration. It holds no state.
type Function struct {
	Partitions int
	Backups    int
}

func New(partitions, backups int) (Function, error) {
	if partitions <= 0 {
		return Function{}, fmt.Errorf("partition count must be positive, got %d", partitions)
	}
	if backups < 0 {
		return Function{}, fmt.Errorf("backup count must not be negative, got %d", backups)
	}
	return Function{Partitions: partitions, Backups: backups}, nil
}

// Assign computes the assignment for top. Each partition gets
// min(backups+1, len(nodes)) distinct nodes.
func (f Function) Assign(top membership.Topology) *Assignment {
	ids := top.IDs()
	replicas := f.Backups + 1
	if replicas > len(ids) {
		replicas = len(ids)
	}

	owners := make([][]uuid.UUID, f.Partitions)
	scored := make([]scoredNode, len(ids))
	var d xxhash.Digest
	var pbuf [4]byte

	for p := 0; p < f.Partitions; p++ {
		binary.BigEndian.PutUint32(pbuf[:], uint32(p))
		for i, id := range ids {
			d.Reset()
			_, _ = d.Write(id[:])
			_, _ = d.Write(pbuf[:])
			scored[i] = scoredNode{id: id, score: d.Sum64()}
		}
		sort.Slice(scored, func(i, j int) bool {
			if scored[i].score != scored[j].score {
				return scored[i].score > scored[j].score
			}
			return bytes.Compare(scored[i].id[:], scored[j].id[:]) < 0
		})

		list := make([]uuid.UUID, replicas)
		for i := 0; i < replicas; i++ {
			list[i] = scored[i].id
		}
		owners[p] = list
	}

	return &Assignment{Version: top.Version, Backups: f.Backups, owners: owners}
}

type scoredNode struct {
	id    uuid.UUID
	score uint64
}

// Assignment is the ordered owner list of every partition at one version.
// It is immutable.
type Assignment struct {
	Version membership.Version
	Backups int
	owners  [][]uuid.UUID
}

// NewAssignment rebuilds an assignment received from the coordinator.
func NewAssignment(version membership.Version, backups int, owners [][]uuid.UUID) *Assignment {
	copied := make([][]uuid.UUID, len(owners))
	for i, list := range owners {
		copied[i] = append([]uuid.UUID(nil), list...)
	}
	return &Assignment{Version: version, Backups: backups, owners: copied}
}

func (a *Assignment) Partitions() int {
	return len(a.owners)
}

// Nodes returns the owners of p, primary first.
func (a *Assignment) Nodes(p partition.ID) []uuid.UUID {
	if p < 0 || int(p) >= len(a.owners) {
		return nil
	}
	return append([]uuid.UUID(nil), a.owners[p]...)
}

func (a *Assignment) Primary(p partition.ID) (uuid.UUID, bool) {
	if p < 0 || int(p) >= len(a.owners) || len(a.owners[p]) == 0 {
		return uuid.Nil, false
	}
	return a.owners[p][0], true
}

// Contains reports whether node is primary or backup for p.
func (a *Assignment) Contains(p partition.ID, node uuid.UUID) bool {
	if p < 0 || int(p) >= len(a.owners) {
		return false
	}
	for _, id := range a.owners[p] {
		if id == node {
			return true
		}
	}
	return false
}

// PartitionsFor returns every partition assigned to node, ascending.
func (a *Assignment) PartitionsFor(node uuid.UUID) []partition.ID {
	var out []partition.ID
	for p := range a.owners {
		if a.Contains(partition.ID(p), node) {
			out = append(out, partition.ID(p))
		}
	}
	return out
}

// Owners returns a deep copy of the owner lists, indexed by partition.
func (a *Assignment) Owners() [][]uuid.UUID {
	out := make([][]uuid.UUID, len(a.owners))
	for i, list := range a.owners {
		out[i] = append([]uuid.UUID(nil), list...)
	}
	return out
}

// Diff returns the partitions node gains and loses going from prev to a.
// A nil prev is an empty assignment.
func (a *Assignment) Diff(prev *Assignment, node uuid.UUID) (added, removed []partition.ID) {
	for p := range a.owners {
		id := partition.ID(p)
		now := a.Contains(id, node)
		before := prev != nil && prev.Contains(id, node)
		switch {
		case now && !before:
			added = append(added, id)
		case before && !now:
			removed = append(removed, id)
		}
	}
	return added, removed
}
