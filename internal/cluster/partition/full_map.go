package partition

import (
	"bytes"
	"sort"

	"github.com/google/uuid"

	"github.com/10yihang/gridcache/pkg/errors"
)

// FullMap is the cluster-wide view: one snapshot per node, the highest
// sequence seen for that node. It is not safe for concurrent use.
type FullMap struct {
	maps map[uuid.UUID]*Snapshot
}

func NewFullMap() *FullMap {
	return &FullMap{maps: make(map[uuid.UUID]*Snapshot)}
}

// Merge records s. For the same node a higher sequence wholly replaces the
// stored map and an equal sequence is a no-op. A lower sequence is rejected
// with a ProtocolViolation and the stored map stays as it was.
func (f *FullMap) Merge(s *Snapshot) (bool, error) {
	cur, ok := f.maps[s.nodeID]
	if !ok {
		f.maps[s.nodeID] = s
		return true, nil
	}
	switch {
	case s.seq > cur.seq:
		f.maps[s.nodeID] = s
		return true, nil
	case s.seq == cur.seq:
		return false, nil
	default:
		return false, &errors.ProtocolViolation{Node: s.nodeID, Have: cur.seq, Got: s.seq}
	}
}

// Put stores s without sequence checks. Used for the local node's own map,
// which is authoritative.
func (f *FullMap) Put(s *Snapshot) {
	f.maps[s.nodeID] = s
}

func (f *FullMap) Get(node uuid.UUID) (*Snapshot, bool) {
	s, ok := f.maps[node]
	return s, ok
}

// Prune drops the maps of nodes not in alive and returns the dropped ids.
func (f *FullMap) Prune(alive []uuid.UUID) []uuid.UUID {
	keep := make(map[uuid.UUID]struct{}, len(alive))
	for _, id := range alive {
		keep[id] = struct{}{}
	}
	var removed []uuid.UUID
	for id := range f.maps {
		if _, ok := keep[id]; !ok {
			delete(f.maps, id)
			removed = append(removed, id)
		}
	}
	sortIDs(removed)
	return removed
}

// Owners returns the nodes OWNING p, ordered by node id.
func (f *FullMap) Owners(p ID) []uuid.UUID {
	var owners []uuid.UUID
	for id, s := range f.maps {
		if s.State(p) == Owning {
			owners = append(owners, id)
		}
	}
	sortIDs(owners)
	return owners
}

// Hosts returns every node hosting p with its state.
func (f *FullMap) Hosts(p ID) map[uuid.UUID]State {
	hosts := make(map[uuid.UUID]State)
	for id, s := range f.maps {
		if st := s.State(p); st != None {
			hosts[id] = st
		}
	}
	return hosts
}

// OwnedCount returns how many partitions node is OWNING.
func (f *FullMap) OwnedCount(node uuid.UUID) int {
	s, ok := f.maps[node]
	if !ok {
		return 0
	}
	return len(s.InState(Owning))
}

// Snapshots returns all maps ordered by node id.
func (f *FullMap) Snapshots() []*Snapshot {
	out := make([]*Snapshot, 0, len(f.maps))
	for _, s := range f.maps {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].nodeID[:], out[j].nodeID[:]) < 0 })
	return out
}

func (f *FullMap) Len() int {
	return len(f.maps)
}

// Clone copies the index; snapshots are immutable and shared.
func (f *FullMap) Clone() *FullMap {
	c := &FullMap{maps: make(map[uuid.UUID]*Snapshot, len(f.maps))}
	for id, s := range f.maps {
		c.maps[id] = s
	}
	return c
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
}
