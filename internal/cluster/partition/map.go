package partition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/10yihang/gridcache/pkg/errors"
)

// Map is the mutable partition map of the local node. It is not safe for
// concurrent use; the owning topology guards it with the node lock.
type Map struct {
	nodeID  uuid.UUID
	seq     uint64
	entries map[ID]State
}

// NewMap creates an empty map. seq must be greater than zero.
func NewMap(nodeID uuid.UUID, seq uint64) (*Map, error) {
	if nodeID == uuid.Nil {
		return nil, fmt.Errorf("partition map needs a node id")
	}
	if seq == 0 {
		return nil, fmt.Errorf("partition map update sequence must be > 0")
	}
	return &Map{
		nodeID:  nodeID,
		seq:     seq,
		entries: make(map[ID]State),
	}, nil
}

func (m *Map) NodeID() uuid.UUID {
	return m.nodeID
}

func (m *Map) UpdateSequence() uint64 {
	return m.seq
}

// AdvanceSequence moves the sequence to newSeq and returns the prior value.
// A decreasing sequence is a ProtocolViolation and leaves the map unchanged.
func (m *Map) AdvanceSequence(newSeq uint64) (uint64, error) {
	old := m.seq
	if newSeq < old {
		return old, &errors.ProtocolViolation{Node: m.nodeID, Have: old, Got: newSeq}
	}
	m.seq = newSeq
	return old, nil
}

// Increment bumps the sequence by one and returns the prior value.
func (m *Map) Increment() uint64 {
	old := m.seq
	m.seq++
	return old
}

// Get returns the state of p, or None when p is not hosted.
func (m *Map) Get(p ID) State {
	return m.entries[p]
}

// Set records p in state s. Evicted removes the entry.
func (m *Map) Set(p ID, s State) {
	if s == Evicted || s == None {
		delete(m.entries, p)
		return
	}
	m.entries[p] = s
}

func (m *Map) Len() int {
	return len(m.entries)
}

// Partitions returns the hosted partitions in ascending order.
func (m *Map) Partitions() []ID {
	return sortedIDs(m.entries)
}

// Snapshot returns an immutable copy containing only active states.
func (m *Map) Snapshot() *Snapshot {
	entries := make(map[ID]State, len(m.entries))
	for p, s := range m.entries {
		if s.Active() {
			entries[p] = s
		}
	}
	return &Snapshot{nodeID: m.nodeID, seq: m.seq, entries: entries}
}

// Snapshot is a versioned, immutable partition map of one node. It is the
// unit exchanged between nodes and is never updated in place.
type Snapshot struct {
	nodeID  uuid.UUID
	seq     uint64
	entries map[ID]State
}

// NewSnapshot builds a snapshot from raw entries. Inactive states are dropped.
func NewSnapshot(nodeID uuid.UUID, seq uint64, entries map[ID]State) (*Snapshot, error) {
	if seq == 0 {
		return nil, fmt.Errorf("snapshot update sequence must be > 0")
	}
	copied := make(map[ID]State, len(entries))
	for p, s := range entries {
		if s.Active() {
			copied[p] = s
		}
	}
	return &Snapshot{nodeID: nodeID, seq: seq, entries: copied}, nil
}

func (s *Snapshot) NodeID() uuid.UUID {
	return s.nodeID
}

func (s *Snapshot) UpdateSequence() uint64 {
	return s.seq
}

// State returns the state of p, or None when p is not hosted.
func (s *Snapshot) State(p ID) State {
	return s.entries[p]
}

func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Partitions returns the hosted partitions in ascending order.
func (s *Snapshot) Partitions() []ID {
	return sortedIDs(s.entries)
}

// InState returns the partitions in state st, ascending.
func (s *Snapshot) InState(st State) []ID {
	var ids []ID
	for p, cur := range s.entries {
		if cur == st {
			ids = append(ids, p)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Entries returns a copy of the entries.
func (s *Snapshot) Entries() map[ID]State {
	out := make(map[ID]State, len(s.entries))
	for p, st := range s.entries {
		out[p] = st
	}
	return out
}

// Equal compares node id and sequence only; a snapshot with the same pair
// is assumed to carry the same content.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.nodeID == o.nodeID && s.seq == o.seq
}

// Compare orders two snapshots of the same node by sequence.
func (s *Snapshot) Compare(o *Snapshot) (int, error) {
	if s.nodeID != o.nodeID {
		return 0, fmt.Errorf("cannot compare maps of nodes %s and %s", s.nodeID, o.nodeID)
	}
	switch {
	case s.seq < o.seq:
		return -1, nil
	case s.seq > o.seq:
		return 1, nil
	default:
		return 0, nil
	}
}

func (s *Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "PartitionMap[node=%s, seq=%d, size=%d", s.nodeID, s.seq, len(s.entries))
	for _, p := range s.Partitions() {
		fmt.Fprintf(&b, ", %d=%s", p, s.entries[p])
	}
	b.WriteString("]")
	return b.String()
}

func sortedIDs(entries map[ID]State) []ID {
	ids := make([]ID, 0, len(entries))
	for p := range entries {
		ids = append(ids, p)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
