package partition

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/10yihang/gridcache/pkg/errors"
)

// Wire record, big endian:
//
//	nodeId         [16]byte
//	updateSequence uint64
//	count          uint32
//	count x { partitionId int32, state uint8 }
const (
	headerSize = 16 + 8 + 4
	entrySize  = 4 + 1
)

// MarshalBinary encodes the snapshot. Entries are written in partition order
// so equal snapshots encode to equal bytes.
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	ids := s.Partitions()
	buf := make([]byte, headerSize+entrySize*len(ids))

	copy(buf[0:16], s.nodeID[:])
	binary.BigEndian.PutUint64(buf[16:24], s.seq)
	binary.BigEndian.PutUint32(buf[24:28], uint32(len(ids)))

	off := headerSize
	for _, p := range ids {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(p))
		buf[off+4] = byte(s.entries[p])
		off += entrySize
	}
	return buf, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (s *Snapshot) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("%w: %d bytes, need at least %d", errors.ErrInvalidRecord, len(data), headerSize)
	}

	var nodeID uuid.UUID
	copy(nodeID[:], data[0:16])
	seq := binary.BigEndian.Uint64(data[16:24])
	count := binary.BigEndian.Uint32(data[24:28])

	if seq == 0 {
		return fmt.Errorf("%w: zero update sequence", errors.ErrInvalidRecord)
	}
	if want := headerSize + entrySize*int(count); len(data) != want {
		return fmt.Errorf("%w: %d entries need %d bytes, got %d", errors.ErrInvalidRecord, count, want, len(data))
	}

	entries := make(map[ID]State, count)
	off := headerSize
	for i := uint32(0); i < count; i++ {
		p := ID(int32(binary.BigEndian.Uint32(data[off : off+4])))
		st := State(data[off+4])
		off += entrySize

		if p < 0 {
			return fmt.Errorf("%w: negative partition id %d", errors.ErrInvalidRecord, p)
		}
		if !st.valid() || !st.Active() {
			return fmt.Errorf("%w: partition %d has state code %d", errors.ErrInvalidRecord, p, uint8(st))
		}
		if _, dup := entries[p]; dup {
			return fmt.Errorf("%w: duplicate partition %d", errors.ErrInvalidRecord, p)
		}
		entries[p] = st
	}

	s.nodeID = nodeID
	s.seq = seq
	s.entries = entries
	return nil
}

// DecodeSnapshot is a convenience wrapper around UnmarshalBinary.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	s := &Snapshot{}
	if err := s.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return s, nil
}

// EncodeSnapshots encodes a list of snapshots, one record each.
func EncodeSnapshots(snaps []*Snapshot) ([][]byte, error) {
	out := make([][]byte, 0, len(snaps))
	for _, s := range snaps {
		b, err := s.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// DecodeSnapshots reverses EncodeSnapshots.
func DecodeSnapshots(records [][]byte) ([]*Snapshot, error) {
	out := make([]*Snapshot, 0, len(records))
	for i, rec := range records {
		s, err := DecodeSnapshot(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Validate checks a decoded snapshot against a topology of the given
// partition count. A map naming no node or a partition outside the range
// is a ProtocolViolation by whoever sent it.
func (s *Snapshot) Validate(partitions int) error {
	if s.nodeID == uuid.Nil {
		return &errors.ProtocolViolation{Node: s.nodeID, Got: s.seq, Reason: "partition map has no node id"}
	}
	for p := range s.entries {
		if int(p) >= partitions {
			return &errors.ProtocolViolation{
				Node:   s.nodeID,
				Got:    s.seq,
				Reason: fmt.Sprintf("partition %d outside [0, %d)", p, partitions),
			}
		}
	}
	return nil
}
