package transport

import (
	"bytes"
	"encoding/gob"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type MessageType uint8

const (
	// Exchange protocol.
	MsgPartitionsSingle MessageType = iota + 1
	MsgPartitionsFull
	MsgPartitionsAck
	MsgPartitionsUpdate

	// Rebalancing.
	MsgDemand
	MsgSupply

	// Discovery.
	MsgJoinRequest
	MsgTopology
	MsgHeartbeat
	MsgFailReport
)

func (t MessageType) String() string {
	switch t {
	case MsgPartitionsSingle:
		return "PARTITIONS_SINGLE"
	case MsgPartitionsFull:
		return "PARTITIONS_FULL"
	case MsgPartitionsAck:
		return "PARTITIONS_ACK"
	case MsgPartitionsUpdate:
		return "PARTITIONS_UPDATE"
	case MsgDemand:
		return "DEMAND"
	case MsgSupply:
		return "SUPPLY"
	case MsgJoinRequest:
		return "JOIN_REQUEST"
	case MsgTopology:
		return "TOPOLOGY"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgFailReport:
		return "FAIL_REPORT"
	default:
		return "UNKNOWN"
	}
}

// Message is the envelope for every inter-node message. Only the fields
// relevant to Type are set. Partition maps travel as binary records in Maps.
type Message struct {
	Type   MessageType
	Sender uuid.UUID

	// Exchange.
	Version     uint64
	ExchangeSeq uint64
	Refresh     bool
	Maps        [][]byte
	Owners      [][]uuid.UUID
	Backups     int

	// Rebalancing.
	Partition int32
	DemandID  uuid.UUID
	Cursor    int
	Next      int
	Total     int
	Entries   []Entry
	Last      bool
	Error     string

	// Discovery.
	Nodes    []NodeInfo
	Node     NodeInfo
	FailNode uuid.UUID
}

// Entry is one key/value pair of a supply batch.
type Entry struct {
	Key   string
	Value []byte
}

// NodeInfo describes a member in discovery messages.
type NodeInfo struct {
	ID    uuid.UUID
	Addr  string
	Order uint64
}

var ErrInvalidMessage = errors.New("invalid message")

func (m *Message) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Type))

	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(m); err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	return buf.Bytes(), nil
}

func Decode(data []byte) (*Message, error) {
	if len(data) < 1 {
		return nil, ErrInvalidMessage
	}

	var m Message
	dec := gob.NewDecoder(bytes.NewReader(data[1:]))
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrap(err, "decode message")
	}

	m.Type = MessageType(data[0])
	if m.Type < MsgPartitionsSingle || m.Type > MsgFailReport {
		return nil, errors.Wrapf(ErrInvalidMessage, "type %d", data[0])
	}
	return &m, nil
}
