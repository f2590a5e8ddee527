package transport

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_EncodeDecode(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	msg := &Message{
		Type:        MsgPartitionsFull,
		Sender:      a,
		Version:     7,
		ExchangeSeq: 2,
		Maps:        [][]byte{{1, 2, 3}},
		Owners:      [][]uuid.UUID{{a, b}, {b}},
		Backups:     1,
	}

	data, err := msg.Encode()
	require.NoError(t, err)
	assert.Equal(t, byte(MsgPartitionsFull), data[0])

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	data, err := (&Message{Type: MsgHeartbeat}).Encode()
	require.NoError(t, err)
	data[0] = 200
	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = Decode([]byte{byte(MsgDemand), 0xff, 0x00})
	assert.Error(t, err)
}

func TestMessageType_String(t *testing.T) {
	assert.Equal(t, "PARTITIONS_SINGLE", MsgPartitionsSingle.String())
	assert.Equal(t, "SUPPLY", MsgSupply.String())
	assert.Equal(t, "UNKNOWN", MessageType(0).String())
}
