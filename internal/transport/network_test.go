package transport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/gridcache/pkg/errors"
)

func receive(t *testing.T, tr Transport) *Message {
	t.Helper()
	select {
	case msg, ok := <-tr.Inbound():
		require.True(t, ok, "inbound closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestNetwork_SendDeliversCopy(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint(uuid.New(), "a")
	b := net.Endpoint(uuid.New(), "b")

	msg := &Message{Type: MsgHeartbeat, Version: 3, Maps: [][]byte{{9}}}
	require.NoError(t, a.Send(context.Background(), b.LocalID(), msg))

	got := receive(t, b)
	assert.Equal(t, a.LocalID(), got.Sender)
	assert.Equal(t, uint64(3), got.Version)

	msg.Maps[0][0] = 1
	assert.Equal(t, byte(9), got.Maps[0][0], "receiver must not share memory with sender")
}

func TestNetwork_PreservesOrderPerPair(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint(uuid.New(), "a")
	b := net.Endpoint(uuid.New(), "b")

	for i := 0; i < 100; i++ {
		require.NoError(t, a.Send(context.Background(), b.LocalID(), &Message{Type: MsgHeartbeat, Version: uint64(i)}))
	}
	for i := 0; i < 100; i++ {
		assert.Equal(t, uint64(i), receive(t, b).Version)
	}
}

func TestNetwork_Isolate(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint(uuid.New(), "a")
	b := net.Endpoint(uuid.New(), "b")

	net.Isolate(b.LocalID())
	err := a.Send(context.Background(), b.LocalID(), &Message{Type: MsgHeartbeat})
	var tf *errors.TransportFailure
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, b.LocalID(), tf.Node)
	assert.ErrorIs(t, err, errors.ErrUnreachable)

	net.Heal(b.LocalID())
	require.NoError(t, a.Send(context.Background(), b.LocalID(), &Message{Type: MsgHeartbeat}))
	receive(t, b)
}

func TestNetwork_FilterDropsSilently(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint(uuid.New(), "a")
	b := net.Endpoint(uuid.New(), "b")

	net.SetFilter(func(_, _ uuid.UUID, msg *Message) bool { return msg.Type != MsgSupply })
	require.NoError(t, a.Send(context.Background(), b.LocalID(), &Message{Type: MsgSupply}))
	require.NoError(t, a.Send(context.Background(), b.LocalID(), &Message{Type: MsgDemand}))
	assert.Equal(t, MsgDemand, receive(t, b).Type)
}

func TestNetwork_SendAddrAndClose(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint(uuid.New(), "a")
	b := net.Endpoint(uuid.New(), "b")

	require.NoError(t, a.SendAddr(context.Background(), "b", &Message{Type: MsgJoinRequest}))
	assert.Equal(t, MsgJoinRequest, receive(t, b).Type)

	require.NoError(t, b.Close())
	_, ok := <-b.Inbound()
	assert.False(t, ok)

	err := a.Send(context.Background(), b.LocalID(), &Message{Type: MsgHeartbeat})
	assert.ErrorIs(t, err, errors.ErrUnreachable)
	assert.Error(t, a.SendAddr(context.Background(), "b", &Message{Type: MsgHeartbeat}))
}

func TestNetwork_CancelledContext(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint(uuid.New(), "a")
	b := net.Endpoint(uuid.New(), "b")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.Send(ctx, b.LocalID(), &Message{Type: MsgHeartbeat}), context.Canceled)
}
