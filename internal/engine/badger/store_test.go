package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/10yihang/gridcache/internal/engine"
)

func createTestStore(t *testing.T) *Store {
	store, err := NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_PutGet(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, 3, "key1", []byte("value1")))

	v, err := store.Get(ctx, 3, "key1")
	require.NoError(t, err)
	assert.Equal(t, []byte("value1"), v)

	// Same key in another partition is a different entry.
	_, err = store.Get(ctx, 4, "key1")
	assert.ErrorIs(t, err, engine.ErrKeyNotFound)
}

func TestStore_KeysArePartitionScoped(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, 1, "b", []byte("1")))
	require.NoError(t, store.Put(ctx, 1, "a", []byte("2")))
	require.NoError(t, store.Put(ctx, 2, "c", []byte("3")))
	require.NoError(t, store.Put(ctx, 256, "d", []byte("4")))

	n, err := store.Count(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var keys []string
	got := map[string]string{}
	require.NoError(t, store.Iterate(ctx, 1, func(k string, v []byte) bool {
		keys = append(keys, k)
		got[k] = string(v)
		return true
	}))
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.Equal(t, map[string]string{"a": "2", "b": "1"}, got)
}

func TestStore_ClearAndRemove(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, 0, "x", []byte("1")))
	require.NoError(t, store.Put(ctx, 0, "y", []byte("2")))
	require.NoError(t, store.Put(ctx, 1, "z", []byte("3")))

	removed, err := store.Remove(ctx, 0, "x")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = store.Remove(ctx, 0, "x")
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, store.Clear(ctx, 0))
	n, _ := store.Count(ctx, 0)
	assert.Zero(t, n)
	n, _ = store.Count(ctx, 1)
	assert.Equal(t, 1, n)
}

func TestStore_InMemory(t *testing.T) {
	store, err := NewStore("", zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, 0, "k", []byte("v")))
	v, err := store.Get(ctx, 0, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}
