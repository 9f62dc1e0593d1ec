package cache

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T, size int) (*LocalStore, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	store, err := NewLocalStore(size, clk)
	require.NoError(t, err)
	return store, clk
}

func TestLocalStoreExpiresOnTTL(t *testing.T) {
	ctx := context.Background()
	store, clk := newTestLocal(t, 8)

	require.NoError(t, store.Set(ctx, "pricing:billing_price", []byte("0.00001"), time.Minute))

	entry, ok, err := store.Get(ctx, "pricing:billing_price")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("0.00001"), entry.Value)
	assert.Equal(t, time.Minute, entry.TTL)

	clk.Advance(59 * time.Second)
	_, ok, _ = store.Get(ctx, "pricing:billing_price")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok, _ = store.Get(ctx, "pricing:billing_price")
	assert.False(t, ok, "entry must not be served at or after its expiry")
	assert.Equal(t, 0, store.Len())
}

func TestLocalStoreEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestLocal(t, 2)

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), time.Hour))
	_, _, _ = store.Get(ctx, "a")
	require.NoError(t, store.Set(ctx, "c", []byte("3"), time.Hour))

	_, okA, _ := store.Get(ctx, "a")
	_, okB, _ := store.Get(ctx, "b")
	_, okC, _ := store.Get(ctx, "c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
}

func TestLocalStoreDeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestLocal(t, 16)

	for _, key := range []string{"pricing:model:gpt-4o", "pricing:model:claude", "pricing:billing_price", "feature:endpoint:chat"} {
		require.NoError(t, store.Set(ctx, key, []byte("x"), time.Hour))
	}
	require.NoError(t, store.DeleteByPrefix(ctx, "pricing:model:"))

	_, ok, _ := store.Get(ctx, "pricing:model:gpt-4o")
	assert.False(t, ok)
	_, ok, _ = store.Get(ctx, "pricing:model:claude")
	assert.False(t, ok)
	_, ok, _ = store.Get(ctx, "pricing:billing_price")
	assert.True(t, ok)
	_, ok, _ = store.Get(ctx, "feature:endpoint:chat")
	assert.True(t, ok)
}

func TestLocalStoreSkipsEntriesWithoutTTL(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestLocal(t, 4)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
	_, ok, _ := store.Get(ctx, "k")
	assert.False(t, ok)
	assert.ErrorIs(t, store.Set(ctx, "", []byte("v"), time.Minute), ErrInvalidKey)
}
