package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestRedisStoreRoundTripCompressed(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestRedis(t)
	store := NewRedisStore(client, RedisStoreOptions{Namespace: "cm", Compress: true, OpTimeout: time.Second})

	require.NoError(t, store.Set(ctx, "pricing:model:gpt-4o", []byte(`{"input":"0.0025"}`), time.Hour))
	assert.True(t, srv.Exists("cm:cache:pricing:model:gpt-4o"))

	entry, ok, err := store.Get(ctx, "pricing:model:gpt-4o")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"input":"0.0025"}`, string(entry.Value))
	assert.Greater(t, entry.TTL, time.Duration(0))
}

func TestRedisStoreMissAndExpiry(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestRedis(t)
	store := NewRedisStore(client, RedisStoreOptions{Namespace: "cm", OpTimeout: time.Second})

	_, ok, err := store.Get(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "short", []byte("v"), time.Minute))
	srv.FastForward(time.Minute + time.Second)
	_, ok, err = store.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreDeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestRedis(t)
	store := NewRedisStore(client, RedisStoreOptions{Namespace: "cm", OpTimeout: time.Second})

	for i := 0; i < 450; i++ {
		require.NoError(t, store.Set(ctx, ModelPriceKey(fmt.Sprintf("model-%03d", i)), []byte("x"), time.Hour))
	}
	require.NoError(t, store.Set(ctx, KeyBillingPrice, []byte("x"), time.Hour))
	require.NoError(t, store.Set(ctx, EndpointKey("chat"), []byte("x"), time.Hour))

	require.NoError(t, store.DeleteByPrefix(ctx, PrefixModelPrice))

	keys := srv.Keys()
	assert.ElementsMatch(t, []string{"cm:cache:" + KeyBillingPrice, "cm:cache:" + EndpointKey("chat")}, keys)
}

func TestRedisStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestRedis(t)
	store := NewRedisStore(client, RedisStoreOptions{Namespace: "cm", OpTimeout: 50 * time.Millisecond})
	srv.Close()

	_, _, err := store.Get(ctx, "k")
	assert.Error(t, err)
	assert.Error(t, store.Set(ctx, "k", []byte("v"), time.Minute))
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
}
