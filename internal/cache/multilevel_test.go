package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type modelPrice struct {
	Model  string `json:"model"`
	Input  string `json:"input"`
	Output string `json:"output"`
}

type cacheFixture struct {
	cache  *MultiLevel
	local  *LocalStore
	shared *RedisStore
	srv    *miniredis.Miniredis
	clock  *clock.FakeClock
}

func newFixture(t *testing.T, withShared bool) cacheFixture {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	local, err := NewLocalStore(64, clk)
	require.NoError(t, err)

	f := cacheFixture{local: local, clock: clk}
	var shared Store
	if withShared {
		f.srv = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: f.srv.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		f.shared = NewRedisStore(client, RedisStoreOptions{Namespace: "cm", OpTimeout: 100 * time.Millisecond})
		shared = f.shared
	}
	f.cache = NewMultiLevel(local, shared, Options{DefaultTTL: time.Hour, Logger: zap.NewNop()})
	return f
}

func TestGetOrLoadReadsThroughAndPopulatesBothTiers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	calls := 0
	load := func(context.Context) (modelPrice, error) {
		calls++
		return modelPrice{Model: "gpt-4o", Input: "0.0025", Output: "0.01"}, nil
	}

	got, err := GetOrLoad(ctx, f.cache, ModelPriceKey("gpt-4o"), time.Hour, load)
	require.NoError(t, err)
	assert.Equal(t, "0.0025", got.Input)
	assert.Equal(t, 1, calls)

	_, ok, _ := f.local.Get(ctx, ModelPriceKey("gpt-4o"))
	assert.True(t, ok)
	_, ok, _ = f.shared.Get(ctx, ModelPriceKey("gpt-4o"))
	assert.True(t, ok)

	again, err := GetOrLoad(ctx, f.cache, ModelPriceKey("gpt-4o"), time.Hour, load)
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Equal(t, 1, calls)
}

func TestSharedHitBackfillsLocalTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	require.NoError(t, f.shared.Set(ctx, KeyBillingPrice, []byte(`"0.00001"`), 10*time.Minute))

	raw, ok := f.cache.Get(ctx, KeyBillingPrice)
	require.True(t, ok)
	assert.Equal(t, `"0.00001"`, string(raw))

	entry, ok, _ := f.local.Get(ctx, KeyBillingPrice)
	require.True(t, ok)
	assert.LessOrEqual(t, entry.TTL, 10*time.Minute, "back-fill must not outlive the shared entry")
}

func TestLocalEntryNotServedPastTTL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	require.NoError(t, f.cache.Set(ctx, KeyProfitPercentage, []byte(`"20"`), time.Minute))
	f.clock.Advance(2 * time.Minute)

	calls := 0
	v, err := GetOrLoad(ctx, f.cache, KeyProfitPercentage, time.Minute, func(context.Context) (string, error) {
		calls++
		return "25", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "25", v)
	assert.Equal(t, 1, calls)
}

func TestUnavailableSharedTierDegradesToLocal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.srv.Close()

	calls := 0
	load := func(context.Context) (string, error) {
		calls++
		return "0.00001", nil
	}
	v, err := GetOrLoad(ctx, f.cache, KeyBillingPrice, time.Hour, load)
	require.NoError(t, err, "shared tier failure must not fail the read")
	assert.Equal(t, "0.00001", v)

	_, err = GetOrLoad(ctx, f.cache, KeyBillingPrice, time.Hour, load)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second read served from the local tier")

	err = f.cache.Delete(ctx, KeyBillingPrice)
	assert.ErrorIs(t, err, apperror.ErrUpstreamUnavailable)
	_, ok, _ := f.local.Get(ctx, KeyBillingPrice)
	assert.False(t, ok, "local tier cleared even when the shared tier fails")
}

func TestDeleteByPrefixClearsBothTiers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	for _, key := range []string{ModelPriceKey("a"), ModelPriceKey("b"), KeyBillingPrice} {
		require.NoError(t, f.cache.Set(ctx, key, []byte(`"x"`), time.Hour))
	}

	require.NoError(t, f.cache.DeleteByPrefix(ctx, "pricing:model:*"))

	for _, key := range []string{ModelPriceKey("a"), ModelPriceKey("b")} {
		_, ok := f.cache.Get(ctx, key)
		assert.False(t, ok, key)
	}
	_, ok := f.cache.Get(ctx, KeyBillingPrice)
	assert.True(t, ok)

	assert.ErrorIs(t, f.cache.DeleteByPrefix(ctx, "*"), ErrInvalidKey)
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	boom := errors.New("db down")

	_, err := GetOrLoad(ctx, f.cache, EndpointKey("chat"), time.Hour, func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	_, ok := f.cache.Get(ctx, EndpointKey("chat"))
	assert.False(t, ok)
}

func TestGetOrLoadDiscardsUndecodableEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	require.NoError(t, f.cache.Set(ctx, EndpointKey("chat"), []byte("not-json"), time.Hour))

	v, err := GetOrLoad(ctx, f.cache, EndpointKey("chat"), time.Hour, func(context.Context) (modelPrice, error) {
		return modelPrice{Model: "m"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "m", v.Model)
}
