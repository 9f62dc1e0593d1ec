package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTokenBucketDeniesAfterBurst(t *testing.T) {
	ctx := context.Background()
	bucket := NewTokenBucket(newRedis(t))

	for i := 0; i < 3; i++ {
		res, err := bucket.Allow(ctx, "bucket:u-1", 0.01, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "call %d", i)
	}

	res, err := bucket.Allow(ctx, "bucket:u-1", 0.01, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 3, res.Limit)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// buckets are per key
	res, err = bucket.Allow(ctx, "bucket:u-2", 0.01, 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketRejectsBadLimits(t *testing.T) {
	bucket := NewTokenBucket(newRedis(t))
	_, err := bucket.Allow(context.Background(), "k", 0, 1)
	assert.Error(t, err)
	_, err = bucket.Allow(context.Background(), "", 1, 1)
	assert.Error(t, err)
}

func TestLockerIsExclusiveUntilReleased(t *testing.T) {
	ctx := context.Background()
	locker := NewLocker(newRedis(t))

	token, ok, err := locker.TryLock(ctx, "lock:a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "lock:a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "lock:a", "someone-else"))
	_, ok, err = locker.TryLock(ctx, "lock:a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "lock:a", token))
	_, ok, err = locker.TryLock(ctx, "lock:a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSettlementLimiterDisabledAllowsEverything(t *testing.T) {
	limiter, err := NewSettlementLimiter(Params{Config: config.Config{}, Log: zap.NewNop()})
	require.NoError(t, err)
	assert.Nil(t, limiter)

	res, err := limiter.AllowUser(context.Background(), "u-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	release, ok, err := limiter.LockUsageKey(context.Background(), "u-1", "k-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, release(context.Background()))
}

func TestSettlementLimiterLocksUsageKey(t *testing.T) {
	ctx := context.Background()
	limiter, err := NewSettlementLimiter(Params{
		Config: config.Config{RateLimit: config.RateLimitConfig{Enabled: true, UserRate: 1, UserBurst: 1}},
		Redis:  newRedis(t),
		Log:    zap.NewNop(),
	})
	require.NoError(t, err)
	require.NotNil(t, limiter)

	release, ok, err := limiter.LockUsageKey(ctx, "u-1", "k-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = limiter.LockUsageKey(ctx, "u-1", "k-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, release(ctx))
	_, ok, err = limiter.LockUsageKey(ctx, "u-1", "k-1")
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := limiter.AllowUser(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = limiter.AllowUser(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}
