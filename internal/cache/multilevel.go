package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
	"go.uber.org/zap"
)

const (
	tierLocal  = "local"
	tierShared = "shared"
)

var ErrSharedTierUnavailable = apperror.New(apperror.KindUpstreamUnavailable, "cache_shared_unavailable")

// MultiLevel composes the local tier with an optional shared tier. Shared tier
// failures degrade reads to misses and writes to local-only; only invalidation
// reports them, because a stale shared entry would outlive the mutation.
// Invalidations are also broadcast so peer processes clear their local tier.
type MultiLevel struct {
	local       Store
	shared      Store
	broadcaster *Broadcaster
	defaultTTL  time.Duration
	log         *zap.Logger
	metrics     *metrics.Metrics
}

type Options struct {
	DefaultTTL  time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Broadcaster *Broadcaster
}

// NewMultiLevel builds the cache. shared may be nil.
func NewMultiLevel(local Store, shared Store, opts Options) *MultiLevel {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &MultiLevel{
		local:       local,
		shared:      shared,
		broadcaster: opts.Broadcaster,
		defaultTTL:  ttl,
		log:         log.Named("cache"),
		metrics:     opts.Metrics,
	}
}

func (c *MultiLevel) DefaultTTL() time.Duration { return c.defaultTTL }

// Get reads tier 1, then tier 2, back-filling tier 1 with the remaining shared TTL.
func (c *MultiLevel) Get(ctx context.Context, key string) ([]byte, bool) {
	if entry, ok, _ := c.local.Get(ctx, key); ok {
		c.metrics.RecordCacheLookup(ctx, tierLocal, "hit")
		return entry.Value, true
	}
	c.metrics.RecordCacheLookup(ctx, tierLocal, "miss")

	if c.shared == nil {
		return nil, false
	}

	entry, ok, err := c.shared.Get(ctx, key)
	if err != nil {
		c.metrics.RecordCacheLookup(ctx, tierShared, "error")
		c.log.Warn("shared cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		c.metrics.RecordCacheLookup(ctx, tierShared, "miss")
		return nil, false
	}
	c.metrics.RecordCacheLookup(ctx, tierShared, "hit")

	ttl := entry.TTL
	if ttl <= 0 || ttl > c.defaultTTL {
		ttl = c.defaultTTL
	}
	_ = c.local.Set(ctx, key, entry.Value, ttl)
	return entry.Value, true
}

// Set writes both tiers. A shared tier failure is logged, not returned.
func (c *MultiLevel) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.local.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if c.shared == nil {
		return nil
	}
	if err := c.shared.Set(ctx, key, value, ttl); err != nil {
		c.log.Warn("shared cache write failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Delete removes exact keys from both tiers before returning.
func (c *MultiLevel) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_ = c.local.Delete(ctx, keys...)
	if c.shared == nil {
		return nil
	}
	if err := c.shared.Delete(ctx, keys...); err != nil {
		c.log.Error("shared cache delete failed", zap.Strings("keys", keys), zap.Error(err))
		return apperror.Wrap(apperror.KindUpstreamUnavailable, ErrSharedTierUnavailable.Code, err)
	}
	return c.broadcast(ctx, Invalidation{Keys: keys})
}

// DeleteByPrefix removes every key under pattern from both tiers. The pattern
// may end with "*" ("pricing:model:*") or be a bare prefix ("pricing:model:").
func (c *MultiLevel) DeleteByPrefix(ctx context.Context, pattern string) error {
	prefix := NormalizePrefix(pattern)
	if prefix == "" {
		return ErrInvalidKey
	}
	_ = c.local.DeleteByPrefix(ctx, prefix)
	if c.shared == nil {
		return nil
	}
	if err := c.shared.DeleteByPrefix(ctx, prefix); err != nil {
		c.log.Error("shared cache prefix delete failed", zap.String("prefix", prefix), zap.Error(err))
		return apperror.Wrap(apperror.KindUpstreamUnavailable, ErrSharedTierUnavailable.Code, err)
	}
	return c.broadcast(ctx, Invalidation{Prefix: prefix})
}

func (c *MultiLevel) broadcast(ctx context.Context, inv Invalidation) error {
	if c.broadcaster == nil {
		return nil
	}
	if err := c.broadcaster.Publish(ctx, inv); err != nil {
		c.log.Error("cache invalidation broadcast failed",
			zap.Strings("keys", inv.Keys),
			zap.String("prefix", inv.Prefix),
			zap.Error(err),
		)
		return apperror.Wrap(apperror.KindUpstreamUnavailable, ErrSharedTierUnavailable.Code, err)
	}
	return nil
}

func NormalizePrefix(pattern string) string {
	return strings.TrimSuffix(strings.TrimSpace(pattern), "*")
}

// GetOrLoad is the typed read-through: cached JSON is decoded into T, otherwise
// load runs and its result is written to both tiers. Loader errors are returned
// as-is and never cached.
func GetOrLoad[T any](ctx context.Context, c *MultiLevel, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if raw, ok := c.Get(ctx, key); ok {
		var cached T
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		c.log.Warn("discarding undecodable cache entry", zap.String("key", key))
		_ = c.local.Delete(ctx, key)
	}

	value, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		c.log.Warn("cache value not encodable", zap.String("key", key), zap.Error(err))
		return value, nil
	}
	_ = c.Set(ctx, key, raw, ttl)
	return value, nil
}
