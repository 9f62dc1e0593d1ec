// Package ratelimit throttles the settlement routes on the shared Redis.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/internal/config"
	"go.uber.org/zap"
)

const (
	keyUserBucket   = "%s:ratelimit:user:%s"
	keyUsageKeyLock = "%s:ratelimit:lock:%s:%s"
)

// SettlementLimiter caps Start/End calls per user and keeps two End calls
// carrying the same usage key from being priced concurrently.
type SettlementLimiter struct {
	bucket    *TokenBucket
	locker    *Locker
	namespace string
	rate      float64
	burst     int
	lockTTL   time.Duration
}

type Params struct {
	Config config.Config
	Redis  *redis.Client
	Log    *zap.Logger
}

// NewSettlementLimiter returns nil when rate limiting is off or Redis is absent;
// a nil limiter allows everything.
func NewSettlementLimiter(p Params) (*SettlementLimiter, error) {
	cfg := p.Config.RateLimit
	if !cfg.Enabled {
		return nil, nil
	}
	if p.Redis == nil {
		p.Log.Warn("rate limiting enabled without redis, requests are not throttled")
		return nil, nil
	}
	if cfg.UserRate <= 0 || cfg.UserBurst <= 0 {
		return nil, errBadLimits
	}
	lockTTL := cfg.UsageKeyLockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	namespace := strings.TrimSuffix(strings.TrimSpace(p.Config.Redis.KeyPrefix), ":")
	if namespace == "" {
		namespace = "creditmeter"
	}
	return &SettlementLimiter{
		bucket:    NewTokenBucket(p.Redis),
		locker:    NewLocker(p.Redis),
		namespace: namespace,
		rate:      cfg.UserRate,
		burst:     cfg.UserBurst,
		lockTTL:   lockTTL,
	}, nil
}

func (l *SettlementLimiter) Enabled() bool {
	return l != nil
}

func (l *SettlementLimiter) AllowUser(ctx context.Context, userID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyUserBucket, l.namespace, strings.TrimSpace(userID)), l.rate, l.burst)
}

// LockUsageKey leases the usage key; the returned release func is a no-op when
// the lease was not granted.
func (l *SettlementLimiter) LockUsageKey(ctx context.Context, userID, usageKey string) (func(context.Context) error, bool, error) {
	noop := func(context.Context) error { return nil }
	if !l.Enabled() {
		return noop, true, nil
	}
	key := fmt.Sprintf(keyUsageKeyLock, l.namespace, strings.TrimSpace(userID), strings.TrimSpace(usageKey))
	token, ok, err := l.locker.TryLock(ctx, key, l.lockTTL)
	if err != nil || !ok {
		return noop, ok, err
	}
	return func(ctx context.Context) error {
		return l.locker.Release(ctx, key, token)
	}, true, nil
}
