package cache

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Clock     clock.Clock
	Log       *zap.Logger
	Redis     *redis.Client    `optional:"true"`
	Metrics   *metrics.Metrics `optional:"true"`
}

var Module = fx.Module("cache",
	fx.Provide(NewRedisClient),
	fx.Provide(New),
)

// New builds the multi-level cache from configuration.
func New(p Params) (*MultiLevel, error) {
	local, err := NewLocalStore(p.Config.Cache.LocalSize, p.Clock)
	if err != nil {
		return nil, err
	}

	var shared Store
	var broadcaster *Broadcaster
	if p.Redis != nil {
		shared = NewRedisStore(p.Redis, RedisStoreOptions{
			Namespace: p.Config.Redis.KeyPrefix,
			OpTimeout: p.Config.Cache.OpTimeout,
			Compress:  p.Config.Cache.Compression,
		})
		broadcaster = NewBroadcaster(p.Redis, p.Config.Redis.KeyPrefix, local, p.Log)
		listenOnStart(p.Lifecycle, broadcaster, p.Log)
	}

	return NewMultiLevel(local, shared, Options{
		DefaultTTL:  p.Config.Cache.ConfigTTL,
		Logger:      p.Log,
		Metrics:     p.Metrics,
		Broadcaster: broadcaster,
	}), nil
}

// listenOnStart keeps the invalidation subscription open for the app's
// lifetime. A failed subscribe is logged; the local TTL still bounds staleness.
func listenOnStart(lc fx.Lifecycle, b *Broadcaster, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := b.Listen(ctx); err != nil {
				log.Error("cache invalidation subscribe failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
