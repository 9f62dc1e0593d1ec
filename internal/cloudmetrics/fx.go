package cloudmetrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/creditmeter/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const pushInterval = 5 * time.Minute

type PusherParams struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Role   Role `optional:"true"`
}

var Module = fx.Module("cloud.metrics",
	fx.Provide(func(p PusherParams) Pusher { return NewPusher(p.Config, p.Role, p.Log) }),
	fx.Provide(func(cfg config.Config, registry *prometheus.Registry, pusher Pusher, logger *zap.Logger) *CloudMetrics {
		if !cfg.Cloud.Metrics.Enabled || pusher == nil {
			return nil
		}
		return New(registry, pusher, cfg.InstanceID, cfg.AppVersion, logger)
	}),
	fx.Invoke(func(lc fx.Lifecycle, c *CloudMetrics, logger *zap.Logger, db *gorm.DB) {
		if c == nil {
			return
		}

		if logger == nil {
			logger = zap.NewNop()
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				logger.Info("starting cloud metrics background worker")
				go func() {
					defer close(done)
					ticker := time.NewTicker(pushInterval)
					defer ticker.Stop()

					pushOnce(ctx, c, db, logger)
					for {
						select {
						case <-ticker.C:
							pushOnce(ctx, c, db, logger)
						case <-ctx.Done():
							logger.Info("stopping cloud metrics background worker")
							return
						}
					}
				}()
				return nil
			},
			OnStop: func(stopCtx context.Context) error {
				cancel()
				select {
				case <-done:
				case <-stopCtx.Done():
				}
				return nil
			},
		})
	}),
)

func pushOnce(ctx context.Context, c *CloudMetrics, db *gorm.DB, logger *zap.Logger) {
	c.Refresh(ctx, db)
	pushCtx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()
	if err := c.Push(pushCtx); err != nil {
		logger.Warn("cloud metrics push failed", zap.Error(err))
	}
}
