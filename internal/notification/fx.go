package notification

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/internal/config"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Hub       *Hub
	Redis     *redis.Client       `optional:"true"`
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

// ProvideNotifier publishes through Redis when it is configured so every API
// process sees the event; otherwise straight into the local hub.
func ProvideNotifier(p Params) Notifier {
	var next Notifier = p.Hub
	if p.Redis != nil {
		next = NewRedisPublisher(p.Redis, Channels{Namespace: p.Config.Redis.KeyPrefix})
	}
	async := NewAsync(next, p.Config.Settlement.NotifyTimeout, p.Log, p.Metrics)
	p.Lifecycle.Append(fx.Hook{OnStop: async.Wait})
	return async
}

// RegisterRelay feeds the local hub from Redis in processes that serve websockets.
func RegisterRelay(p Params) {
	if p.Redis == nil {
		return
	}
	relay := NewRelay(p.Redis, Channels{Namespace: p.Config.Redis.KeyPrefix}, p.Hub, p.Log)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := relay.Run(ctx); err != nil {
					p.Log.Warn("balance event relay stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			return nil
		},
	})
}

var Module = fx.Module("notification",
	fx.Provide(NewHub),
	fx.Provide(ProvideNotifier),
)

var RelayModule = fx.Module("notification.relay",
	fx.Invoke(RegisterRelay),
)
