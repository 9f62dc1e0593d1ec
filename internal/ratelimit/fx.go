package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type limiterParams struct {
	fx.In

	Config config.Config
	Redis  *redis.Client `optional:"true"`
	Log    *zap.Logger
}

func provideLimiter(p limiterParams) (*SettlementLimiter, error) {
	return NewSettlementLimiter(Params{Config: p.Config, Redis: p.Redis, Log: p.Log})
}

var Module = fx.Module("rate.limit",
	fx.Provide(provideLimiter),
)
