package config

import "go.uber.org/fx"

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewSettlementConfigHolder),
	fx.Provide(func(h *SettlementConfigHolder) TuningSource { return h }),
)
