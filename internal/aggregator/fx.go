package aggregator

import (
	"github.com/smallbiznis/creditmeter/internal/breaker"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"github.com/smallbiznis/creditmeter/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Tuning    config.TuningSource
	Log       *zap.Logger
	Clock     clock.Clock
	Breaker   *breaker.Breaker
	Processor BatchProcessor
	Publisher Publisher                     `optional:"true"`
	Metrics   *obsmetrics.Metrics           `optional:"true"`
	Prom      *obsmetrics.SettlementMetrics `optional:"true"`
}

// Provide wires the dispatcher behind the aggregator and flushes pending
// entries when the app stops.
func Provide(p Params) *Aggregator {
	dispatcher := NewDispatcher(DispatcherOptions{
		Publisher: p.Publisher,
		Breaker:   p.Breaker,
		Processor: p.Processor,
		Log:       p.Log,
		Metrics:   p.Metrics,
		Prom:      p.Prom,
	})
	agg := New(Options{
		Tuning:     p.Tuning,
		Dispatcher: dispatcher,
		Log:        p.Log,
		Clock:      p.Clock,
		Metrics:    p.Prom,
	})
	p.Lifecycle.Append(fx.Hook{OnStop: agg.Close})
	return agg
}

var Module = fx.Module("aggregator",
	breaker.Module,
	fx.Provide(
		Provide,
		func(a *Aggregator) domain.Enqueuer { return a },
	),
)
