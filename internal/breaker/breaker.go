// Package breaker guards calls to a degraded dependency with a circuit breaker
// and a per-call timeout.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/creditmeter/internal/config"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
	"github.com/sony/gobreaker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// PublishBreakerName identifies the breaker in front of the settlement queue.
const PublishBreakerName = "settlement-publish"

var ErrOpen = apperror.New(apperror.KindUpstreamUnavailable, "breaker_open")

type Breaker struct {
	name        string
	cb          *gobreaker.CircuitBreaker
	callTimeout time.Duration
	log         *zap.Logger
	obs         *obsmetrics.Metrics
	prom        *obsmetrics.SettlementMetrics
}

type Options struct {
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics
	Prom    *obsmetrics.SettlementMetrics
}

// New builds a breaker that opens after tuning.ConsecutiveFailures failures
// inside tuning.Window, stays open for tuning.Cooldown and then lets
// tuning.HalfOpenRequests trial calls through.
func New(name string, tuning config.BreakerTuning, opts Options) *Breaker {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	b := &Breaker{
		name:        name,
		callTimeout: tuning.CallTimeout,
		log:         log.Named("breaker").With(zap.String("breaker", name)),
		obs:         opts.Metrics,
		prom:        opts.Prom,
	}

	threshold := tuning.ConsecutiveFailures
	if threshold == 0 {
		threshold = 1
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: tuning.HalfOpenRequests,
		Interval:    tuning.Window,
		Timeout:     tuning.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// a request the dependency rejected on its merits says nothing about its health
		IsSuccessful: func(err error) bool {
			return err == nil || apperror.IsPermanent(err)
		},
		OnStateChange: b.onStateChange,
	})
	b.prom.SetBreakerState(name, int(gobreaker.StateClosed))
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Do runs fn under the breaker. fn receives a context bounded by the call
// timeout. An open breaker fails fast with ErrOpen without calling fn.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if b.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.callTimeout)
			defer cancel()
		}
		return nil, fn(callCtx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperror.Wrap(apperror.KindUpstreamUnavailable, ErrOpen.Code, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.Wrap(apperror.KindUpstreamUnavailable, "call_timeout", err)
	}
	return err
}

func (b *Breaker) onStateChange(_ string, from, to gobreaker.State) {
	fields := []zap.Field{
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if to == gobreaker.StateOpen {
		b.log.Warn("circuit breaker opened", fields...)
	} else {
		b.log.Info("circuit breaker state changed", fields...)
	}
	b.obs.RecordBreakerStateChange(context.Background(), b.name, from.String(), to.String())
	b.prom.SetBreakerState(b.name, int(to))
}

type Params struct {
	fx.In

	Tuning  config.TuningSource
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics           `optional:"true"`
	Prom    *obsmetrics.SettlementMetrics `optional:"true"`
}

// NewPublishBreaker reads the breaker tuning once; later reloads do not resize a live breaker.
func NewPublishBreaker(p Params) *Breaker {
	return New(PublishBreakerName, p.Tuning.Current().Breaker, Options{
		Log:     p.Log,
		Metrics: p.Metrics,
		Prom:    p.Prom,
	})
}

var Module = fx.Module("breaker",
	fx.Provide(NewPublishBreaker),
)
