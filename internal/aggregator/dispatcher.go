package aggregator

import (
	"context"
	"errors"

	"github.com/smallbiznis/creditmeter/internal/breaker"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"github.com/smallbiznis/creditmeter/internal/settlement/domain"
	"go.uber.org/zap"
)

const (
	RouteQueue  = "queue"
	RouteDirect = "direct"
)

// Publisher hands a batch to the settlement channel.
type Publisher interface {
	Publish(ctx context.Context, batch domain.Batch) error
}

// BatchProcessor settles a batch against the ledger in-process.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batch domain.Batch) (*domain.BatchResult, error)
}

// Dispatcher publishes through the breaker and falls back to direct
// processing when the breaker is open or the publish fails. A batch is never
// dropped on the publish side.
type Dispatcher struct {
	publisher Publisher
	breaker   *breaker.Breaker
	processor BatchProcessor
	log       *zap.Logger
	obs       *obsmetrics.Metrics
	prom      *obsmetrics.SettlementMetrics
}

type DispatcherOptions struct {
	Publisher Publisher
	Breaker   *breaker.Breaker
	Processor BatchProcessor
	Log       *zap.Logger
	Metrics   *obsmetrics.Metrics
	Prom      *obsmetrics.SettlementMetrics
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		publisher: opts.Publisher,
		breaker:   opts.Breaker,
		processor: opts.Processor,
		log:       log.Named("aggregator.dispatcher"),
		obs:       opts.Metrics,
		prom:      opts.Prom,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, batch domain.Batch) error {
	if d.publisher == nil {
		return d.direct(ctx, batch, "no_publisher")
	}

	publish := func(ctx context.Context) error { return d.publisher.Publish(ctx, batch) }
	var err error
	if d.breaker != nil {
		err = d.breaker.Do(ctx, publish)
	} else {
		err = publish(ctx)
	}
	if err == nil {
		d.prom.IncDispatch(RouteQueue, "ok")
		return nil
	}

	reason := "publish_error"
	if errors.Is(err, breaker.ErrOpen) {
		reason = "breaker_open"
	}
	d.prom.IncDispatch(RouteQueue, reason)
	d.obs.RecordFallback(ctx, reason)
	d.log.Warn("settlement batch publish failed, settling directly",
		zap.String("batch_id", batch.ID),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return d.direct(ctx, batch, reason)
}

func (d *Dispatcher) direct(ctx context.Context, batch domain.Batch, reason string) error {
	res, err := d.processor.ProcessBatch(ctx, batch)
	if err != nil {
		d.prom.IncDispatch(RouteDirect, "error")
		return err
	}
	d.prom.IncDispatch(RouteDirect, "ok")
	if res != nil && res.Failed() > 0 {
		d.log.Warn("direct settlement left users unsettled",
			zap.String("batch_id", batch.ID),
			zap.String("reason", reason),
			zap.Int("failed_users", res.Failed()),
		)
	}
	return nil
}
