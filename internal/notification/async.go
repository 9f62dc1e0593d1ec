package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"go.uber.org/zap"
)

const defaultNotifyTimeout = 2 * time.Second

// Async runs each notification on its own goroutine with a bounded timeout.
// Failures and panics are logged and counted, never returned.
type Async struct {
	next    Notifier
	timeout time.Duration
	log     *zap.Logger
	metrics *obsmetrics.Metrics
	wg      sync.WaitGroup
}

func NewAsync(next Notifier, timeout time.Duration, log *zap.Logger, metrics *obsmetrics.Metrics) *Async {
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Async{next: next, timeout: timeout, log: log.Named("notification"), metrics: metrics}
}

func (a *Async) Notify(ctx context.Context, userID string, event Event) error {
	// detach from the request so the push outlives it
	base := context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.fail(base, userID, "panic", fmt.Errorf("%v", r))
			}
		}()
		nctx, cancel := context.WithTimeout(base, a.timeout)
		defer cancel()
		if err := a.next.Notify(nctx, userID, event); err != nil {
			a.fail(base, userID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until in-flight notifications finish or ctx is done.
func (a *Async) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) fail(ctx context.Context, userID, reason string, err error) {
	a.metrics.RecordNotificationFailure(ctx, reason)
	a.log.Warn("balance notification failed",
		zap.String("user_id", userID),
		zap.String("reason", reason),
		zap.Error(err),
	)
}
