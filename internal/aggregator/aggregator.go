// Package aggregator groups priced settlements per user and hands them off in
// batches, flushing on size or after a bounded wait.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"github.com/smallbiznis/creditmeter/internal/settlement/domain"
	"go.uber.org/zap"
)

const (
	defaultDispatchTimeout = 30 * time.Second
	workQueueSize          = 64
)

// BatchDispatcher receives every flushed batch.
type BatchDispatcher interface {
	Dispatch(ctx context.Context, batch domain.Batch) error
}

type Options struct {
	Tuning          config.TuningSource
	Dispatcher      BatchDispatcher
	Log             *zap.Logger
	Clock           clock.Clock
	Metrics         *obsmetrics.SettlementMetrics
	DispatchTimeout time.Duration
}

// Aggregator buffers entries per user. The pending map and its timer are the
// only shared state and are guarded by mu; a flush swaps the map out whole.
// Flushed batches are dispatched one at a time, in flush order, by a single
// worker goroutine. Nothing holding mu ever blocks on the work queue: when it
// is full the entries stay buffered and new ones are refused with
// ErrAggregatorBusy.
type Aggregator struct {
	tuning     config.TuningSource
	dispatcher BatchDispatcher
	log        *zap.Logger
	clock      clock.Clock
	metrics    *obsmetrics.SettlementMetrics
	timeout    time.Duration

	mu      sync.Mutex
	pending map[string][]domain.PricedSettlement
	order   []string
	count   int
	timer   clock.Timer
	gen     uint64
	closed  bool

	work       chan job
	workerDone chan struct{}
}

type job struct {
	batch  domain.Batch
	reason string
	done   chan error
}

func New(opts Options) *Aggregator {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	timeout := opts.DispatchTimeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	a := &Aggregator{
		tuning:     opts.Tuning,
		dispatcher: opts.Dispatcher,
		log:        log.Named("aggregator"),
		clock:      clk,
		metrics:    opts.Metrics,
		timeout:    timeout,
		pending:    make(map[string][]domain.PricedSettlement),
		work:       make(chan job, workQueueSize),
		workerDone: make(chan struct{}),
	}
	go a.worker()
	return a
}

// Add enqueues one priced settlement. Reaching the size threshold hands the
// batch to the dispatch worker; the caller never waits for dispatch. While the
// dispatch queue is full and the buffer already holds a full batch, Add
// returns ErrAggregatorBusy and the entry is not taken.
func (a *Aggregator) Add(entry domain.PricedSettlement) error {
	if entry.UserID == "" {
		return domain.ErrInvalidUserID
	}
	if entry.PricedAt.IsZero() {
		entry.PricedAt = a.clock.Now()
	}

	tuning := a.tuning.Current().Aggregator

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return domain.ErrAggregatorClosed
	}
	if a.count >= tuning.MaxBatchSize {
		// a previous size flush found the queue full
		if _, err := a.enqueueLocked(obsmetrics.FlushReasonSize, nil); err != nil {
			return err
		}
	}
	if _, ok := a.pending[entry.UserID]; !ok {
		a.order = append(a.order, entry.UserID)
	}
	a.pending[entry.UserID] = append(a.pending[entry.UserID], entry)
	a.count++

	if a.count == 1 {
		a.armLocked(tuning.MaxWait)
	}
	if a.count >= tuning.MaxBatchSize {
		if _, err := a.enqueueLocked(obsmetrics.FlushReasonSize, nil); err != nil {
			a.log.Warn("dispatch queue full, holding batch", zap.Int("pending", a.count))
		}
	}
	a.metrics.SetPending(a.count)
	return nil
}

// Pending returns the number of buffered entries.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Flush dispatches whatever is buffered and waits for it. It returns
// ErrAggregatorBusy without waiting when the dispatch queue is full.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	done := make(chan error, 1)
	queued, err := a.enqueueLocked(obsmetrics.FlushReasonManual, done)
	a.mu.Unlock()
	if err != nil || !queued {
		return err
	}
	return wait(ctx, done)
}

// Close stops accepting entries, flushes what is buffered and waits for the
// dispatch worker to drain, or for ctx.
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	batch := a.swapLocked()
	a.metrics.SetPending(0)
	a.mu.Unlock()

	// Once closed, Close is the only sender, so it may wait for queue room.
	var err error
	if batch != nil {
		done := make(chan error, 1)
		select {
		case a.work <- job{batch: *batch, reason: obsmetrics.FlushReasonShutdown, done: done}:
			err = wait(ctx, done)
		case <-ctx.Done():
			a.log.Error("shutdown dropped buffered entries",
				zap.Int("entries", batch.EntryCount()),
				zap.Error(ctx.Err()),
			)
			err = ctx.Err()
		}
	}
	close(a.work)

	select {
	case <-a.workerDone:
	case <-ctx.Done():
		a.log.Warn("shutdown before queued batches were dispatched", zap.Error(ctx.Err()))
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (a *Aggregator) onTimer(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	// a stale timer belongs to a window that was already flushed
	if a.closed || gen != a.gen {
		return
	}
	a.timer = nil
	if _, err := a.enqueueLocked(obsmetrics.FlushReasonTimer, nil); err != nil {
		a.log.Warn("dispatch queue full, retrying timer flush", zap.Int("pending", a.count))
		a.armLocked(a.tuning.Current().Aggregator.MaxWait)
	}
}

func (a *Aggregator) armLocked(d time.Duration) {
	gen := a.gen
	a.timer = a.clock.AfterFunc(d, func() { a.onTimer(gen) })
}

// enqueueLocked swaps out the buffered entries and queues them for dispatch.
// It reports false when there was nothing to flush, and ErrAggregatorBusy,
// leaving the buffer untouched, when the queue has no room.
func (a *Aggregator) enqueueLocked(reason string, done chan error) (bool, error) {
	if a.count == 0 {
		a.disarmLocked()
		return false, nil
	}
	// Sends only happen under mu, so a free slot seen here stays free.
	if len(a.work) == cap(a.work) {
		return false, domain.ErrAggregatorBusy
	}
	batch := a.swapLocked()
	a.metrics.SetPending(0)
	a.work <- job{batch: *batch, reason: reason, done: done}
	return true, nil
}

func (a *Aggregator) disarmLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
}

// swapLocked detaches the buffered entries as a batch and resets the window.
func (a *Aggregator) swapLocked() *domain.Batch {
	a.disarmLocked()
	if a.count == 0 {
		return nil
	}

	users := make([]domain.UserBatch, 0, len(a.order))
	for _, userID := range a.order {
		users = append(users, domain.UserBatch{UserID: userID, Entries: a.pending[userID]})
	}
	batch := &domain.Batch{
		ID:        uuid.NewString(),
		Users:     users,
		Timestamp: a.clock.Now(),
	}
	if first := users[0].Entries[0]; first.CorrelationID != "" {
		batch.CorrelationID = first.CorrelationID
	}

	a.pending = make(map[string][]domain.PricedSettlement)
	a.order = nil
	a.count = 0
	return batch
}

func (a *Aggregator) worker() {
	defer close(a.workerDone)
	for j := range a.work {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.dispatch(ctx, j.batch, j.reason)
		cancel()
		if j.done != nil {
			j.done <- err
		}
	}
}

func (a *Aggregator) dispatch(ctx context.Context, batch domain.Batch, reason string) error {
	entries := batch.EntryCount()
	a.metrics.ObserveFlush(reason, entries, len(batch.Users))

	log := a.log.With(
		zap.String("batch_id", batch.ID),
		zap.String("reason", reason),
		zap.Int("users", len(batch.Users)),
		zap.Int("entries", entries),
	)
	log.Debug("flushing settlement batch")

	if err := a.dispatcher.Dispatch(ctx, batch); err != nil {
		log.Error("settlement batch dispatch failed", zap.Error(err))
		return err
	}
	return nil
}

func wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
