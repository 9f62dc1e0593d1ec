package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/smallbiznis/creditmeter/internal/settlement/domain"
	"github.com/smallbiznis/creditmeter/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	batches []domain.Batch
}

func (r *recordingDispatcher) Dispatch(_ context.Context, batch domain.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recordingDispatcher) snapshot() []domain.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Batch(nil), r.batches...)
}

// blockingDispatcher holds every Dispatch until release is closed.
type blockingDispatcher struct {
	recordingDispatcher
	entered chan struct{}
	release chan struct{}
}

func newBlockingDispatcher() *blockingDispatcher {
	return &blockingDispatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (b *blockingDispatcher) Dispatch(ctx context.Context, batch domain.Batch) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.recordingDispatcher.Dispatch(ctx, batch)
}

func newAggregatorWith(size int, wait time.Duration, d BatchDispatcher) (*Aggregator, *clock.FakeClock) {
	tuning := config.DefaultSettlementTuning()
	tuning.Aggregator.MaxBatchSize = size
	tuning.Aggregator.MaxWait = wait
	clk := testutil.NewClock()
	return New(Options{
		Tuning:     config.StaticTuning(tuning),
		Dispatcher: d,
		Clock:      clk,
	}), clk
}

func newAggregator(size int, wait time.Duration) (*Aggregator, *recordingDispatcher) {
	rec := &recordingDispatcher{}
	agg, _ := newAggregatorWith(size, wait, rec)
	return agg, rec
}

func entry(user, key string) domain.PricedSettlement {
	return domain.PricedSettlement{UserID: user, FeatureEndpointID: 1, UsageKey: key}
}

func TestAddFlushesAtSizeThreshold(t *testing.T) {
	agg, rec := newAggregator(3, time.Hour)

	require.NoError(t, agg.Add(entry("u-1", "k-1")))
	require.NoError(t, agg.Add(entry("u-2", "k-2")))
	assert.Empty(t, rec.snapshot())

	require.NoError(t, agg.Add(entry("u-1", "k-3")))
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, agg.Pending())

	batch := rec.snapshot()[0]
	assert.NotEmpty(t, batch.ID)
	require.Len(t, batch.Users, 2)
	assert.Equal(t, "u-1", batch.Users[0].UserID)
	require.Len(t, batch.Users[0].Entries, 2)
	assert.Equal(t, "k-1", batch.Users[0].Entries[0].UsageKey)
	assert.Equal(t, "k-3", batch.Users[0].Entries[1].UsageKey)
	assert.Equal(t, "u-2", batch.Users[1].UserID)
}

func TestAddFlushesAfterMaxWait(t *testing.T) {
	rec := &recordingDispatcher{}
	agg, clk := newAggregatorWith(100, 5*time.Second, rec)

	require.NoError(t, agg.Add(entry("u-1", "k-1")))
	clk.Advance(4 * time.Second)
	assert.Equal(t, 1, agg.Pending())

	clk.Advance(time.Second)
	assert.Zero(t, agg.Pending())
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.snapshot()[0].EntryCount())

	// the next entry arms a fresh timer
	require.NoError(t, agg.Add(entry("u-1", "k-2")))
	assert.Equal(t, 1, clk.Timers())
	clk.Advance(5 * time.Second)
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestSizeFlushDisarmsTimer(t *testing.T) {
	rec := &recordingDispatcher{}
	agg, clk := newAggregatorWith(2, 5*time.Second, rec)

	require.NoError(t, agg.Add(entry("u-1", "k-1")))
	assert.Equal(t, 1, clk.Timers())
	require.NoError(t, agg.Add(entry("u-1", "k-2")))
	assert.Zero(t, clk.Timers())
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	clk.Advance(time.Minute)
	require.NoError(t, agg.Close(context.Background()))
	assert.Len(t, rec.snapshot(), 1)
}

func TestStalledDispatcherNeverBlocksCallers(t *testing.T) {
	d := newBlockingDispatcher()
	agg, _ := newAggregatorWith(1, time.Hour, d)

	require.NoError(t, agg.Add(entry("u-1", "k-0")))
	<-d.entered

	const adds = workQueueSize + 6
	accepted, busy := 1, 0
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 1; i < adds; i++ {
			err := agg.Add(entry("u-1", fmt.Sprintf("k-%d", i)))
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, domain.ErrAggregatorBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Add blocked on a stalled dispatcher")
	}

	pending := make(chan int, 1)
	go func() { pending <- agg.Pending() }()
	select {
	case n := <-pending:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("Pending blocked on a stalled dispatcher")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, agg.Flush(ctx), domain.ErrAggregatorBusy)

	// one in the worker, a full queue and one buffered entry
	assert.Equal(t, workQueueSize+2, accepted)
	assert.Equal(t, adds-accepted, busy)

	close(d.release)
	require.NoError(t, agg.Close(context.Background()))

	total := 0
	for _, b := range d.snapshot() {
		total += b.EntryCount()
	}
	assert.Equal(t, accepted, total)
}

func TestTimerFlushRetriesWhenQueueIsFull(t *testing.T) {
	d := newBlockingDispatcher()
	agg, clk := newAggregatorWith(1, 5*time.Second, d)

	require.NoError(t, agg.Add(entry("u-1", "k-0")))
	<-d.entered
	// fill the queue, leaving one entry buffered
	for i := 1; i <= workQueueSize+1; i++ {
		require.NoError(t, agg.Add(entry("u-1", fmt.Sprintf("k-%d", i))))
	}
	require.Equal(t, 1, agg.Pending())

	clk.Advance(5 * time.Second)
	assert.Equal(t, 1, agg.Pending())
	assert.Equal(t, 1, clk.Timers())

	close(d.release)
	assert.Eventually(t, func() bool {
		clk.Advance(5 * time.Second)
		return agg.Pending() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, agg.Close(context.Background()))
}

func TestConcurrentAddsKeepEveryEntry(t *testing.T) {
	agg, rec := newAggregator(7, time.Hour)

	var wg sync.WaitGroup
	for u := 0; u < 5; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				assert.NoError(t, agg.Add(entry(fmt.Sprintf("u-%d", u), fmt.Sprintf("k-%d-%d", u, i))))
			}
		}(u)
	}
	wg.Wait()
	require.NoError(t, agg.Close(context.Background()))

	seen := map[string]int{}
	total := 0
	for _, b := range rec.snapshot() {
		for _, ub := range b.Users {
			for _, e := range ub.Entries {
				// per-user order is preserved across batches
				var u, i int
				_, err := fmt.Sscanf(e.UsageKey, "k-%d-%d", &u, &i)
				require.NoError(t, err)
				assert.Equal(t, seen[ub.UserID], i)
				seen[ub.UserID] = i + 1
				total++
			}
		}
	}
	assert.Equal(t, 100, total)
}

func TestFlushWithNothingPendingIsNoop(t *testing.T) {
	agg, rec := newAggregator(10, time.Hour)
	require.NoError(t, agg.Flush(context.Background()))
	assert.Empty(t, rec.snapshot())
}

func TestCloseFlushesAndRejectsNewEntries(t *testing.T) {
	agg, rec := newAggregator(10, time.Hour)
	require.NoError(t, agg.Add(entry("u-1", "k-1")))

	require.NoError(t, agg.Close(context.Background()))
	require.Len(t, rec.snapshot(), 1)

	err := agg.Add(entry("u-1", "k-2"))
	assert.ErrorIs(t, err, domain.ErrAggregatorClosed)
}

func TestAddRejectsMissingUser(t *testing.T) {
	agg, _ := newAggregator(10, time.Hour)
	assert.ErrorIs(t, agg.Add(entry("", "k-1")), domain.ErrInvalidUserID)
}
