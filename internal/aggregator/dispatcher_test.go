package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/creditmeter/internal/breaker"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/smallbiznis/creditmeter/internal/settlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(ctx context.Context, batch domain.Batch) error {
	return m.Called(ctx, batch).Error(0)
}

type mockProcessor struct{ mock.Mock }

func (m *mockProcessor) ProcessBatch(ctx context.Context, batch domain.Batch) (*domain.BatchResult, error) {
	args := m.Called(ctx, batch)
	res, _ := args.Get(0).(*domain.BatchResult)
	return res, args.Error(1)
}

func testBatch() domain.Batch {
	return domain.Batch{
		ID:    "batch-1",
		Users: []domain.UserBatch{{UserID: "u-1", Entries: []domain.PricedSettlement{entry("u-1", "k-1")}}},
	}
}

func testBreaker() *breaker.Breaker {
	return breaker.New("test", config.BreakerTuning{
		ConsecutiveFailures: 2,
		Window:              time.Minute,
		Cooldown:            time.Minute,
		HalfOpenRequests:    1,
		CallTimeout:         time.Second,
	}, breaker.Options{})
}

func TestDispatchPublishesWhenHealthy(t *testing.T) {
	pub := &mockPublisher{}
	proc := &mockProcessor{}
	pub.On("Publish", mock.Anything, testBatch()).Return(nil).Once()

	d := NewDispatcher(DispatcherOptions{Publisher: pub, Breaker: testBreaker(), Processor: proc})
	require.NoError(t, d.Dispatch(context.Background(), testBatch()))

	pub.AssertExpectations(t)
	proc.AssertNotCalled(t, "ProcessBatch", mock.Anything, mock.Anything)
}

func TestDispatchWithoutPublisherSettlesDirectly(t *testing.T) {
	proc := &mockProcessor{}
	proc.On("ProcessBatch", mock.Anything, testBatch()).Return(&domain.BatchResult{BatchID: "batch-1"}, nil).Once()

	d := NewDispatcher(DispatcherOptions{Processor: proc, Breaker: testBreaker()})
	require.NoError(t, d.Dispatch(context.Background(), testBatch()))
	proc.AssertExpectations(t)
}

func TestDispatchFallsBackOnPublishError(t *testing.T) {
	pub := &mockPublisher{}
	proc := &mockProcessor{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("leader not available"))
	proc.On("ProcessBatch", mock.Anything, testBatch()).Return(&domain.BatchResult{}, nil)

	d := NewDispatcher(DispatcherOptions{Publisher: pub, Breaker: testBreaker(), Processor: proc})
	require.NoError(t, d.Dispatch(context.Background(), testBatch()))
	proc.AssertNumberOfCalls(t, "ProcessBatch", 1)
}

func TestDispatchSkipsPublishWhileBreakerOpen(t *testing.T) {
	pub := &mockPublisher{}
	proc := &mockProcessor{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("timeout"))
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(&domain.BatchResult{}, nil)

	d := NewDispatcher(DispatcherOptions{Publisher: pub, Breaker: testBreaker(), Processor: proc})
	for i := 0; i < 4; i++ {
		require.NoError(t, d.Dispatch(context.Background(), testBatch()))
	}

	// two failures trip the breaker; the remaining batches go straight to the ledger
	pub.AssertNumberOfCalls(t, "Publish", 2)
	proc.AssertNumberOfCalls(t, "ProcessBatch", 4)
}

func TestDispatchSurfacesDirectFailure(t *testing.T) {
	proc := &mockProcessor{}
	boom := errors.New("ledger down")
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(nil, boom)

	d := NewDispatcher(DispatcherOptions{Processor: proc})
	assert.ErrorIs(t, d.Dispatch(context.Background(), testBatch()), boom)
}
