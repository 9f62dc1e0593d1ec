package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/creditmeter/internal/settlement/domain"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type mockProcessor struct{ mock.Mock }

func (m *mockProcessor) ProcessBatch(ctx context.Context, batch domain.Batch) (*domain.BatchResult, error) {
	args := m.Called(ctx, batch)
	res, _ := args.Get(0).(*domain.BatchResult)
	return res, args.Error(1)
}

func sampleBatch() domain.Batch {
	return domain.Batch{
		ID:            "b-1",
		CorrelationID: "corr-1",
		Timestamp:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Users: []domain.UserBatch{{
			UserID: "u-1",
			Entries: []domain.PricedSettlement{{
				UserID:            "u-1",
				FeatureEndpointID: 7,
				UsageKey:          "k-1",
				Items: []domain.PricedItem{{
					UsageItem: domain.UsageItem{Model: "gpt-4o", InputTokens: 10},
				}},
			}},
		}},
	}
}

func encoded(t *testing.T, b domain.Batch) kafka.Message {
	t.Helper()
	msg, err := Encode(b)
	require.NoError(t, err)
	return msg
}

func TestPublisherWritesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	pub := NewPublisher(w, zap.NewNop())

	require.NoError(t, pub.Publish(context.Background(), sampleBatch()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "b-1", string(msg.Key))
	assert.Equal(t, "corr-1", header(msg, HeaderCorrelationID))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &raw))
	assert.Equal(t, "b-1", raw["batch_id"])
	assert.Contains(t, raw, "batches")
	assert.Contains(t, raw, "timestamp")
}

func TestPublisherWrapsBrokerFailure(t *testing.T) {
	pub := NewPublisher(&fakeWriter{err: errors.New("no leader")}, zap.NewNop())
	err := pub.Publish(context.Background(), sampleBatch())
	assert.True(t, apperror.IsRetryable(err))
}

func TestDecodeRejectsInvalidPayloads(t *testing.T) {
	_, err := Decode(kafka.Message{Value: []byte("{not json")})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	empty := sampleBatch()
	empty.Users = nil
	_, err = Decode(encoded(t, empty))
	assert.ErrorIs(t, err, domain.ErrEmptyBatch)

	got, err := Decode(encoded(t, sampleBatch()))
	require.NoError(t, err)
	assert.Equal(t, sampleBatch().Users[0].Entries[0].UsageKey, got.Users[0].Entries[0].UsageKey)
	assert.Equal(t, "7", got.Users[0].Entries[0].FeatureEndpointID.String())
}

func newConsumer(reader MessageReader, dlq MessageWriter, proc Processor) *Consumer {
	return NewConsumer(ConsumerOptions{
		Reader:      reader,
		DeadLetter:  dlq,
		Processor:   proc,
		MaxAttempts: 3,
		NewBackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
}

func TestHandleProcessesValidBatch(t *testing.T) {
	proc := &mockProcessor{}
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(&domain.BatchResult{}, nil).Once()

	c := newConsumer(&fakeReader{}, &fakeWriter{}, proc)
	outcome, err := c.Handle(context.Background(), encoded(t, sampleBatch()))
	require.NoError(t, err)
	assert.Equal(t, "processed", outcome)
	proc.AssertExpectations(t)
}

func TestHandleDropsMalformedAndConflicting(t *testing.T) {
	proc := &mockProcessor{}
	proc.On("ProcessBatch", mock.Anything, mock.Anything).
		Return(nil, apperror.New(apperror.KindConflict, "duplicate_usage_key")).Once()

	c := newConsumer(&fakeReader{}, &fakeWriter{}, proc)

	outcome, err := c.Handle(context.Background(), kafka.Message{Value: []byte("garbage")})
	require.NoError(t, err)
	assert.Equal(t, "dropped", outcome)

	outcome, err = c.Handle(context.Background(), encoded(t, sampleBatch()))
	require.NoError(t, err)
	assert.Equal(t, "dropped", outcome)
	proc.AssertNumberOfCalls(t, "ProcessBatch", 1)
}

func TestHandleRetriesThenDeadLetters(t *testing.T) {
	proc := &mockProcessor{}
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(nil, apperror.ErrUpstreamUnavailable)
	dlq := &fakeWriter{}

	c := newConsumer(&fakeReader{}, dlq, proc)
	outcome, err := c.Handle(context.Background(), encoded(t, sampleBatch()))
	require.NoError(t, err)
	assert.Equal(t, "dead_letter", outcome)

	proc.AssertNumberOfCalls(t, "ProcessBatch", 3)
	require.Len(t, dlq.msgs, 1)
	assert.Equal(t, "3", header(dlq.msgs[0], HeaderAttempts))
	assert.NotEmpty(t, header(dlq.msgs[0], HeaderError))
}

func TestHandleRecoversOnRetry(t *testing.T) {
	proc := &mockProcessor{}
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(nil, errors.New("deadlock detected")).Once()
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(&domain.BatchResult{}, nil).Once()
	dlq := &fakeWriter{}

	c := newConsumer(&fakeReader{}, dlq, proc)
	outcome, err := c.Handle(context.Background(), encoded(t, sampleBatch()))
	require.NoError(t, err)
	assert.Equal(t, "processed", outcome)
	assert.Empty(t, dlq.msgs)
}

func TestHandleWithoutDeadLetterLeavesMessage(t *testing.T) {
	proc := &mockProcessor{}
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(nil, apperror.ErrUpstreamUnavailable)

	c := NewConsumer(ConsumerOptions{
		Reader:      &fakeReader{},
		Processor:   proc,
		MaxAttempts: 2,
		NewBackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	_, err := c.Handle(context.Background(), encoded(t, sampleBatch()))
	assert.Error(t, err)
}

func TestRunCommitsHandledMessages(t *testing.T) {
	proc := &mockProcessor{}
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(&domain.BatchResult{}, nil)

	reader := &fakeReader{queue: []kafka.Message{
		encoded(t, sampleBatch()),
		{Value: []byte("garbage")},
	}}
	c := newConsumer(reader, &fakeWriter{}, proc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool { return reader.committedCount() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRetryBackOffGrowsUpToCap(t *testing.T) {
	b := NewRetryBackOff()
	first := b.NextBackOff()
	assert.InDelta(t, float64(baseBackoff), float64(first), float64(baseBackoff)*0.2)

	var last time.Duration
	for i := 0; i < 20; i++ {
		last = b.NextBackOff()
		assert.LessOrEqual(t, last, maxBackoff+maxBackoff/5)
	}
	assert.GreaterOrEqual(t, last, maxBackoff-maxBackoff/5)
}

func TestHandleStopsRetryingWhenContextEnds(t *testing.T) {
	proc := &mockProcessor{}
	ctx, cancel := context.WithCancel(context.Background())
	proc.On("ProcessBatch", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, apperror.ErrUpstreamUnavailable).Once()
	dlq := &fakeWriter{}

	c := NewConsumer(ConsumerOptions{
		Reader:      &fakeReader{},
		DeadLetter:  dlq,
		Processor:   proc,
		MaxAttempts: 5,
		NewBackOff:  func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) },
	})
	_, err := c.Handle(ctx, encoded(t, sampleBatch()))
	assert.ErrorIs(t, err, context.Canceled)
	proc.AssertNumberOfCalls(t, "ProcessBatch", 1)
	assert.Empty(t, dlq.msgs)
}
