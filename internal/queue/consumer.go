package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/creditmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"github.com/smallbiznis/creditmeter/internal/observability/tracing"
	"github.com/smallbiznis/creditmeter/internal/settlement/domain"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
	"github.com/smallbiznis/creditmeter/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 5
	baseBackoff        = 200 * time.Millisecond
	maxBackoff         = 5 * time.Second
)

// MessageReader is the part of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Processor settles a decoded batch.
type Processor interface {
	ProcessBatch(ctx context.Context, batch domain.Batch) (*domain.BatchResult, error)
}

type ConsumerOptions struct {
	Reader      MessageReader
	DeadLetter  MessageWriter
	Processor   Processor
	Log         *zap.Logger
	Metrics     *obsmetrics.SettlementMetrics
	MaxAttempts int
	// NewBackOff builds the retry schedule for one message. Defaults to
	// NewRetryBackOff.
	NewBackOff func() backoff.BackOff
}

// Consumer settles batches from the settlement channel. A message is committed
// once it is processed, found permanently unprocessable, or parked on the
// dead-letter topic; anything else leaves it for redelivery.
type Consumer struct {
	reader      MessageReader
	deadLetter  MessageWriter
	processor   Processor
	log         *zap.Logger
	metrics     *obsmetrics.SettlementMetrics
	maxAttempts int
	newBackOff  func() backoff.BackOff
}

func NewConsumer(opts ConsumerOptions) *Consumer {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	newBackOff := opts.NewBackOff
	if newBackOff == nil {
		newBackOff = NewRetryBackOff
	}
	return &Consumer{
		reader:      opts.Reader,
		deadLetter:  opts.DeadLetter,
		processor:   opts.Processor,
		log:         log.Named("queue.consumer"),
		metrics:     opts.Metrics,
		maxAttempts: attempts,
		newBackOff:  newBackOff,
	}
}

// NewRetryBackOff doubles from 200ms up to 5s with jitter.
func NewRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseBackoff
	b.MaxInterval = maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	return b
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("fetch settlement message failed", zap.Error(err))
			if !sleep(ctx, baseBackoff) {
				return nil
			}
			continue
		}

		outcome, err := c.Handle(ctx, msg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("settlement message left for redelivery",
				zap.Int64("offset", msg.Offset),
				zap.Int("partition", msg.Partition),
				zap.Error(err),
			)
			continue
		}
		c.metrics.IncQueueMessage(outcome)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("commit settlement message failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// Handle processes one message and reports the outcome. A nil error means the
// message may be committed.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) (string, error) {
	ctx = tracing.ExtractContext(ctx, headerCarrier{msg: &msg})
	batch, err := Decode(msg)
	if err != nil {
		c.log.Warn("dropping malformed settlement message",
			zap.Int64("offset", msg.Offset),
			zap.String("code", apperror.CodeOf(err)),
			zap.Error(err),
		)
		return obsmetrics.QueueOutcomeDropped, nil
	}

	ctx, _ = correlation.EnsureCorrelationID(correlation.ContextWithCorrelationID(ctx, batch.CorrelationID))
	log := logger.WithContext(ctx, c.log).With(zap.String("batch_id", batch.ID))

	ctx, span := tracing.Start(ctx, "creditmeter/queue", "settlement.consume")
	defer span.End()

	attempts := 0
	_, err = backoff.Retry(ctx, func() (*domain.BatchResult, error) {
		attempts++
		res, err := c.processor.ProcessBatch(ctx, batch)
		if err != nil && apperror.IsPermanent(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("settlement batch failed",
				zap.Int("attempt", attempts),
				zap.Int("max_attempts", c.maxAttempts),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		}),
	)
	switch {
	case err == nil:
		if attempts > 1 {
			c.metrics.IncQueueMessage(obsmetrics.QueueOutcomeRetried)
		}
		return obsmetrics.QueueOutcomeProcessed, nil
	case apperror.IsPermanent(err):
		log.Warn("dropping unprocessable settlement batch", zap.Error(err))
		return obsmetrics.QueueOutcomeDropped, nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	}

	lastErr := err
	if err := c.park(ctx, msg, lastErr); err != nil {
		return "", err
	}
	log.Error("settlement batch moved to dead letter topic", zap.Error(lastErr))
	return obsmetrics.QueueOutcomeDeadLetter, nil
}

func (c *Consumer) park(ctx context.Context, msg kafka.Message, cause error) error {
	if c.deadLetter == nil {
		return errors.Join(errors.New("no dead letter topic configured"), cause)
	}
	parked := kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: append([]kafka.Header(nil), msg.Headers...),
	}
	parked.Headers = append(parked.Headers,
		kafka.Header{Key: HeaderAttempts, Value: []byte(strconv.Itoa(c.maxAttempts))},
		kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
	)
	return c.deadLetter.WriteMessages(ctx, parked)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
