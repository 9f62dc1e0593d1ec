package queue

import (
	"context"

	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/creditmeter/internal/observability/tracing"
	"github.com/smallbiznis/creditmeter/internal/settlement/domain"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
	"go.uber.org/zap"
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer MessageWriter
	log    *zap.Logger
}

func NewPublisher(writer MessageWriter, log *zap.Logger) *Publisher {
	return &Publisher{writer: writer, log: log.Named("queue.publisher")}
}

// Publish writes the batch synchronously so the caller learns about broker
// failures and can fall back.
func (p *Publisher) Publish(ctx context.Context, batch domain.Batch) error {
	msg, err := Encode(batch)
	if err != nil {
		return err
	}
	tracing.InjectContext(ctx, headerCarrier{msg: &msg})

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return apperror.Wrap(apperror.KindUpstreamUnavailable, "publish_failed", err)
	}
	p.log.Debug("settlement batch published",
		zap.String("batch_id", batch.ID),
		zap.Int("entries", batch.EntryCount()),
	)
	return nil
}

func (p *Publisher) Close() error { return p.writer.Close() }
