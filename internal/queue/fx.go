package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/creditmeter/internal/aggregator"
	"github.com/smallbiznis/creditmeter/internal/config"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"github.com/smallbiznis/creditmeter/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newWriter(cfg config.KafkaConfig, topic string, log *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Compression:  kafka.Snappy,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Warn(fmt.Sprintf(msg, args...))
		}),
	}
}

// ProvidePublisher returns nil when no brokers are configured, which makes the
// aggregator settle every batch in-process.
func ProvidePublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) aggregator.Publisher {
	if !cfg.Kafka.Enabled() {
		log.Info("kafka disabled, settlement batches are processed in-process")
		return nil
	}
	writer := newWriter(cfg.Kafka, cfg.Kafka.SettlementTopic, log.Named("kafka.writer"))
	pub := NewPublisher(writer, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return pub.Close() },
	})
	log.Info("kafka settlement publisher initialized",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.SettlementTopic),
	)
	return pub
}

type ConsumerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Settler   domain.Settler
	Metrics   *obsmetrics.SettlementMetrics `optional:"true"`
}

// RegisterConsumer runs the settlement consumer for the lifetime of the app.
func RegisterConsumer(p ConsumerParams) error {
	cfg := p.Config.Kafka
	if !cfg.Enabled() {
		return fmt.Errorf("worker requires KAFKA_BROKERS")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.SettlementTopic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			p.Log.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			p.Log.Warn(fmt.Sprintf(msg, args...))
		}),
	})
	var dlq *kafka.Writer
	if cfg.DeadLetterTopic != "" {
		dlq = newWriter(cfg, cfg.DeadLetterTopic, p.Log.Named("kafka.dlq"))
	}

	opts := ConsumerOptions{
		Reader:      reader,
		Processor:   p.Settler,
		Log:         p.Log,
		Metrics:     p.Metrics,
		MaxAttempts: cfg.MaxAttempts,
	}
	if dlq != nil {
		opts.DeadLetter = dlq
	}
	consumer := NewConsumer(opts)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := consumer.Run(ctx); err != nil {
					p.Log.Error("settlement consumer stopped", zap.Error(err))
				}
			}()
			p.Log.Info("settlement consumer started",
				zap.String("topic", cfg.SettlementTopic),
				zap.String("group", cfg.ConsumerGroup),
			)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			err := reader.Close()
			if dlq != nil {
				if cerr := dlq.Close(); err == nil {
					err = cerr
				}
			}
			return err
		},
	})
	return nil
}

var PublisherModule = fx.Module("queue.publisher",
	fx.Provide(ProvidePublisher),
)

var ConsumerModule = fx.Module("queue.consumer",
	fx.Invoke(RegisterConsumer),
)
