package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes settlement-level OTel instruments.
type Metrics struct {
	settlements      metric.Int64Counter
	creditsSettled   metric.Int64Counter
	startChecks      metric.Int64Counter
	cacheLookups     metric.Int64Counter
	breakerChanges   metric.Int64Counter
	fallbacks        metric.Int64Counter
	notifyFailures   metric.Int64Counter
	rateLimits       metric.Int64Counter
	settleDurationMs metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditmeter"
	}
	meter := provider.Meter(name)

	settlements, err := meter.Int64Counter("creditmeter_settlements_total")
	if err != nil {
		return nil, err
	}
	creditsSettled, err := meter.Int64Counter("creditmeter_credits_settled_total")
	if err != nil {
		return nil, err
	}
	startChecks, err := meter.Int64Counter("creditmeter_start_checks_total")
	if err != nil {
		return nil, err
	}
	cacheLookups, err := meter.Int64Counter("creditmeter_cache_lookups_total")
	if err != nil {
		return nil, err
	}
	breakerChanges, err := meter.Int64Counter("creditmeter_breaker_state_changes_total")
	if err != nil {
		return nil, err
	}
	fallbacks, err := meter.Int64Counter("creditmeter_dispatch_fallbacks_total")
	if err != nil {
		return nil, err
	}
	notifyFailures, err := meter.Int64Counter("creditmeter_notification_failures_total")
	if err != nil {
		return nil, err
	}
	rateLimits, err := meter.Int64Counter("creditmeter_rate_limit_decisions_total")
	if err != nil {
		return nil, err
	}
	settleDuration, err := meter.Float64Histogram("creditmeter_settlement_duration_ms")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		settlements:      settlements,
		creditsSettled:   creditsSettled,
		startChecks:      startChecks,
		cacheLookups:     cacheLookups,
		breakerChanges:   breakerChanges,
		fallbacks:        fallbacks,
		notifyFailures:   notifyFailures,
		rateLimits:       rateLimits,
		settleDurationMs: settleDuration,
	}, nil
}

// RecordSettlement counts one settlement attempt by path (sync, batch, queue) and outcome.
func (m *Metrics) RecordSettlement(ctx context.Context, path, outcome string, credits int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("path", strings.TrimSpace(path)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.settlements.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.settleDurationMs.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(attrs...))
	if credits > 0 && outcome == "success" {
		m.creditsSettled.Add(ctx, credits, metric.WithAttributes(FilterAttributes(attribute.String("path", path))...))
	}
}

// RecordStart counts access checks by result reason.
func (m *Metrics) RecordStart(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.startChecks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheLookup counts cache reads by tier and result (hit, miss, error).
func (m *Metrics) RecordCacheLookup(ctx context.Context, tier, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tier", tier),
		attribute.String("result", result),
	)
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBreakerStateChange counts circuit breaker transitions.
func (m *Metrics) RecordBreakerStateChange(ctx context.Context, breaker, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("breaker", breaker),
		attribute.String("from", from),
		attribute.String("to", to),
	)
	m.breakerChanges.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFallback counts batches settled directly instead of through the queue.
func (m *Metrics) RecordFallback(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordNotificationFailure counts dropped balance notifications.
func (m *Metrics) RecordNotificationFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.notifyFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimit counts an allow or deny decision on a settlement route.
func (m *Metrics) RecordRateLimit(ctx context.Context, route, result, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("route", strings.TrimSpace(route)),
		attribute.String("result", strings.TrimSpace(result)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"path":    {},
	"route":   {},
	"outcome": {},
	"reason":  {},
	"tier":    {},
	"result":  {},
	"breaker": {},
	"from":    {},
	"to":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
// User ids and usage keys never become labels.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
