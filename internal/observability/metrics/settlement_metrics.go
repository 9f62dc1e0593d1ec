package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	FlushReasonSize     = "size"
	FlushReasonTimer    = "timer"
	FlushReasonManual   = "manual"
	FlushReasonShutdown = "shutdown"
)

const (
	QueueOutcomeProcessed  = "processed"
	QueueOutcomeDropped    = "dropped"
	QueueOutcomeRetried    = "retried"
	QueueOutcomeDeadLetter = "dead_letter"
)

// SettlementMetrics are the Prometheus series scraped from /metrics and pushed
// by cloudmetrics. They cover the batch pipeline; per-request counters live on Metrics.
type SettlementMetrics struct {
	flushes        *prometheus.CounterVec
	batchEntries   prometheus.Histogram
	batchUsers     prometheus.Histogram
	pendingEntries prometheus.Gauge
	dispatches     *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	queueMessages  *prometheus.CounterVec
	debitRejected  *prometheus.CounterVec
	creditsDebited prometheus.Counter
}

// NewRegistry returns the process registry with runtime collectors attached.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// NewSettlementMetrics registers the batch pipeline series on registerer.
func NewSettlementMetrics(registerer prometheus.Registerer, cfg Config) *SettlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "creditmeter"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &SettlementMetrics{
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditmeter_aggregator_flushes_total",
			Help:        "Aggregator flushes by trigger.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		batchEntries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "creditmeter_aggregator_batch_entries",
			Help:        "Settlement entries per flushed batch.",
			Buckets:     []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
			ConstLabels: constLabels,
		}),
		batchUsers: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "creditmeter_aggregator_batch_users",
			Help:        "Distinct users per flushed batch.",
			Buckets:     []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
			ConstLabels: constLabels,
		}),
		pendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "creditmeter_aggregator_pending_entries",
			Help:        "Entries waiting for the next flush.",
			ConstLabels: constLabels,
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditmeter_dispatches_total",
			Help:        "Flushed batches by route (queue or direct) and result.",
			ConstLabels: constLabels,
		}, []string{"route", "result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "creditmeter_breaker_state",
			Help:        "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
			ConstLabels: constLabels,
		}, []string{"breaker"}),
		queueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditmeter_queue_messages_total",
			Help:        "Settlement-batch messages handled by the consumer.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		debitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditmeter_debit_rejected_total",
			Help:        "Debits rejected inside a settled batch.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		creditsDebited: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "creditmeter_credits_debited_total",
			Help:        "Credits removed from wallets.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.flushes,
		m.batchEntries,
		m.batchUsers,
		m.pendingEntries,
		m.dispatches,
		m.breakerState,
		m.queueMessages,
		m.debitRejected,
		m.creditsDebited,
	)
	return m
}

// ObserveFlush records a flushed batch.
func (m *SettlementMetrics) ObserveFlush(reason string, entries, users int) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(reason).Inc()
	m.batchEntries.Observe(float64(entries))
	m.batchUsers.Observe(float64(users))
}

func (m *SettlementMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingEntries.Set(float64(n))
}

// IncDispatch counts a dispatched batch, route is "queue" or "direct".
func (m *SettlementMetrics) IncDispatch(route, result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(route, result).Inc()
}

func (m *SettlementMetrics) SetBreakerState(breaker string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(breaker).Set(float64(state))
}

func (m *SettlementMetrics) IncQueueMessage(outcome string) {
	if m == nil {
		return
	}
	m.queueMessages.WithLabelValues(outcome).Inc()
}

func (m *SettlementMetrics) IncDebitRejected(reason string) {
	if m == nil {
		return
	}
	m.debitRejected.WithLabelValues(reason).Inc()
}

func (m *SettlementMetrics) AddCreditsDebited(credits int64) {
	if m == nil || credits <= 0 {
		return
	}
	m.creditsDebited.Add(float64(credits))
}
