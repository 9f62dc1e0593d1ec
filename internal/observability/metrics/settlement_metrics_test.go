package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSettlementMetricsRecordsFlushesAndDispatches(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSettlementMetrics(registry, Config{ServiceName: "creditmeter-test", Environment: "test"})

	m.ObserveFlush(FlushReasonSize, 100, 7)
	m.ObserveFlush(FlushReasonTimer, 3, 1)
	m.IncDispatch("direct", "success")
	m.AddCreditsDebited(42)
	m.AddCreditsDebited(-5)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.flushes.WithLabelValues(FlushReasonSize)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.flushes.WithLabelValues(FlushReasonTimer)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.dispatches.WithLabelValues("direct", "success")))
	assert.Equal(t, float64(42), testutil.ToFloat64(m.creditsDebited))
	assert.Equal(t, 1, testutil.CollectAndCount(m.batchEntries))
}

func TestSettlementMetricsNilSafe(t *testing.T) {
	var m *SettlementMetrics
	assert.NotPanics(t, func() {
		m.ObserveFlush(FlushReasonManual, 1, 1)
		m.SetBreakerState("x", 2)
		m.IncQueueMessage(QueueOutcomeDropped)
	})
}
