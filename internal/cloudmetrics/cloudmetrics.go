// Package cloudmetrics periodically pushes the settlement registry, plus a few
// ledger-level gauges, to a Pushgateway or remote-write endpoint.
package cloudmetrics

import (
	"context"
	"errors"
	"runtime"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errNoPusher = errors.New("cloud metrics pusher is not configured")

// CloudMetrics owns the ledger gauges and pushes the shared registry.
type CloudMetrics struct {
	registry *prometheus.Registry
	pusher   Pusher
	log      *zap.Logger

	walletsTotal       prometheus.Gauge
	outstandingCredits prometheus.Gauge
	memoryBytes        prometheus.Gauge
}

// New registers the ledger gauges on registry. A nil registry gets a private one.
func New(registry *prometheus.Registry, pusher Pusher, instanceID int64, version string, log *zap.Logger) *CloudMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	labels := prometheus.Labels{
		"instance_id": strconv.FormatInt(instanceID, 10),
		"version":     version,
	}

	c := &CloudMetrics{
		registry: registry,
		pusher:   pusher,
		log:      log.Named("cloudmetrics"),
		walletsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "creditmeter_wallets_total",
			Help:        "Number of live wallets.",
			ConstLabels: labels,
		}),
		outstandingCredits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "creditmeter_outstanding_credits",
			Help:        "Sum of all live wallet balances.",
			ConstLabels: labels,
		}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "creditmeter_process_memory_bytes",
			Help:        "Memory obtained from the OS by the settlement process.",
			ConstLabels: labels,
		}),
	}
	for _, collector := range []prometheus.Collector{c.walletsTotal, c.outstandingCredits, c.memoryBytes} {
		if err := registry.Register(collector); err != nil {
			c.log.Warn("cloud metric already registered", zap.Error(err))
		}
	}
	return c
}

func (c *CloudMetrics) SetMemoryUsage(bytes uint64) {
	if c == nil {
		return
	}
	c.memoryBytes.Set(float64(bytes))
}

func (c *CloudMetrics) SetWallets(total, outstanding int64) {
	if c == nil {
		return
	}
	c.walletsTotal.Set(float64(total))
	c.outstandingCredits.Set(float64(outstanding))
}

// Refresh recomputes the gauges from the ledger and the runtime.
func (c *CloudMetrics) Refresh(ctx context.Context, db *gorm.DB) {
	if c == nil {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	c.SetMemoryUsage(m.Sys)

	if db == nil {
		return
	}
	var row struct {
		Total       int64
		Outstanding int64
	}
	err := db.WithContext(ctx).
		Table("wallets").
		Select("COUNT(*) AS total, COALESCE(SUM(balance), 0) AS outstanding").
		Where("deleted = ?", false).
		Scan(&row).Error
	if err != nil {
		c.log.Warn("wallet gauges not refreshed", zap.Error(err))
		return
	}
	c.SetWallets(row.Total, row.Outstanding)
}

// Push ships the current registry snapshot.
func (c *CloudMetrics) Push(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.pusher == nil {
		return errNoPusher
	}
	return c.pusher.Push(ctx, c.registry)
}
