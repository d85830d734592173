// Package metrics exposes manager diagnostics to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wehubfusion/preproc/pkg/protocol"
)

var (
	descQueueRequests = prometheus.NewDesc(
		"preproc_queue_requests",
		"Unflushed preprocessing requests by lifecycle state.",
		[]string{"state"}, nil,
	)
	descQueueDepth = prometheus.NewDesc(
		"preproc_queue_depth",
		"Requests in the preprocessing queue that have not been flushed.",
		nil, nil,
	)
	descHistoryItems = prometheus.NewDesc(
		"preproc_history_items",
		"Items with stored step history.",
		nil, nil,
	)
	descWorkers = prometheus.NewDesc(
		"preproc_workers",
		"Registered preprocessing workers by state.",
		[]string{"state"}, nil,
	)
	descValues = prometheus.NewDesc(
		"preproc_values_total",
		"Values accepted and flushed by the manager.",
		[]string{"stage"}, nil,
	)
	descPendingTests = prometheus.NewDesc(
		"preproc_pending_tests",
		"Test requests queued or running.",
		nil, nil,
	)
)

// StatsSource is implemented by the manager.
type StatsSource interface {
	DiagnosticStats(ctx context.Context) (protocol.DiagStats, error)
}

type collector struct {
	src     StatsSource
	timeout time.Duration
	logger  *zap.Logger
}

var _ prometheus.Collector = &collector{}

// NewCollector reads diagnostics from src on every scrape.
func NewCollector(src StatsSource, logger *zap.Logger) prometheus.Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &collector{src: src, timeout: 2 * time.Second, logger: logger}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descQueueRequests
	ch <- descQueueDepth
	ch <- descHistoryItems
	ch <- descWorkers
	ch <- descValues
	ch <- descPendingTests
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	s, err := c.src.DiagnosticStats(ctx)
	if err != nil {
		c.logger.Debug("Skipping scrape, diagnostics unavailable", zap.Error(err))
		return
	}

	gauge := func(desc *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v), labels...)
	}
	gauge(descQueueRequests, s.Queued, "queued")
	gauge(descQueueRequests, s.Processing, "processing")
	gauge(descQueueRequests, s.Done, "done")
	gauge(descQueueRequests, s.Pending, "pending")
	gauge(descQueueDepth, s.Total)
	gauge(descHistoryItems, s.History)
	gauge(descWorkers, s.WorkersIdle, "idle")
	gauge(descWorkers, s.WorkersBusy, "busy")
	gauge(descPendingTests, s.Tests)

	ch <- prometheus.MustNewConstMetric(descValues, prometheus.CounterValue, float64(s.Submitted), "submitted")
	ch <- prometheus.MustNewConstMetric(descValues, prometheus.CounterValue, float64(s.Flushed), "flushed")
}
