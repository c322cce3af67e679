package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the instruments one connection registers. A nil *Metrics is
// valid and records nothing, so callers never branch on whether metrics are
// enabled.
type Metrics struct {
	// OperationsTotal counts model operations by outcome.
	OperationsTotal *prometheus.CounterVec
	// OperationDuration is the latency of model operations.
	OperationDuration *prometheus.HistogramVec
	// BufferDepth is the number of operations waiting for readiness.
	BufferDepth prometheus.Gauge
	// IndexBuildsTotal counts finished index builds by outcome.
	IndexBuildsTotal *prometheus.CounterVec
	// PopulateTotal counts reference resolutions by source.
	PopulateTotal *prometheus.CounterVec
}

// New registers the instrument set with reg and returns it. A nil reg
// returns a nil *Metrics, which records nothing.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Metrics{
		OperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bunmap_operations_total",
				Help: "Total number of model operations",
			},
			[]string{"model", "operation", "status"},
		),
		OperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bunmap_operation_duration_seconds",
				Help:    "Model operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "operation"},
		),
		BufferDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "bunmap_buffered_operations",
				Help: "Operations queued waiting for the connection to become ready",
			},
		),
		IndexBuildsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bunmap_index_builds_total",
				Help: "Total number of index builds",
			},
			[]string{"model", "status"},
		),
		PopulateTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bunmap_populate_total",
				Help: "Total number of reference resolutions",
			},
			[]string{"model", "source"},
		),
	}
}

// Operation records one model operation with its outcome and duration.
func (m *Metrics) Operation(model, op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(model, op, status).Inc()
	m.OperationDuration.WithLabelValues(model, op).Observe(d.Seconds())
}

// SetBufferDepth records how many operations are queued.
func (m *Metrics) SetBufferDepth(n int) {
	if m == nil {
		return
	}
	m.BufferDepth.Set(float64(n))
}

// IndexBuild records one finished index build.
func (m *Metrics) IndexBuild(model, status string) {
	if m == nil {
		return
	}
	m.IndexBuildsTotal.WithLabelValues(model, status).Inc()
}

// Populate records one reference resolution and where it was served from.
func (m *Metrics) Populate(model, source string) {
	if m == nil {
		return
	}
	m.PopulateTotal.WithLabelValues(model, source).Inc()
}
