package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"codegraph-backend/internal/errors"
)

// Metrics is the engine's metrics facade. Counters track operation and error
// rates, gauges expose queue and pool state, histograms record latency and
// batch size distributions.
type Metrics struct {
	registry *prometheus.Registry

	OpsTotal        *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	WorkerPoolSize  *prometheus.GaugeVec
	WorkerUtilization *prometheus.GaugeVec
	OpLatency       *prometheus.HistogramVec
	BatchSize       *prometheus.HistogramVec
	BatchLatency    *prometheus.HistogramVec
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	ItemsProcessed  *prometheus.CounterVec
	QuarantineDepth prometheus.Gauge
}

// NewMetrics builds and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.OpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codegraph", Name: "ops_total",
		Help: "Operations executed, by component and operation.",
	}, []string{"component", "op"})

	m.ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codegraph", Name: "errors_total",
		Help: "Failed operations, by component and error kind.",
	}, []string{"component", "kind"})

	m.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "codegraph", Name: "queue_depth",
		Help: "Current depth of each ingestion partition.",
	}, []string{"partition"})

	m.WorkerPoolSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "codegraph", Name: "worker_pool_size",
		Help: "Current worker count per pipeline stage.",
	}, []string{"stage"})

	m.WorkerUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "codegraph", Name: "worker_utilization",
		Help: "Fraction of time workers spent busy, per stage.",
	}, []string{"stage"})

	m.OpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codegraph", Name: "op_latency_seconds",
		Help:    "Operation latency, by component and operation.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"component", "op"})

	m.BatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codegraph", Name: "batch_size",
		Help:    "Flushed batch sizes, by item kind.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"kind"})

	m.BatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codegraph", Name: "batch_latency_seconds",
		Help:    "End-to-end flush latency, by item kind.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"kind"})

	m.CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codegraph", Name: "cache_hits_total",
		Help: "Cache hits, by cache name.",
	}, []string{"cache"})

	m.CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codegraph", Name: "cache_misses_total",
		Help: "Cache misses, by cache name.",
	}, []string{"cache"})

	m.ItemsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codegraph", Name: "items_processed_total",
		Help: "Pipeline items processed, by kind and outcome.",
	}, []string{"kind", "outcome"})

	m.QuarantineDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "codegraph", Name: "quarantine_depth",
		Help: "Items currently held in the error quarantine.",
	})

	m.registry.MustRegister(
		m.OpsTotal, m.ErrorsTotal, m.QueueDepth, m.WorkerPoolSize,
		m.WorkerUtilization, m.OpLatency, m.BatchSize, m.BatchLatency,
		m.CacheHits, m.CacheMisses, m.ItemsProcessed, m.QuarantineDepth,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveOp records one operation with its latency and outcome.
func (m *Metrics) ObserveOp(component, op string, start time.Time, err error) {
	m.OpsTotal.WithLabelValues(component, op).Inc()
	m.OpLatency.WithLabelValues(component, op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.ErrorsTotal.WithLabelValues(component, string(errors.KindOf(err))).Inc()
	}
}
