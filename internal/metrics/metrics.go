// Package metrics provides Prometheus metrics for the swap engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dexswap"

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Quote path
	QuoteRequests      *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
	AggregatorLatency  *prometheus.HistogramVec
	AggregatorOutcomes *prometheus.CounterVec
	RouteDuration      prometheus.Histogram

	// Execution path
	Executions       *prometheus.CounterVec
	Rejections       *prometheus.CounterVec
	BroadcastLatency prometheus.Histogram

	// Tracking
	TrackedExecutions prometheus.Gauge
	TrackerPolls      *prometheus.CounterVec
	ArchivedRows      prometheus.Counter
}

// New creates a Metrics instance registered on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		QuoteRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "quote_requests_total",
			Help:      "Quote requests by result",
		}, []string{"result"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Quote cache lookups by result (hit, miss)",
		}, []string{"result"}),
		AggregatorLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "latency_seconds",
			Help:      "Aggregator quote latency in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5},
		}, []string{"aggregator"}),
		AggregatorOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "outcomes_total",
			Help:      "Aggregator quote outcomes by kind",
		}, []string{"aggregator", "outcome"}),
		RouteDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "fanout_duration_seconds",
			Help:      "Wall time of one aggregator fan-out round",
			Buckets:   prometheus.DefBuckets,
		}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "status_transitions_total",
			Help:      "Execution status transitions",
		}, []string{"status"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "rejections_total",
			Help:      "Swap requests rejected before an execution was created",
		}, []string{"reason"}),
		BroadcastLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "broadcast_latency_seconds",
			Help:      "Signer/broadcaster latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		TrackedExecutions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "tracked_executions",
			Help:      "Executions currently being polled",
		}),
		TrackerPolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "polls_total",
			Help:      "Chain status polls by reported status",
		}, []string{"status"}),
		ArchivedRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "executions_archived_total",
			Help:      "Terminal executions exported to object storage",
		}),
	}
}

// NewNop returns metrics bound to a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
