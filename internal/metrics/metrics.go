// Package metrics exposes the Prometheus instrumentation wired into
// Client via Settings.MetricsRegisterer: connection-pool and
// request-lifecycle gauges, counters, and histograms.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter/gauge a Client instance reports. Client
// creates one at construction and passes it down to every Host, Queue,
// Peer, and Connection it owns.
type Metrics struct {
	ConnectionsOpen     prometheus.Gauge
	ConnectionsOpened   prometheus.Counter
	ConnectionsClosed   *prometheus.CounterVec // reason label
	RequestsSubmitted   prometheus.Counter
	RequestsCompleted   *prometheus.CounterVec // outcome label: ok, error, aborted
	RequestQueueLatency prometheus.Histogram
	RequestDuration     prometheus.Histogram
	RetriesTotal        *prometheus.CounterVec // reason label
	PipelineDepth       prometheus.Histogram
}

// New builds a Metrics with all vectors registered under the given
// namespace, and registers them with reg. A nil reg means the caller
// wants instrumentation wired but not exported (e.g. in tests); New
// still returns usable, functioning collectors in that case.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Number of currently open connections across all peers.",
		}),
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Total connections successfully established.",
		}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total connections closed, labeled by reason.",
		}, []string{"reason"}),
		RequestsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_submitted_total",
			Help:      "Total requests submitted to the client.",
		}),
		RequestsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_completed_total",
			Help:      "Total requests that reached a final state, labeled by outcome.",
		}, []string{"outcome"}),
		RequestQueueLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_queue_latency_seconds",
			Help:      "Time a request spent queued before a connection claimed it.",
			Buckets:   prometheus.DefBuckets,
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from submission to final state.",
			Buckets:   prometheus.DefBuckets,
		}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total automatic retries, labeled by reason.",
		}, []string{"reason"}),
		PipelineDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_depth",
			Help:      "Number of requests in flight on a connection at submit time.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
	}

	if reg == nil {
		return m
	}

	reg.MustRegister(
		m.ConnectionsOpen,
		m.ConnectionsOpened,
		m.ConnectionsClosed,
		m.RequestsSubmitted,
		m.RequestsCompleted,
		m.RequestQueueLatency,
		m.RequestDuration,
		m.RetriesTotal,
		m.PipelineDepth,
	)

	return m
}

// Noop returns a Metrics wired to unregistered collectors, for callers
// (tests, and Settings with no MetricsRegisterer) that want the instrumentation calls
// throughout the engine to be harmless no-ops.
func Noop() *Metrics {
	return New("", nil)
}
