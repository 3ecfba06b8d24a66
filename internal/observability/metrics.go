// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Session lifecycle metrics
	SessionsCreated   prometheus.Counter
	SessionsStarted   prometheus.Counter
	SessionsCompleted *prometheus.CounterVec
	SessionsRunning   prometheus.Gauge
	SessionDuration   prometheus.Histogram

	// Broadcast metrics
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	Subscribers     prometheus.Gauge

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "backtest_lab"
	}

	return &Metrics{
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Total number of backtest sessions created",
		}),
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "started_total",
			Help:      "Total number of backtest sessions that began executing",
		}),
		SessionsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "completed_total",
			Help:      "Total number of sessions per terminal status",
		}, []string{"status"}),
		SessionsRunning: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "running",
			Help:      "Number of sessions currently executing",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "duration_seconds",
			Help:      "Wall-clock execution time per session",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "events_published_total",
			Help:      "Total number of events published, by event type",
		}, []string{"type"}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped from slow subscriber queues",
		}),
		Subscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Number of connected event subscribers",
		}),
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status code",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordSessionCreated increments the sessions created counter.
func RecordSessionCreated() {
	DefaultMetrics.SessionsCreated.Inc()
}

// RecordSessionStarted marks a session as executing.
func RecordSessionStarted() {
	DefaultMetrics.SessionsStarted.Inc()
	DefaultMetrics.SessionsRunning.Inc()
}

// RecordSessionCompleted marks a session terminal and records its duration.
func RecordSessionCompleted(status string, durationSeconds float64) {
	DefaultMetrics.SessionsCompleted.WithLabelValues(status).Inc()
	DefaultMetrics.SessionsRunning.Dec()
	DefaultMetrics.SessionDuration.Observe(durationSeconds)
}

// RecordEventPublished increments the published counter for an event type.
func RecordEventPublished(eventType string) {
	DefaultMetrics.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventsDropped adds to the dropped events counter.
func RecordEventsDropped(n uint64) {
	DefaultMetrics.EventsDropped.Add(float64(n))
}

// UpdateSubscribers updates the subscriber gauge.
func UpdateSubscribers(n int) {
	DefaultMetrics.Subscribers.Set(float64(n))
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// RecordHTTPRequest records an HTTP request's latency.
func RecordHTTPRequest(route, code string, seconds float64) {
	DefaultMetrics.HTTPRequestDuration.WithLabelValues(route, code).Observe(seconds)
}
