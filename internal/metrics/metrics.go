// Package metrics holds the Prometheus collectors for the budget engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "budgetcore",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "budgetcore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "budgetcore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	Validations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "budgetcore",
			Subsystem: "validation",
			Name:      "decisions_total",
			Help:      "Total validation decisions by outcome.",
		},
		[]string{"outcome"},
	)

	Transitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "budgetcore",
			Subsystem: "transition",
			Name:      "applied_total",
			Help:      "Total quarter transitions applied.",
		},
	)

	TransitionSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "budgetcore",
			Subsystem: "transition",
			Name:      "steps_total",
			Help:      "Total per-quarter transition steps, including synthetic catch-up steps.",
		},
		[]string{"synthetic"},
	)

	Closures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "budgetcore",
			Subsystem: "closure",
			Name:      "applied_total",
			Help:      "Total year-end closures applied.",
		},
	)

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "budgetcore",
			Subsystem: "notifications",
			Name:      "events_total",
			Help:      "Notification lifecycle events (created, deduplicated, approved, rejected).",
		},
		[]string{"event"},
	)

	BatchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "budgetcore",
			Subsystem: "scheduler",
			Name:      "batch_runs_total",
			Help:      "Scheduler batch runs by trigger.",
		},
		[]string{"trigger"},
	)

	BatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "budgetcore",
			Subsystem: "scheduler",
			Name:      "record_failures_total",
			Help:      "Per-record failures inside scheduler batches.",
		},
		[]string{"trigger"},
	)

	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "budgetcore",
			Subsystem: "scheduler",
			Name:      "batch_duration_seconds",
			Help:      "Duration of scheduler batch runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"trigger"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		Validations,
		Transitions,
		TransitionSteps,
		Closures,
		Notifications,
		BatchRuns,
		BatchFailures,
		BatchDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// HTTPInFlight exposes the in-flight gauge to the HTTP middleware.
func HTTPInFlight() prometheus.Gauge { return httpInFlight }

// HTTPRequests exposes the request counter to the HTTP middleware.
func HTTPRequests() *prometheus.CounterVec { return httpRequests }

// HTTPDuration exposes the duration histogram to the HTTP middleware.
func HTTPDuration() *prometheus.HistogramVec { return httpDuration }
