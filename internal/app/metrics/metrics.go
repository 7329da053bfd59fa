// Package metrics exposes the platform's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bounty_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bounty_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bounty_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	reconcileOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bounty_layer",
			Subsystem: "reconciler",
			Name:      "operations_total",
			Help:      "Bounty reconciliation operations by terminal outcome.",
		},
		[]string{"operation", "outcome"},
	)

	confirmationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bounty_layer",
			Subsystem: "reconciler",
			Name:      "confirmation_duration_seconds",
			Help:      "Time from transaction submission to confirmed receipt.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 500ms to ~4m
		},
	)

	openIntents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bounty_layer",
			Subsystem: "reconciler",
			Name:      "open_intents",
			Help:      "Transaction intents awaiting resolution or off-chain commit.",
		},
	)

	ledgerEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bounty_layer",
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Ledger entries recorded, by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		reconcileOps,
		confirmationDuration,
		openIntents,
		ledgerEntries,
	)
}

// Handler returns the /metrics endpoint handler for the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordOperation counts a reconciliation operation reaching a terminal
// outcome (done, rejected_locally, reverted, ambiguous_timeout,
// commit_failed, submission_failed).
func RecordOperation(operation, outcome string) {
	reconcileOps.WithLabelValues(operation, outcome).Inc()
}

// ObserveConfirmation records how long a confirmation wait took.
func ObserveConfirmation(d time.Duration) {
	confirmationDuration.Observe(d.Seconds())
}

// SetOpenIntents records the current reconciliation backlog.
func SetOpenIntents(n int) {
	openIntents.Set(float64(n))
}

// RecordLedgerEntry counts a recorded audit entry.
func RecordLedgerEntry(kind string) {
	ledgerEntries.WithLabelValues(kind).Inc()
}

// Middleware instruments an HTTP handler with request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		httpRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
		httpDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
