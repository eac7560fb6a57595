// Package metrics exposes Prometheus collectors for the settlement layer.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "settlement_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "ingress",
			Name:      "webhook_events_total",
			Help:      "Payment processor notifications by classified type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "settlement",
			Name:      "records_total",
			Help:      "Settlement outcomes by terminal status and failure reason.",
		},
		[]string{"status", "reason"},
	)

	transferDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "settlement_layer",
			Subsystem: "ledger",
			Name:      "transfer_duration_seconds",
			Help:      "Duration of ledger transfers including finality wait.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~3.5m
		},
	)

	walletsProvisioned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "wallet",
			Name:      "provisioned_total",
			Help:      "Ledger accounts created for users.",
		},
	)

	reconcileResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "reconcile",
			Name:      "resolved_total",
			Help:      "Records and claims settled by the reconciliation sweep.",
		},
		[]string{"kind", "result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		webhookEvents,
		settlements,
		transferDuration,
		walletsProvisioned,
		reconcileResolved,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordWebhookEvent records a classified processor notification.
func RecordWebhookEvent(eventType, outcome string) {
	if eventType == "" {
		eventType = "unknown"
	}
	webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordSettlement records a settlement terminal state.
func RecordSettlement(status, reason string) {
	if reason == "" {
		reason = "none"
	}
	settlements.WithLabelValues(status, reason).Inc()
}

// RecordTransferDuration records a ledger transfer round trip.
func RecordTransferDuration(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	transferDuration.Observe(d.Seconds())
}

// RecordWalletProvisioned counts a newly created user ledger account.
func RecordWalletProvisioned() {
	walletsProvisioned.Inc()
}

// RecordReconcile counts a reconciliation outcome for a record or claim.
func RecordReconcile(kind, result string) {
	reconcileResolved.WithLabelValues(kind, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "users" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/users"
	}
	if len(parts) == 2 {
		return "/users/:user"
	}
	return "/users/:user/" + parts[2]
}
