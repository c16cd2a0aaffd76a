// Package metrics provides Prometheus instrumentation for the bridge.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerOps counts ledger calls by chain, operation and result.
	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_ledger_ops_total",
		Help: "Ledger operations executed",
	}, []string{"chain", "op", "result"})

	// BorrowRejections counts borrows refused by the credit ledger, by error code.
	BorrowRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_borrow_rejections_total",
		Help: "Borrow calls rejected, by reason",
	}, []string{"reason"})

	// MessagesSent counts messenger sends by payload kind.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_messages_sent_total",
		Help: "Cross-chain messages sent",
	}, []string{"kind"})

	// MessageDeliveries counts delivery attempts by outcome
	// (applied, duplicate, deferred, failed, dropped).
	MessageDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_message_deliveries_total",
		Help: "Cross-chain message delivery attempts",
	}, []string{"outcome"})

	// PendingMessages tracks messages queued for delivery.
	PendingMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_pending_messages",
		Help: "Messages waiting for delivery",
	})

	// RelayAttempts counts relay jobs by kind and outcome.
	RelayAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_relay_attempts_total",
		Help: "Mirror relay jobs",
	}, []string{"kind", "outcome"})

	// RelayLatency tracks end-to-end relay duration.
	RelayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_relay_latency_seconds",
		Help:    "Mirror relay latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"kind"})

	// DedupeHits counts relay requests answered from the dedupe store.
	DedupeHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_dedupe_hits_total",
		Help: "Relay requests short-circuited by the dedupe store",
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Result returns the result label for an operation outcome.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps order ids and tx hashes out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
