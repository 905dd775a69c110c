// Package metrics provides Prometheus instrumentation for the arena ledger.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts ledger operations by name and outcome code.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_ledger_operations_total",
		Help: "Total ledger operations by result",
	}, []string{"op", "result"})

	// OperationLatency tracks ledger operation latency in seconds.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_ledger_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ConflictRetries counts operations re-run after a version conflict.
	ConflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_ledger_conflict_retries_total",
		Help: "Operations retried after a version conflict",
	}, []string{"op"})

	// DelegationsTotal counts delegation actions by outcome.
	DelegationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_ledger_delegations_total",
		Help: "Delegate, undelegate and commit actions",
	}, []string{"action", "result"})

	// OpenPositions tracks live positions opened through this instance.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_ledger_open_positions",
		Help: "Number of live positions",
	})

	// PriceRejections counts quotes refused as missing or stale.
	PriceRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_ledger_price_rejections_total",
		Help: "Oracle quotes rejected by the ledger",
	}, []string{"reason"})

	// EventsPublished counts outbound ledger events by sink and outcome.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_ledger_events_published_total",
		Help: "Ledger events published",
	}, []string{"sink", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOperation records one ledger operation.
func ObserveOperation(op, result string, started time.Time) {
	OperationsTotal.WithLabelValues(op, result).Inc()
	OperationLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps addresses out of the label set.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
