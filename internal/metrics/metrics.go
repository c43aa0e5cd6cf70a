// Package metrics provides Prometheus instrumentation for the position engine.
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
	// LoopRuns counts monitor invocations by loop.
	LoopRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_monitor_runs_total",
		Help: "Total monitor loop invocations",
	}, []string{"loop"})

	// LoopDuration tracks how long one invocation takes, by loop.
	LoopDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_monitor_run_duration_seconds",
		Help:    "Monitor loop invocation duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"loop"})

	// LoopCandidates tracks the candidate set size of the last invocation.
	LoopCandidates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_monitor_candidates",
		Help: "Candidate rows seen by the last monitor invocation",
	}, []string{"loop"})

	// Executions counts trigger outcomes by loop and result
	// (executed, lost, failed, skipped).
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_monitor_executions_total",
		Help: "Monitor trigger outcomes",
	}, []string{"loop", "result"})

	// InvariantViolations counts candidate rows skipped for breaking a
	// structural invariant.
	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_invariant_violations_total",
		Help: "Rows skipped because they violate a lifecycle invariant",
	}, []string{"loop"})

	// StaleClaims counts expired in-flight claims found by recovery, by kind.
	StaleClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_stale_claims_total",
		Help: "Expired in-flight claims found by recovery",
	}, []string{"kind"})

	// PriceLookups counts price source results by source and outcome (hit, miss, error).
	PriceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_price_lookups_total",
		Help: "Price source lookups by outcome",
	}, []string{"source", "outcome"})

	// GatewayCalls counts Execution Service calls by side and error class.
	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_gateway_calls_total",
		Help: "Execution Service calls by side and result class",
	}, []string{"side", "class"})

	// GatewayLatency tracks Execution Service call latency by side.
	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_gateway_latency_seconds",
		Help:    "Execution Service call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// RiskRejections counts buys rejected by the exposure limiter.
	RiskRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_risk_rejections_total",
		Help: "Buys rejected by the exposure limiter",
	})

	// NotificationsDropped counts events dropped because the outbox was full.
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_notifications_dropped_total",
		Help: "Notification events dropped on a full queue",
	})

	// NotificationFailures counts sender errors by sender.
	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_notification_failures_total",
		Help: "Notification send failures by sender",
	}, []string{"sender"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
