// Package metrics provides Prometheus instrumentation for the goal market.
package metrics

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/goal-market/internal/oracle"
)

// Oracle call results.
const (
	ResultOK        = "ok"
	ResultTimeout   = "timeout"
	ResultMalformed = "malformed"
	ResultError     = "error"
	ResultRejected  = "rejected" // quote outside [0, payout]
)

var (
	// EventsTotal counts market events reaching a terminal state.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goalmarket_events_total",
		Help: "Market events finished, by terminal status",
	}, []string{"status"})

	// PhaseDuration tracks how long each orchestration phase takes.
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "goalmarket_phase_duration_seconds",
		Help:    "Market event phase duration in seconds",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"phase"})

	// OracleCalls counts per-agent oracle calls by phase and result.
	OracleCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goalmarket_oracle_calls_total",
		Help: "Oracle calls by phase and result",
	}, []string{"phase", "result"})

	// TradesTotal counts matched units.
	TradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goalmarket_trades_total",
		Help: "Total number of trades executed",
	})

	// ActiveEvents tracks market events that have not reached a terminal state.
	ActiveEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "goalmarket_active_events",
		Help: "Number of market events in progress",
	})

	// DiscoveredPrice is the distribution of published clearing prices.
	// Per-goal prices are served by the API, not exported as labels.
	DiscoveredPrice = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "goalmarket_discovered_price",
		Help:    "Discovered clearing prices of published market events",
		Buckets: prometheus.LinearBuckets(10, 10, 10),
	})

	// TasksTotal counts daily tasks by action.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goalmarket_tasks_total",
		Help: "Daily tasks generated and completed",
	}, []string{"action"})

	// SettlementRejections counts settlements refused by the ledger.
	SettlementRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goalmarket_settlement_rejections_total",
		Help: "Settlements rejected, by reason",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "goalmarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goalmarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "goalmarket_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObservePhase records the time elapsed since start for phase.
func ObservePhase(phase string, start time.Time) {
	PhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// OracleResult maps an oracle error to its result label.
func OracleResult(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, oracle.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	case errors.Is(err, oracle.ErrMalformedResponse):
		return ResultMalformed
	default:
		return ResultError
	}
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

		// Route pattern keeps goal and event ids out of the label set.
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
