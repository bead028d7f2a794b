// Package metrics provides Prometheus instrumentation for the portfolio engine.
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
	// TradesTotal counts executed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeRejections counts trades refused before anything was written.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_trade_rejections_total",
		Help: "Trades rejected, by reason",
	}, []string{"reason"})

	// TradeLatency tracks end-to-end trade execution time, including queueing
	// behind other commands for the same account.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// RevaluationTicks counts scheduler ticks by outcome.
	RevaluationTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_revaluation_ticks_total",
		Help: "Scheduler revaluation ticks",
	}, []string{"result"})

	// RevaluationDuration tracks how long one tick takes.
	RevaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portfolio_revaluation_duration_seconds",
		Help:    "Duration of one refresh-and-revalue tick",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	})

	// PricePoints is the number of observations in the current price feed.
	PricePoints = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_price_points",
		Help: "Observations held by the current price feed",
	})

	// ActiveSessions tracks sessions with a running scheduler.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_active_sessions",
		Help: "Number of sessions with a running scheduler",
	})

	// AccountOwners tracks live per-account owner goroutines.
	AccountOwners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_account_owners",
		Help: "Number of live per-account owner goroutines",
	})

	// PersistenceConflicts counts writes rejected by the version check.
	PersistenceConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_persistence_conflicts_total",
		Help: "Account writes rejected because the stored version moved",
	})

	// PersistenceFailures counts transient write failures.
	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_persistence_failures_total",
		Help: "Account writes that failed with an unknown outcome",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_http_request_duration_seconds",
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
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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
