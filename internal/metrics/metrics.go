// Package metrics provides Prometheus instrumentation for the fund engine.
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
	// Transactions counts ledger transactions by operation and outcome
	// (committed, rejected, failed).
	Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_transactions_total",
		Help: "Ledger transactions by operation and outcome",
	}, []string{"op", "outcome"})

	// TransactionLatency tracks how long a transaction holds the ledger.
	TransactionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fund_transaction_latency_seconds",
		Help:    "Ledger transaction latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// QueueDepth tracks queued swaps per queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fund_queue_depth",
		Help: "Number of queued swaps",
	}, []string{"queue"})

	// ReservationOpen is 1 while the liquidity reservation slot is taken.
	ReservationOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fund_reservation_open",
		Help: "Whether a liquidity reservation is outstanding",
	})

	// NAV is the last computed net asset value in whole base-asset units
	// (e.g. dollars for USDC, not micro-dollars).
	NAV = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fund_nav",
		Help: "Net asset value of the pool in whole units of the base asset",
	})

	// KellyAuthorizations counts non-zero investment determinations by side.
	KellyAuthorizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_kelly_authorizations_total",
		Help: "Investment determinations that authorized a trade",
	}, []string{"side"})

	// RedemptionsSettled counts settled redemptions.
	RedemptionsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fund_redemptions_settled_total",
		Help: "Redemption settlements",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fund_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fund_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// KeeperRuns counts scheduled job runs by job and outcome.
	KeeperRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_keeper_runs_total",
		Help: "Scheduled keeper job runs",
	}, []string{"job", "outcome"})
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

		// Route pattern keeps the path label low-cardinality.
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

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
