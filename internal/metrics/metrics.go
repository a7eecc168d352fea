// Package metrics provides Prometheus instrumentation for the perp engine.
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
	// TradesTotal counts executed position actions by kind (open, increase,
	// reduce, close, margin).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_trades_total",
		Help: "Total number of position actions executed",
	}, []string{"kind"})

	// TradeLatency tracks action latency, lock wait included.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_trade_latency_seconds",
		Help:    "Position action latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TradeRejections counts actions rejected by margin, limit or curve
	// checks, partitioned by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_trade_rejections_total",
		Help: "Position actions rejected",
	}, []string{"reason"})

	// MarketVolume tracks cumulative quote notional traded per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_market_volume_quote_total",
		Help: "Cumulative traded notional in quote",
	}, []string{"market_id"})

	// LiquidationsTotal counts executed liquidations by kind (partial, full).
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Total number of liquidations executed",
	}, []string{"kind"})

	// LiquidationsAborted counts liquidations dropped at re-validation.
	LiquidationsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_liquidations_aborted_total",
		Help: "Liquidations aborted because the position recovered",
	})

	// InsuranceDraws tracks quote drawn from the insurance fund.
	InsuranceDraws = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_insurance_drawn_quote_total",
		Help: "Quote drawn from the insurance fund",
	})

	// InsuranceShortfall tracks bad debt the insurance fund could not cover.
	InsuranceShortfall = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_insurance_shortfall_quote_total",
		Help: "Bad debt left uncovered by the insurance fund",
	})

	// FundingRate is the last settled funding rate per market.
	FundingRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_funding_rate",
		Help: "Last settled funding rate",
	}, []string{"market_id"})

	// FundingFailures counts settlement attempts that failed, by reason.
	FundingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_funding_failures_total",
		Help: "Funding settlement attempts that failed",
	}, []string{"reason"})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for the path label to avoid high cardinality.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
