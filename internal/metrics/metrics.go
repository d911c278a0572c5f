// Package metrics provides Prometheus instrumentation for the perp engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PositionsOpened counts positions opened, partitioned by instrument
	// and side.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"instrument", "side"})

	// PositionsClosed counts position closes by kind (close, decrease,
	// liquidation).
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_positions_closed_total",
		Help: "Total number of position closes and reductions",
	}, []string{"instrument", "kind"})

	// OpenPositions tracks the number of currently open positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_open_positions",
		Help: "Number of currently open positions",
	})

	// ActiveInstruments tracks onboarded instruments.
	ActiveInstruments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_active_instruments",
		Help: "Number of onboarded instruments",
	})

	// Liquidations counts forced closes per instrument.
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Total number of liquidations",
	}, []string{"instrument"})

	// ShortfallTotal accumulates solvency shortfall per instrument, in
	// collateral units.
	ShortfallTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_shortfall_total",
		Help: "Cumulative solvency shortfall in collateral units",
	}, []string{"instrument"})

	// FundingSweeps counts funding sweep runs and how many instruments
	// each touched.
	FundingSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_funding_sweeps_total",
		Help: "Total funding rate sweep runs",
	})

	// FundingRateUpdates counts per-instrument funding rate recomputations.
	FundingRateUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_funding_rate_updates_total",
		Help: "Per-instrument funding rate recomputations",
	}, []string{"instrument"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// ExposureLimitRejections counts opens and increases rejected by the
	// risk limiter.
	ExposureLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_exposure_limit_rejections_total",
		Help: "Operations rejected by the exposure limiter",
	})
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
