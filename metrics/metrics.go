// Package metrics provides Prometheus instrumentation for the miles engine.
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
	// AllocationsTotal counts allocation attempts by program and outcome
	// (complete, partial, rejected).
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miles_allocations_total",
		Help: "Total number of miles allocations",
	}, []string{"program_id", "outcome"})

	// MilesDrawn counts miles taken out of lots per program.
	MilesDrawn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miles_drawn_total",
		Help: "Miles drawn from lots",
	}, []string{"program_id"})

	// ShortfallMiles counts miles that partial allocations could not cover.
	ShortfallMiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miles_shortfall_total",
		Help: "Miles missing from partial allocations",
	}, []string{"program_id"})

	ReversalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "miles_reversals_total",
		Help: "Sale reversals executed",
	})

	MilesRestored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "miles_restored_total",
		Help: "Miles put back into lots by reversals",
	})

	// ConflictsTotal counts lost compare-and-swap writes on lots.
	ConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miles_lot_conflicts_total",
		Help: "Conditional lot updates that lost a race",
	}, []string{"op"})

	// SaleOperations counts coordinator operations by op and outcome.
	SaleOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miles_sale_operations_total",
		Help: "Sale lifecycle operations",
	}, []string{"op", "outcome"})

	SaleOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "miles_sale_operation_duration_seconds",
		Help:    "Sale lifecycle operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// AuditViolations is the violation count of the latest ledger audit.
	AuditViolations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "miles_audit_violations",
		Help: "Violations found by the most recent ledger audit",
	})

	AuditRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miles_audit_runs_total",
		Help: "Ledger audits executed",
	}, []string{"result"})

	// CacheLookups counts balance cache reads by result (hit, miss, error)
	// and write-backs that failed (store_error) or were dropped as stale.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miles_balance_cache_lookups_total",
		Help: "Program balance cache lookups",
	}, []string{"result"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miles_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "miles_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveSaleOperation records one coordinator call.
func ObserveSaleOperation(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	SaleOperations.WithLabelValues(op, outcome).Inc()
	SaleOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

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

		// Route pattern keeps ids out of the label set.
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
