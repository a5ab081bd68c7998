/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, copied into the log context
  2. Logging:    request.start / request.complete lines (zerolog)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters and latency
  5. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/lots/*           Lot intake and reads
  /api/programs/*       Program balances
  /api/sales/*          Sale lifecycle
  /api/audit            Ledger audit
  /api/scenarios/*      Demo scenarios
  /health               Store ping
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/interleads/travelagency-system-sub000/logger"
	"github.com/interleads/travelagency-system-sub000/metrics"
)

// NewRouter creates a new router with all routes configured. Without
// origins, any origin is allowed.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogging(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// Lot routes
		r.Route("/lots", func(r chi.Router) {
			r.Get("/", h.ListLots)
			r.Post("/", h.CreateLot)
			r.Get("/{id}", h.GetLot)
			r.Get("/{id}/records", h.GetLotRecords)
		})

		// Program routes
		r.Route("/programs", func(r chi.Router) {
			r.Get("/", h.ListPrograms)
			r.Get("/{id}/balance", h.GetProgramBalance)
		})

		// Sale routes
		r.Route("/sales", func(r chi.Router) {
			r.Get("/", h.ListSales)
			r.Post("/", h.CreateSale)
			r.Get("/{id}", h.GetSale)
			r.Put("/{id}", h.UpdateSale)
			r.Delete("/{id}", h.DeleteSale)
			r.Get("/{id}/records", h.GetSaleRecords)
			r.Get("/{id}/installments", h.GetInstallments)
		})

		r.Post("/audit", h.RunAudit)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// requestLogging writes one line when a request starts and one when it
// completes. Request id, method and path follow the context into handlers.
func requestLogging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := log.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
			ctx = log.WithFields(ctx, map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
			})

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			log.Debug(ctx, "request.start")

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ctx = log.WithFields(ctx, map[string]any{
				"status":      status,
				"duration_ms": time.Since(start).Milliseconds(),
			})
			log.Info(ctx, "request.complete")
		})
	}
}
