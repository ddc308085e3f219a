/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/collections      Record collection batches
  /api/withdrawals      Record withdrawal batches
  /api/stock            Current stock report
  /api/balances         Daily opening/closing balances
  /api/snapshot/*       Single-day review and navigation
  /api/import           Historical event import
  /api/admin/*          Rebuild and integrity operations
  /api/items/*          Catalog management

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Submission routes
		r.Post("/collections", h.SubmitCollection)
		r.Post("/withdrawals", h.SubmitWithdrawal)

		// Report routes
		r.Get("/stock", h.GetStock)
		r.Get("/balances", h.GetDailyBalances)

		// Snapshot routes
		r.Route("/snapshot", func(r chi.Router) {
			r.Get("/earliest", h.GetEarliestDate)
			r.Get("/{date}", h.GetSnapshot)
		})

		// Reconciliation routes
		r.Post("/import", h.ImportEvents)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/rebuild", h.RebuildAggregates)
			r.Post("/integrity", h.RunIntegrity)
		})

		// Catalog routes
		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Post("/", h.CreateItem)
			r.Get("/low-stock", h.GetLowStock)
			r.Get("/{id}", h.GetItem)
			r.Post("/{id}/deactivate", h.DeactivateItem)
		})
	})

	return r
}
