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
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/events         Event ingestion (gateway webhooks)
  /api/items/*        Transaction items
  /api/orders/*       Order rollups and adjustments
  /api/checkouts/*    Checkout rollups
  /api/admin/*        Admin operations

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
		// Event ingestion
		r.Post("/events", h.IngestEvent)

		// Item routes
		r.Route("/items", func(r chi.Router) {
			r.Get("/{id}", h.GetItem)
			r.Get("/{id}/events", h.GetItemEvents)
			r.Post("/{id}/actions", h.RequestAction)
			r.Post("/{id}/recompute", h.RecomputeItem)
		})

		// Order routes
		r.Route("/orders", func(r chi.Router) {
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/granted-refunds", h.GrantRefund)
			r.Get("/{id}/granted-refunds", h.ListGrantedRefunds)
			r.Get("/{id}/refundable", h.GetRefundable)
			r.Post("/{id}/gift-cards", h.ApplyGiftCard)
			r.Get("/{id}/reconciliation", h.GetReconciliation)
		})

		// Checkout routes
		r.Route("/checkouts", func(r chi.Router) {
			r.Get("/{id}", h.GetCheckout)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/backfill", h.TriggerBackfill)
		})
	})

	return r
}
