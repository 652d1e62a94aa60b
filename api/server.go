/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zerolog request line (method, path, status, latency)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend
  5. Principal:  X-User-ID / X-User-Role from the auth gateway (/api only)

ROUTE GROUPS:
  /api/accounts/*       Balances, history, wallet, course rewards
  /api/leaderboard      Earned-token ranking
  /api/items/*          Redeemable catalog
  /api/redemptions/*    Redeem, cancel, fulfilment status
  /api/enrollments      Payment collaborator's purchase facts
  /api/admin/*          Manual adjustments
  /metrics              Prometheus
  /healthz              Store ping

SEE ALSO:
  - handlers.go, catalog.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", HeaderUserID, HeaderUserRole},
		ExposedHeaders: []string{middleware.RequestIDHeader},
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(authenticate)

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/summary", h.GetSummary)
			r.Post("/{id}/wallet", h.ConnectWallet)
			r.Post("/{id}/course-completions", h.CompleteCourse)
			r.Get("/{id}/redemptions", h.ListAccountRedemptions)
			r.Get("/{id}/enrollments", h.ListEnrollments)
		})

		r.Get("/leaderboard", h.GetLeaderboard)

		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Get("/{id}", h.GetItem)
			r.With(requireAdmin).Post("/", h.CreateItem)
		})

		r.Route("/redemptions", func(r chi.Router) {
			r.Post("/", h.CreateRedemption)
			r.Get("/{id}", h.GetRedemption)
			r.Post("/{id}/cancel", h.CancelRedemption)
			r.With(requireAdmin).Post("/{id}/status", h.AdvanceRedemption)
		})

		r.Post("/enrollments", h.ConfirmPurchase)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/adjustments", h.CreateAdjustment)
		})
	})

	return r
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}
