/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the gateway
  3. AccessLog:  One logrus entry per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /api/policies/*   Policy management (no caller identity)
  /api/coupons/*    Coupon issuance and lifecycle (X-User-ID)
  /api/points/*     Point ledger (X-User-ID)
  /metrics          Prometheus
  /healthz          Liveness + store ping

SECURITY NOTE:
  X-User-ID is trusted as set by the gateway. Authenticating the caller
  happens before requests reach this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: RequireUser, AccessLog
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

type RouterOptions struct {
	CORSOrigins []string
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Log     logrus.FieldLogger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(opts.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", UserHeader},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Policy routes
		r.Route("/policies", func(r chi.Router) {
			r.Get("/", h.ListPolicies)
			r.Post("/", h.CreatePolicy)
			r.Get("/{id}", h.GetPolicy)
		})

		// Coupon routes
		r.Route("/coupons", func(r chi.Router) {
			r.Use(RequireUser)
			r.Post("/issue", h.IssueCoupon)
			r.Get("/", h.ListCoupons)
			r.Get("/{id}", h.GetCoupon)
			r.Post("/{id}/use", h.UseCoupon)
			r.Post("/{id}/cancel", h.CancelCoupon)
			r.Post("/{id}/quote", h.QuoteCoupon)
		})

		// Point routes
		r.Route("/points", func(r chi.Router) {
			r.Use(RequireUser)
			r.Post("/earn", h.EarnPoints)
			r.Post("/use", h.UsePoints)
			r.Post("/transactions/{id}/cancel", h.CancelPointTransaction)
			r.Get("/balance", h.GetPointBalance)
			r.Get("/history", h.GetPointHistory)
		})
	})

	return r
}
