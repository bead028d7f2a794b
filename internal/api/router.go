package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/portfolio-engine/internal/metrics"
)

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RouterOptions configure NewRouter.
type RouterOptions struct {
	RequestTimeout time.Duration
	// Checks are run by /health, keyed by dependency name.
	Checks map[string]HealthCheck
}

// NewRouter mounts the service, the WebSocket hub, /health and /metrics.
func NewRouter(svc *Service, opts RouterOptions) chi.Router {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Account-ID, X-Session-ID")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", healthHandler(opts.Checks))

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for fills and ranking updates. Long-lived, so
		// outside the request timeout.
		if svc.Hub != nil {
			r.Get("/ws", svc.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(opts.RequestTimeout))

			// Accounts.
			r.Post("/accounts", svc.CreateAccount)
			r.Get("/accounts/me", svc.GetAccount)
			r.Get("/accounts/me/valuation", svc.GetValuation)

			// Trade execution.
			r.Post("/trade", svc.ExecuteTrade)

			// Rankings.
			r.Get("/rankings", svc.ListRankings)
			r.Get("/rankings/me", svc.GetMyRank)

			// Prices.
			r.Get("/prices", svc.ListPrices)
			r.Get("/prices/{symbol}", svc.GetPrice)
			r.Get("/prices/{symbol}/history", svc.GetPriceHistory)

			// Sessions.
			r.Post("/sessions", svc.OpenSession)
			r.Delete("/sessions/{sessionID}", svc.CloseSession)
		})
	})

	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		deps := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				deps[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			deps[name] = "ok"
		}

		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		writeJSON(w, status, map[string]any{
			"status":  state,
			"service": "portfolio-engine",
			"deps":    deps,
		})
	}
}
