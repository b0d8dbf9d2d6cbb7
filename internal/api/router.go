// Trailmarks Relay - Real-time presence and chat for the Trailmarks map app
// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trailmarks/relay/internal/config"
	"github.com/trailmarks/relay/internal/middleware"
)

// NewRouter builds the HTTP routing tree.
func NewRouter(h *Handler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to every route in order.
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Security.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		// Health probes get a permissive limit so monitoring can poll
		// freely without opening an abuse vector.
		r.Route("/health", func(r chi.Router) {
			r.Use(httprate.LimitByIP(1000, cfg.Security.RateLimitWindow))
			r.Get("/", h.Health)
			r.Get("/live", h.HealthLive)
			r.Get("/ready", h.HealthReady)
		})

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(cfg.Security.RateLimitReqs, cfg.Security.RateLimitWindow))
			r.Use(middleware.PrometheusMetrics)

			// Presence over HTTP carries the same bearer token the socket
			// authenticates with; the socket itself authenticates in-band.
			r.With(h.requireAuth).Get("/presence", h.Presence)
			r.Get("/ws", h.WebSocket)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
