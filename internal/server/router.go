package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openjobspec/captcha-relay/internal/api"
)

// NewRouter creates the ops router serving /health and /metrics.
func NewRouter(health *api.HealthHandler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(api.RequestID)
	r.Use(api.RequestLogger)

	r.Get("/health", health.Health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
