package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storycraft/deploy/internal/api/handlers"
	mw "github.com/storycraft/deploy/internal/api/middleware"
)

type Dependencies struct {
	APIToken           string
	RateLimit          float64
	RateBurst          int
	HealthChecks       []handlers.Check
	DeploymentsHandler *handlers.DeploymentsHandler
	StackHandler       *handlers.StackHandler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	// Built-in middleware
	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(chimid.Compress(5))

	// Health endpoints
	hh := handlers.NewHealthHandler(dep.HealthChecks...)
	r.Get("/healthz", hh.Liveness)
	r.Get("/readyz", hh.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(mw.RateLimit(dep.RateLimit, dep.RateBurst))
		api.Use(mw.Auth(dep.APIToken))

		api.Get("/stack", dep.StackHandler.Get)

		api.Route("/deployments", func(dr chi.Router) {
			dr.Get("/", dep.DeploymentsHandler.List)
			dr.Post("/", dep.DeploymentsHandler.Create)
			dr.Get("/{id}", dep.DeploymentsHandler.Get)
			dr.Get("/{id}/logs", dep.DeploymentsHandler.Logs)
		})
	})

	return r
}
