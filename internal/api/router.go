package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/etlpilot/internal/api/middleware"
	"github.com/kiranshivaraju/etlpilot/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	StartCrawlHandler http.HandlerFunc
	PollCrawlHandler  http.HandlerFunc
	StartJobHandler   http.HandlerFunc
	PollJobHandler    http.HandlerFunc

	TriggerPipelineHandler http.HandlerFunc
	ListRunsHandler        http.HandlerFunc
	GetRunHandler          http.HandlerFunc
	RunStatusHandler       http.HandlerFunc
	ListPipelinesHandler   http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/crawls/{handleID}", orNotImplemented(deps.PollCrawlHandler))
		r.Get("/api/v1/jobs/{handleID}", orNotImplemented(deps.PollJobHandler))

		r.Get("/api/v1/pipelines", orNotImplemented(deps.ListRunsHandler))
		r.Get("/api/v1/pipelines/definitions", orNotImplemented(deps.ListPipelinesHandler))
		r.Get("/api/v1/pipelines/{runID}", orNotImplemented(deps.GetRunHandler))
		r.Get("/api/v1/pipelines/{runID}/status", orNotImplemented(deps.RunStatusHandler))

		// Anything that starts work in the job service
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("write"))

			r.Post("/api/v1/crawls", orNotImplemented(deps.StartCrawlHandler))
			r.Post("/api/v1/jobs", orNotImplemented(deps.StartJobHandler))
			r.Post("/api/v1/pipelines", orNotImplemented(deps.TriggerPipelineHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
