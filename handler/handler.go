package handler

import (
	"net/http"

	"github.com/lipdiffusion/orchestrator/logger"
	"github.com/lipdiffusion/orchestrator/manager"

	"github.com/go-chi/chi/v5"
)

// Handler returns an http.Handler that exposes the service resources.
func Handler(jobManager *manager.Manager) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.Middleware)

	// Fire-and-forget submission endpoint
	r.Mount("/generate", func() http.Handler {
		sr := chi.NewRouter()
		sr.Post("/", HandleGenerate(jobManager))
		return sr
	}())

	// Pipeline submission endpoint
	r.Mount("/run", func() http.Handler {
		sr := chi.NewRouter()
		sr.Post("/", HandleRun(jobManager))
		return sr
	}())

	// Task status endpoint
	r.Mount("/status", func() http.Handler {
		sr := chi.NewRouter()
		sr.Get("/{taskID}", HandleStatus(jobManager))
		return sr
	}())

	// Health check
	r.Mount("/healthz", func() http.Handler {
		sr := chi.NewRouter()
		sr.Get("/", HandleHealth())
		return sr
	}())

	return r
}
