package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clipforge/transcodeq/internal/api/handler"
	mw "github.com/clipforge/transcodeq/internal/api/middleware"
)

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(
	videoHandler *handler.VideoHandler,
	jobHandler *handler.JobHandler,
	healthHandler *handler.HealthHandler,
	apiKey string,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CleanPath)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Minute))

	// Health endpoints (no auth)
	r.Get("/health", healthHandler.Live)
	r.Get("/ready", healthHandler.Ready)

	// API v1 (authenticated)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(apiKey))

		r.Get("/stats", healthHandler.Stats)

		r.Post("/videos", videoHandler.Create)
		r.Get("/videos/{videoID}", videoHandler.Get)
		r.Delete("/videos/{videoID}", videoHandler.Delete)
		r.Post("/videos/{videoID}/transcode", videoHandler.Submit)

		r.Get("/jobs/{jobID}", jobHandler.Get)
		r.Delete("/jobs/{jobID}", jobHandler.Cancel)
	})

	return r
}
