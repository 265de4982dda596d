package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Cover endpoints
		r.Route("/covers", func(r chi.Router) {
			r.Get("/", s.handleListCovers)
			r.Post("/", s.handleCreateCover)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCover)
				r.Put("/", s.handleUpdateCover)
				r.Delete("/", s.handleDeleteCover)
				r.Get("/state", s.handleGetCoverState)
				r.Post("/command", s.handleCoverCommand)
			})
		})

		// WebSocket for real-time mapped state updates
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
