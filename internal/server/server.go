// Package server exposes the engine over an operations HTTP API.
package server

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Options configures the HTTP layer.
type Options struct {
	// AuthSecret enables HS256 bearer auth on the API routes when non-empty.
	// Probe routes are always open.
	AuthSecret string
	Logger     *slog.Logger
}

// NewRouter builds the chi router: probes at the root, the versioned API
// under /api/v1 behind CORS, request logging and optional bearer auth.
func NewRouter(eng Lifecycle, opts Options) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Get("/healthz", healthzHandler())
	r.Get("/readyz", readyzHandler(eng))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
		r.Use(requestLogger(logger))
		r.Use(bearerAuth(opts.AuthSecret))

		r.Route("/versions", func(r chi.Router) {
			r.Get("/", listVersionsHandler(eng))
			r.Get("/{id}", getVersionHandler(eng))
			r.Get("/{id}/operations", listOperationsHandler(eng))
			r.Post("/{id}/validate", validateVersionHandler(eng))
			r.Post("/{id}/rollback", rollbackVersionHandler(eng))
		})

		r.Post("/migrations", startMigrationHandler(eng))
		r.Get("/status", statusHandler(eng))
		r.Get("/stats", statsHandler(eng))
	})

	return r
}
