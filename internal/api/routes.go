package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ignite/ingest-worker/internal/pkg/httputil"
)

// SetupRoutes builds the worker's operational HTTP surface. allowedOrigins,
// when non-empty, lets a browser dashboard read the health endpoints.
func SetupRoutes(hc *HealthChecker, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", hc.HandleHealth)
	r.Get("/health/live", hc.HandleLiveness)
	r.Get("/health/ready", hc.HandleReadiness)
	r.Get("/health/db", hc.HandleDBStats)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.NotFound(w, "not found")
	})

	return r
}
