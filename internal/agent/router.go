package agent

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter mounts the agent API. With requireClientCert every route needs a
// verified client certificate.
func NewRouter(h *Handler, logger *zap.Logger, requireClientCert bool) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(LoggingMiddleware(logger))
	r.Use(RecoveryMiddleware(logger))
	if requireClientCert {
		r.Use(MTLSMiddleware(logger))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", h.ListDeployments)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/logs", h.DeploymentLogs)
				r.Post("/logs/clear", h.ClearLogs)
				r.Put("/gate", h.SetGate)
				r.Post("/activity", h.Activity)
				r.Get("/events", h.Events)
			})
		})

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", h.QueryLogs)
			r.Delete("/", h.DeleteLogs)
			r.Get("/search", h.SearchLogs)
			r.Get("/{id}", h.GetLog)
		})

		r.Get("/stats", h.Stats)
		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.PutSettings)
	})

	return r
}
