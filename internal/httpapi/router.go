package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/reliefops/fieldsync/internal/auth"
)

// Routes creates the HTTP router for the consumer contract: queue views and
// actions, rules, conflicts, optimistic updates, and the event stream.
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	// Capability discovery and metrics (unauthenticated)
	r.Get("/v1/info", s.Info)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Everything else requires coordinator identity
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))
		r.Use(RateLimitMiddleware(s.RateLimitConfig))

		// Queue views and actions
		r.Get("/v1/queue/summary", s.QueueSummary)
		r.Get("/v1/queue/items", s.ListQueueItems)
		r.Get("/v1/queue/items/{id}", s.GetQueueItem)
		r.Post("/v1/queue/items/{id}/retry", s.RetryQueueItem)
		r.Delete("/v1/queue/items/{id}", s.RemoveQueueItem)
		r.Post("/v1/queue/items/{id}/priority", s.OverridePriority)

		// Priority rules
		r.Get("/v1/rules", s.ListRules)
		r.Post("/v1/rules", s.CreateRule)
		r.Put("/v1/rules/{id}", s.UpdateRule)
		r.Delete("/v1/rules/{id}", s.DeleteRule)
		r.Post("/v1/rules/{id}/toggle", s.ToggleRule)

		// Conflicts
		r.Get("/v1/conflicts", s.ListConflicts)
		r.Get("/v1/conflicts/stats", s.ConflictStats)
		r.Get("/v1/conflicts/{id}", s.GetConflict)
		r.Post("/v1/conflicts/{id}/resolve", s.ResolveConflict)
		r.Post("/v1/conflicts/archive", s.ArchiveConflicts)

		// Optimistic updates
		r.Post("/v1/updates", s.ApplyUpdate)
		r.Get("/v1/updates", s.ListUpdates)
		r.Get("/v1/updates/{id}", s.GetUpdate)
		r.Post("/v1/updates/{id}/retry", s.RetryUpdate)
		r.Post("/v1/updates/{id}/rollback", s.RollbackUpdate)
		r.Post("/v1/updates/rollback-failed", s.RollbackAllFailed)
		r.Get("/v1/entities/state", s.EntityStates)

		// Event stream
		r.Get("/v1/events", s.Events)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
