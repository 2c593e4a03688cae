package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/reliefops/fieldsync/internal/auth"
	"github.com/reliefops/fieldsync/internal/queue"
)

// QueueSummary handles GET /v1/queue/summary
func (s *Server) QueueSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Queue.Summary(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ListQueueItems handles GET /v1/queue/items with kind/label/status filters
func (s *Server) ListQueueItems(w http.ResponseWriter, r *http.Request) {
	f := queue.Filter{
		EntityKind:    queue.EntityKind(r.URL.Query().Get("kind")),
		EntityID:      r.URL.Query().Get("entityId"),
		PriorityLabel: queue.PriorityLabel(r.URL.Query().Get("label")),
		Status:        queue.Status(r.URL.Query().Get("status")),
		Limit:         parseLimit(r.URL.Query().Get("limit"), 100, 1000),
	}

	items, err := s.Queue.Scan(r.Context(), f)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetQueueItem handles GET /v1/queue/items/{id}
func (s *Server) GetQueueItem(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid item id")
		return
	}

	it, err := s.Queue.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// RetryQueueItem handles POST /v1/queue/items/{id}/retry: clears the error
// bookkeeping so a terminal item becomes claimable again.
func (s *Server) RetryQueueItem(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid item id")
		return
	}

	it, err := s.Queue.Update(r.Context(), id, func(it *queue.Item) error {
		it.RetryCount = 0
		it.LastError = ""
		it.NextAttemptAt = nil
		return nil
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	log.Ctx(r.Context()).Info().
		Str("itemId", id.String()).
		Str("coordinatorId", auth.UserID(r.Context())).
		Msg("queue item re-armed")
	writeJSON(w, http.StatusOK, it)
}

// RemoveQueueItem handles DELETE /v1/queue/items/{id}
func (s *Server) RemoveQueueItem(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid item id")
		return
	}

	if err := s.Queue.Remove(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type overrideReq struct {
	Score         int    `json:"score"`
	Justification string `json:"justification"`
}

// OverridePriority handles POST /v1/queue/items/{id}/priority
func (s *Server) OverridePriority(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid item id")
		return
	}

	var req overrideReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	it, err := s.Rules.OverridePriority(r.Context(), id, req.Score, auth.UserID(r.Context()), req.Justification)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}
