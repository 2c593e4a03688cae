package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/reliefops/fieldsync/internal/auth"
	"github.com/reliefops/fieldsync/internal/conflict"
	"github.com/reliefops/fieldsync/internal/queue"
)

// ListConflicts handles GET /v1/conflicts with kind/severity filters. Sorted
// by severity then detection time, newest first.
func (s *Server) ListConflicts(w http.ResponseWriter, r *http.Request) {
	f := conflict.ListFilter{
		EntityKind: queue.EntityKind(r.URL.Query().Get("kind")),
		Severity:   conflict.Severity(r.URL.Query().Get("severity")),
		Limit:      parseLimit(r.URL.Query().Get("limit"), 100, 500),
	}

	out, err := s.Conflicts.ListPending(r.Context(), f)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": out})
}

// GetConflict handles GET /v1/conflicts/{id}, including the audit trail.
func (s *Server) GetConflict(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid conflict id")
		return
	}

	c, err := s.Conflicts.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ConflictStats handles GET /v1/conflicts/stats
func (s *Server) ConflictStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Conflicts.Stats(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type resolveReq struct {
	Strategy      conflict.Strategy `json:"strategy"`
	MergedData    map[string]any    `json:"mergedData,omitempty"`
	Justification string            `json:"justification,omitempty"`
}

// ResolveConflict handles POST /v1/conflicts/{id}/resolve
func (s *Server) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid conflict id")
		return
	}

	var req resolveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	coordinatorID := auth.UserID(r.Context())
	c, err := s.Resolver.Resolve(r.Context(), id, req.Strategy, req.MergedData, coordinatorID, req.Justification)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	log.Ctx(r.Context()).Info().
		Str("conflictId", id.String()).
		Str("strategy", string(req.Strategy)).
		Str("coordinatorId", coordinatorID).
		Msg("conflict resolved")
	writeJSON(w, http.StatusOK, c)
}

type archiveReq struct {
	Days int `json:"days"`
}

// ArchiveConflicts handles POST /v1/conflicts/archive
func (s *Server) ArchiveConflicts(w http.ResponseWriter, r *http.Request) {
	var req archiveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Days <= 0 {
		writeError(w, r, http.StatusBadRequest, "days must be positive")
		return
	}

	n, err := s.Conflicts.ArchiveResolvedOlderThan(r.Context(), req.Days)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archived": n})
}
