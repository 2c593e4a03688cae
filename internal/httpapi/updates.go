package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/reliefops/fieldsync/internal/optimistic"
	"github.com/reliefops/fieldsync/internal/queue"
)

type applyReq struct {
	EntityKind     queue.EntityKind `json:"entityKind"`
	EntityID       string           `json:"entityId"`
	Operation      queue.Action     `json:"operation"`
	OptimisticData map[string]any   `json:"optimisticData"`
	OriginalData   map[string]any   `json:"originalData,omitempty"`
}

// ApplyUpdate handles POST /v1/updates: records an optimistic mutation and
// returns its update id immediately.
func (s *Server) ApplyUpdate(w http.ResponseWriter, r *http.Request) {
	var req applyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	id, err := s.Coordinator.Apply(r.Context(), req.EntityKind, req.EntityID,
		req.Operation, req.OptimisticData, req.OriginalData)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"updateId": id})
}

// ListUpdates handles GET /v1/updates
func (s *Server) ListUpdates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"updates": s.Coordinator.Updates()})
}

// GetUpdate handles GET /v1/updates/{id}
func (s *Server) GetUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid update id")
		return
	}

	u, ok := s.Coordinator.Get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, "update not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// RetryUpdate handles POST /v1/updates/{id}/retry
func (s *Server) RetryUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid update id")
		return
	}

	if err := s.Coordinator.Retry(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rollbackReq struct {
	Reason string `json:"reason"`
}

// RollbackUpdate handles POST /v1/updates/{id}/rollback. When the server
// already applied the mutation the rollback still happens locally and the
// response flags it.
func (s *Server) RollbackUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid update id")
		return
	}

	var req rollbackReq
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	switch err := s.Coordinator.Rollback(r.Context(), id, req.Reason); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"rolledBack": true})
	case errors.Is(err, optimistic.ErrServerApplied):
		writeJSON(w, http.StatusOK, map[string]any{
			"rolledBack":    true,
			"serverApplied": true,
			"warning":       err.Error(),
		})
	default:
		writeDomainError(w, r, err)
	}
}

// RollbackAllFailed handles POST /v1/updates/rollback-failed
func (s *Server) RollbackAllFailed(w http.ResponseWriter, r *http.Request) {
	var req rollbackReq
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	n := s.Coordinator.RollbackAllFailed(r.Context(), req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"rolledBack": n})
}

// EntityStates handles GET /v1/entities/state
func (s *Server) EntityStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"states": s.Coordinator.EntityStates()})
}
