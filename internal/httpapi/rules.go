package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/reliefops/fieldsync/internal/auth"
	"github.com/reliefops/fieldsync/internal/priority"
	"github.com/reliefops/fieldsync/internal/queue"
)

// ListRules handles GET /v1/rules; ?kind= restricts to one entity kind's
// active rules.
func (s *Server) ListRules(w http.ResponseWriter, r *http.Request) {
	var (
		out []priority.Rule
		err error
	)
	if kind := r.URL.Query().Get("kind"); kind != "" {
		out, err = s.Rules.ListActive(r.Context(), queue.EntityKind(kind))
	} else {
		out, err = s.Rules.List(r.Context())
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": out})
}

// CreateRule handles POST /v1/rules
func (s *Server) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule priority.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	rule.CreatedBy = auth.UserID(r.Context())

	created, err := s.Rules.Create(r.Context(), &rule)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateRule handles PUT /v1/rules/{id}
func (s *Server) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid rule id")
		return
	}

	var rule priority.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	rule.ID = id

	updated, err := s.Rules.Update(r.Context(), &rule)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteRule handles DELETE /v1/rules/{id}
func (s *Server) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid rule id")
		return
	}

	if err := s.Rules.Delete(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleRule handles POST /v1/rules/{id}/toggle
func (s *Server) ToggleRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid rule id")
		return
	}

	rule, err := s.Rules.Toggle(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}
