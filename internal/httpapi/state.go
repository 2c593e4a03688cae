package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/reliefops/fieldsync/internal/auth"
	"github.com/reliefops/fieldsync/internal/conflict"
	"github.com/reliefops/fieldsync/internal/events"
	"github.com/reliefops/fieldsync/internal/optimistic"
	"github.com/reliefops/fieldsync/internal/queue"
	"github.com/reliefops/fieldsync/internal/rules"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Queue           *queue.Store
	Conflicts       *conflict.Store
	Resolver        *conflict.Resolver
	Rules           *rules.Registry
	Coordinator     *optimistic.Coordinator
	Bus             *events.Bus
	JWTCfg          auth.JWTCfg
	RateLimitConfig RateLimitInfo
}

// DefaultRateLimitConfig is the default per-coordinator limit for the API.
var DefaultRateLimitConfig = RateLimitInfo{
	WindowSeconds: 60,
	MaxRequests:   600,
	Burst:         120,
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// errorResponse is the standardized error shape with correlation ID
type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id"`
}

// writeError writes an error response with correlation ID from context
func writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeJSON(w, code, errorResponse{
		Error:         message,
		CorrelationID: GetCorrelationID(r.Context()),
	})
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound),
		errors.Is(err, conflict.ErrNotFound),
		errors.Is(err, rules.ErrNotFound),
		errors.Is(err, optimistic.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, rules.ErrInvalidRule),
		errors.Is(err, conflict.ErrInvalidResolution):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrDuplicateID),
		errors.Is(err, queue.ErrStaleVersion),
		errors.Is(err, conflict.ErrAlreadyResolved),
		errors.Is(err, optimistic.ErrConfirmed),
		errors.Is(err, optimistic.ErrNotRetryable):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, conflict.ErrResolutionApply):
		writeError(w, r, http.StatusBadGateway, err.Error())
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
