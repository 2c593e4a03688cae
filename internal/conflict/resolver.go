package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/reliefops/fieldsync/internal/fieldpath"
	"github.com/reliefops/fieldsync/internal/queue"
)

var (
	// ErrInvalidResolution is returned for malformed resolution requests;
	// never retried.
	ErrInvalidResolution = errors.New("invalid resolution request")
	// ErrResolutionApply is returned when the server rejected the resolved
	// record. The conflict stays PENDING and a failed audit entry is appended.
	ErrResolutionApply = errors.New("resolution apply failed")
)

// Applier pushes resolved records to the central server. Implemented by the
// upstream REST client.
type Applier interface {
	Put(ctx context.Context, kind queue.EntityKind, entityID string, record map[string]any) (map[string]any, error)
	NotifyResolution(ctx context.Context, payload map[string]any) error
}

// Resolver serves coordinator resolutions over the conflict store.
type Resolver struct {
	Conflicts *Store
	Queue     *queue.Store
	Remote    Applier
}

// NewResolver wires a resolver.
func NewResolver(conflicts *Store, q *queue.Store, remote Applier) *Resolver {
	return &Resolver{Conflicts: conflicts, Queue: q, Remote: remote}
}

// Resolve applies a strategy to a pending conflict: computes the final record,
// pushes it to the server, marks the conflict resolved with an audit entry,
// and drops the queue items the resolution supersedes.
//
// MANUAL requires mergedData; MERGE accepts an optional partial overlay on top
// of the computed merge.
func (r *Resolver) Resolve(ctx context.Context, id uuid.UUID, strategy Strategy, mergedData map[string]any, coordinatorID, justification string) (*Conflict, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidResolution, strategy)
	}
	if strategy == StrategyManual && len(mergedData) == 0 {
		return nil, fmt.Errorf("%w: MANUAL resolution requires merged data", ErrInvalidResolution)
	}
	if coordinatorID == "" {
		return nil, fmt.Errorf("%w: coordinator id is required", ErrInvalidResolution)
	}

	c, err := r.Conflicts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}

	now := time.Now().UTC()
	final := finalRecord(c, strategy, mergedData, now)
	finalVersion := fieldpath.Version(final)

	// SERVER_WINS accepts the server state as-is; there is nothing to push.
	if strategy != StrategyServerWins {
		applied, err := r.Remote.Put(ctx, c.EntityKind, c.EntityID, final)
		if err != nil {
			log.Warn().Err(err).
				Str("conflictId", id.String()).
				Str("strategy", string(strategy)).
				Msg("resolution apply rejected by server")
			if auditErr := r.Conflicts.AppendAudit(ctx, id, AuditEntry{
				Action:      AuditApplyFailed,
				PerformedBy: coordinatorID,
				Details:     map[string]any{"strategy": strategy, "error": err.Error()},
			}); auditErr != nil {
				log.Error().Err(auditErr).Msg("failed to append apply-failure audit entry")
			}
			return nil, fmt.Errorf("%w: %v", ErrResolutionApply, err)
		}
		// Server response carries the authoritative version
		if applied != nil {
			if v := fieldpath.Version(applied); v > 0 {
				finalVersion = v
			}
		}
	}

	if err := r.Conflicts.MarkResolved(ctx, id, strategy, coordinatorID, justification, finalVersion); err != nil {
		return nil, err
	}

	// Tell the server the conflict is settled; the local record is already
	// authoritative so a failure here only loses the notification.
	if err := r.Remote.NotifyResolution(ctx, map[string]any{
		"conflictId":    id.String(),
		"entityType":    c.EntityKind,
		"entityId":      c.EntityID,
		"strategy":      strategy,
		"resolvedBy":    coordinatorID,
		"justification": justification,
		"finalVersion":  finalVersion,
	}); err != nil {
		log.Warn().Err(err).Str("conflictId", id.String()).Msg("resolution notification failed")
	}

	// Items parked behind this conflict are superseded by the resolution
	if removed, err := r.Queue.RemoveBlockedBy(ctx, id); err != nil {
		log.Error().Err(err).Str("conflictId", id.String()).Msg("failed to drop superseded queue items")
	} else if removed > 0 {
		log.Info().Int("removed", removed).Str("conflictId", id.String()).Msg("superseded queue items dropped")
	}

	return r.Conflicts.Get(ctx, id)
}

// finalRecord computes the record a strategy produces, before the server
// assigns its authoritative version.
func finalRecord(c *Conflict, strategy Strategy, mergedData map[string]any, now time.Time) map[string]any {
	switch strategy {
	case StrategyServerWins:
		return clone(c.ServerVersion)
	case StrategyLocalWins:
		return overlay(c.ServerVersion, c.LocalVersion, now)
	case StrategyManual:
		return overlay(c.ServerVersion, mergedData, now)
	case StrategyMerge:
		merged := MergeVersions(c.ServerVersion, c.LocalVersion, c.ConflictFields, now)
		// Optional partial overlay on top of the computed merge
		for k, v := range mergedData {
			if k == "version" || k == "updatedAt" {
				continue
			}
			merged[k] = v
		}
		return merged
	}
	return clone(c.ServerVersion)
}

// MergeVersions starts from the server version and overlays the local fields
// that are not in conflict. Array fields present on both sides are unioned
// without duplicates (server order first); conflicting non-array fields keep
// the server value. The version counter advances past the server's.
func MergeVersions(server, local map[string]any, conflictFields []string, now time.Time) map[string]any {
	conflicting := make(map[string]bool, len(conflictFields))
	for _, f := range conflictFields {
		conflicting[f] = true
	}

	out := clone(server)
	for k, lv := range local {
		if k == "version" || k == "updatedAt" {
			continue
		}
		sv, present := out[k]
		if la, lok := lv.([]any); lok {
			if sa, sok := sv.([]any); sok {
				out[k] = unionArrays(sa, la)
				continue
			}
		}
		if present && conflicting[k] {
			continue // server wins on unresolvable scalar conflicts
		}
		out[k] = lv
	}

	out["version"] = fieldpath.Version(server) + 1
	out["updatedAt"] = now.Format(time.RFC3339Nano)
	return out
}

// overlay applies data over the server version wholesale, stamping a fresh
// updatedAt and the next version.
func overlay(server, data map[string]any, now time.Time) map[string]any {
	out := clone(server)
	for k, v := range data {
		if k == "version" || k == "updatedAt" {
			continue
		}
		out[k] = v
	}
	out["version"] = fieldpath.Version(server) + 1
	out["updatedAt"] = now.Format(time.RFC3339Nano)
	return out
}

// unionArrays keeps server elements in order, then appends local elements not
// already present. Elements are compared structurally.
func unionArrays(server, local []any) []any {
	out := make([]any, 0, len(server)+len(local))
	out = append(out, server...)
	for _, lv := range local {
		found := false
		for _, sv := range out {
			if fieldpath.Equal(sv, lv) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, lv)
		}
	}
	return out
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
