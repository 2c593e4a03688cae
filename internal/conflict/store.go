package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/reliefops/fieldsync/internal/queue"
)

var (
	// ErrNotFound is returned when the referenced conflict does not exist.
	ErrNotFound = errors.New("conflict not found")
	// ErrAlreadyResolved is returned when resolving a conflict that is not
	// PENDING; no state changes.
	ErrAlreadyResolved = errors.New("conflict already resolved")
)

// Store persists conflicts and their append-only audit trails.
type Store struct {
	DB *pgxpool.Pool
}

// NewStore creates a conflict store on the given pool.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

const conflictColumns = `id, entity_kind, entity_id, conflict_type, severity,
	local_version, server_version, conflict_fields, detected_at, detected_by,
	status, resolution_strategy, resolved_by, resolved_at, justification`

func scanConflict(row pgx.Row) (*Conflict, error) {
	var c Conflict
	err := row.Scan(&c.ID, &c.EntityKind, &c.EntityID, &c.Type, &c.Severity,
		&c.LocalVersion, &c.ServerVersion, &c.ConflictFields, &c.DetectedAt,
		&c.DetectedBy, &c.Status, &c.ResolutionStrategy, &c.ResolvedBy,
		&c.ResolvedAt, &c.Justification)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create registers a newly detected conflict and writes its first audit entry
// atomically. The first entry is always CONFLICT_DETECTED.
func (s *Store) Create(ctx context.Context, c *Conflict) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	c.Status = StatusPending

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO sync_conflict (
			id, entity_kind, entity_id, conflict_type, severity,
			local_version, server_version, conflict_fields, detected_at, detected_by, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, c.ID, c.EntityKind, c.EntityID, c.Type, c.Severity,
		c.LocalVersion, c.ServerVersion, c.ConflictFields, c.DetectedAt, c.DetectedBy, c.Status); err != nil {
		log.Error().Err(err).Str("entityId", c.EntityID).Msg("failed to insert conflict")
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO conflict_audit (conflict_id, ts, action, performed_by, details)
		VALUES ($1,$2,$3,$4,$5)
	`, c.ID, c.DetectedAt, AuditDetected, c.DetectedBy, map[string]any{
		"type":           c.Type,
		"severity":       c.Severity,
		"fieldsAffected": c.ConflictFields,
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Get returns a conflict with its full audit trail, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Conflict, error) {
	c, err := scanConflict(s.DB.QueryRow(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflict WHERE id = $1 AND archived_at IS NULL`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	trail, err := s.auditTrail(ctx, id)
	if err != nil {
		return nil, err
	}
	c.AuditTrail = trail
	return c, nil
}

func (s *Store) auditTrail(ctx context.Context, id uuid.UUID) ([]AuditEntry, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT ts, action, performed_by, details
		FROM conflict_audit WHERE conflict_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trail := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Timestamp, &e.Action, &e.PerformedBy, &e.Details); err != nil {
			return nil, err
		}
		trail = append(trail, e)
	}
	return trail, rows.Err()
}

// ListPending returns open conflicts sorted by severity (CRITICAL first) then
// detection time, newest first.
func (s *Store) ListPending(ctx context.Context, f ListFilter) ([]*Conflict, error) {
	q := `SELECT ` + conflictColumns + ` FROM sync_conflict
		WHERE status = 'PENDING' AND archived_at IS NULL`
	args := []any{}
	if f.EntityKind != "" {
		args = append(args, f.EntityKind)
		q += fmt.Sprintf(" AND entity_kind = $%d", len(args))
	}
	if f.Severity != "" {
		args = append(args, f.Severity)
		q += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	q += ` ORDER BY CASE severity
			WHEN 'CRITICAL' THEN 4 WHEN 'HIGH' THEN 3 WHEN 'MEDIUM' THEN 2 ELSE 1
		END DESC, detected_at DESC`
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	args = append(args, limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		log.Error().Err(err).Msg("failed to list pending conflicts")
		return nil, err
	}
	defer rows.Close()

	out := []*Conflict{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// OpenForEntity returns the newest pending, unarchived conflict for the entity,
// or nil when it has none.
func (s *Store) OpenForEntity(ctx context.Context, kind queue.EntityKind, entityID string) (*Conflict, error) {
	c, err := scanConflict(s.DB.QueryRow(ctx, `
		SELECT `+conflictColumns+` FROM sync_conflict
		WHERE entity_kind = $1 AND entity_id = $2 AND status = 'PENDING' AND archived_at IS NULL
		ORDER BY detected_at DESC LIMIT 1
	`, kind, entityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// Stats aggregates conflicts by type, severity, and status. Archived rows are
// excluded.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT conflict_type, severity, status, count(*)
		FROM sync_conflict WHERE archived_at IS NULL
		GROUP BY conflict_type, severity, status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	st := &Stats{
		ByType:     map[Type]int{},
		BySeverity: map[Severity]int{},
		ByStatus:   map[Status]int{},
	}
	for rows.Next() {
		var typ Type
		var sev Severity
		var status Status
		var n int
		if err := rows.Scan(&typ, &sev, &status, &n); err != nil {
			return nil, err
		}
		st.ByType[typ] += n
		st.BySeverity[sev] += n
		st.ByStatus[status] += n
	}
	return st, rows.Err()
}

// AppendAudit adds one entry to a conflict's trail. Entries are never updated
// or deleted.
func (s *Store) AppendAudit(ctx context.Context, id uuid.UUID, e AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO conflict_audit (conflict_id, ts, action, performed_by, details)
		VALUES ($1,$2,$3,$4,$5)
	`, id, e.Timestamp, e.Action, e.PerformedBy, e.Details)
	return err
}

// MarkResolved transitions PENDING -> RESOLVED and appends the resolution
// audit entry atomically. Returns ErrAlreadyResolved when the conflict left
// PENDING in the meantime; nothing changes in that case.
func (s *Store) MarkResolved(ctx context.Context, id uuid.UUID, strategy Strategy, resolvedBy, justification string, finalVersion int) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE sync_conflict
		SET status = 'RESOLVED', resolution_strategy = $2, resolved_by = $3,
		    resolved_at = $4, justification = $5
		WHERE id = $1 AND status = 'PENDING' AND archived_at IS NULL
	`, id, strategy, resolvedBy, now, justification)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish absent from already-resolved
		var status Status
		err := tx.QueryRow(ctx,
			`SELECT status FROM sync_conflict WHERE id = $1 AND archived_at IS NULL`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrAlreadyResolved
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO conflict_audit (conflict_id, ts, action, performed_by, details)
		VALUES ($1,$2,$3,$4,$5)
	`, id, now, AuditResolved, resolvedBy, map[string]any{
		"strategy":      strategy,
		"justification": justification,
		"finalVersion":  finalVersion,
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ArchiveResolvedOlderThan tombstones resolved conflicts older than the given
// age and returns how many were archived. Audit trails are kept.
func (s *Store) ArchiveResolvedOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	tag, err := s.DB.Exec(ctx, `
		UPDATE sync_conflict SET archived_at = now()
		WHERE status = 'RESOLVED' AND archived_at IS NULL AND resolved_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		log.Info().Int("archived", n).Msg("archived resolved conflicts")
	}
	return n, nil
}
