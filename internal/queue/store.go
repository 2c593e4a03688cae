package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound is returned when the referenced queue item does not exist.
	ErrNotFound = errors.New("queue item not found")
	// ErrDuplicateID is returned by Enqueue when the id is already present.
	ErrDuplicateID = errors.New("queue item id already exists")
	// ErrStaleVersion is returned by Update when a concurrent modification is
	// observed; callers retry with a fresh read.
	ErrStaleVersion = errors.New("queue item modified concurrently")
)

// Store is the durable queue backed by Postgres. Writes are single statements
// or transactions, so a partially-applied write cannot be observed.
type Store struct {
	DB *pgxpool.Pool
}

// NewStore creates a queue store on the given pool.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

const itemColumns = `id, entity_kind, action, entity_id, payload, priority_label,
	priority_score, priority_reason, manual_override, estimated_sync_time,
	created_at, last_attempt_at, retry_count, max_retries, last_error,
	next_attempt_at, lease_owner, lease_expires_at, blocked_by_conflict, row_version`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	var override []byte
	err := row.Scan(
		&it.ID, &it.EntityKind, &it.Action, &it.EntityID, &it.Payload,
		&it.PriorityLabel, &it.PriorityScore, &it.PriorityReason, &override,
		&it.EstimatedSyncTime, &it.CreatedAt, &it.LastAttemptAt, &it.RetryCount,
		&it.MaxRetries, &it.LastError, &it.NextAttemptAt, &it.LeaseOwner,
		&it.LeaseExpiresAt, &it.BlockedByConflict, &it.RowVersion,
	)
	if err != nil {
		return nil, err
	}
	if len(override) > 0 {
		var mo ManualOverride
		if err := json.Unmarshal(override, &mo); err != nil {
			return nil, fmt.Errorf("decode manual override: %w", err)
		}
		it.ManualOverride = &mo
	}
	return &it, nil
}

func overrideJSON(mo *ManualOverride) (any, error) {
	if mo == nil {
		return nil, nil
	}
	return json.Marshal(mo)
}

// Enqueue inserts a new item. Fails with ErrDuplicateID when the id exists.
func (s *Store) Enqueue(ctx context.Context, it *Item) error {
	override, err := overrideJSON(it.ManualOverride)
	if err != nil {
		return err
	}

	_, err = s.DB.Exec(ctx, `
		INSERT INTO sync_queue (
			id, entity_kind, action, entity_id, payload, priority_label,
			priority_score, priority_reason, manual_override, estimated_sync_time,
			created_at, retry_count, max_retries, last_error, next_attempt_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,0,$12,'',NULL)
	`, it.ID, it.EntityKind, it.Action, it.EntityID, it.Payload, it.PriorityLabel,
		it.PriorityScore, it.PriorityReason, override, it.EstimatedSyncTime,
		it.CreatedAt, it.MaxRetries)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateID
	}
	if err != nil {
		log.Error().Err(err).Str("id", it.ID.String()).Msg("failed to enqueue item")
		return err
	}
	return nil
}

// Get returns the item or ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Item, error) {
	it, err := scanItem(s.DB.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM sync_queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

// Update applies mutator to the stored record under compare-and-set on
// row_version. Returns ErrStaleVersion when the record changed underneath the
// read; callers retry with a fresh read.
func (s *Store) Update(ctx context.Context, id uuid.UUID, mutator func(*Item) error) (*Item, error) {
	it, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := mutator(it); err != nil {
		return nil, err
	}

	override, err := overrideJSON(it.ManualOverride)
	if err != nil {
		return nil, err
	}

	tag, err := s.DB.Exec(ctx, `
		UPDATE sync_queue SET
			payload = $2,
			priority_label = $3,
			priority_score = $4,
			priority_reason = $5,
			manual_override = $6,
			estimated_sync_time = $7,
			last_attempt_at = $8,
			retry_count = $9,
			max_retries = $10,
			last_error = $11,
			next_attempt_at = $12,
			blocked_by_conflict = $13,
			row_version = row_version + 1,
			updated_at = now()
		WHERE id = $1 AND row_version = $14
	`, it.ID, it.Payload, it.PriorityLabel, it.PriorityScore, it.PriorityReason,
		override, it.EstimatedSyncTime, it.LastAttemptAt, it.RetryCount,
		it.MaxRetries, it.LastError, it.NextAttemptAt, it.BlockedByConflict,
		it.RowVersion)
	if err != nil {
		log.Error().Err(err).Str("id", id.String()).Msg("failed to update queue item")
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrStaleVersion
	}
	it.RowVersion++
	return it, nil
}

// Remove deletes the item. Idempotent: removing an absent id is not an error.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM sync_queue WHERE id = $1`, id)
	if err != nil {
		log.Error().Err(err).Str("id", id.String()).Msg("failed to remove queue item")
	}
	return err
}

// Scan returns items matching the filter. Ordering is priority then age so
// list views read in selection order, but callers must not rely on it.
func (s *Store) Scan(ctx context.Context, f Filter) ([]*Item, error) {
	q := `SELECT ` + itemColumns + ` FROM sync_queue WHERE 1=1`
	args := []any{}
	if f.EntityKind != "" {
		args = append(args, f.EntityKind)
		q += fmt.Sprintf(" AND entity_kind = $%d", len(args))
	}
	if f.EntityID != "" {
		args = append(args, f.EntityID)
		q += fmt.Sprintf(" AND entity_id = $%d", len(args))
	}
	if f.PriorityLabel != "" {
		args = append(args, f.PriorityLabel)
		q += fmt.Sprintf(" AND priority_label = $%d", len(args))
	}
	q += " ORDER BY priority_score DESC, created_at ASC"
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		log.Error().Err(err).Msg("failed to scan queue")
		return nil, err
	}
	defer rows.Close()

	now := time.Now().UTC()
	items := make([]*Item, 0, limit)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		// Status is derived, so the filter has to apply after the scan
		if f.Status != "" && it.Status(now) != f.Status {
			continue
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Summary aggregates counts by derived status and label, the oldest pending
// item, and the most recent modification.
func (s *Store) Summary(ctx context.Context) (*Summary, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+itemColumns+`, updated_at FROM sync_queue`)
	if err != nil {
		log.Error().Err(err).Msg("failed to load queue summary")
		return nil, err
	}
	defer rows.Close()

	now := time.Now().UTC()
	sum := &Summary{
		ByStatus: map[Status]int{},
		ByLabel:  map[PriorityLabel]int{},
	}
	for rows.Next() {
		var it Item
		var override []byte
		var updatedAt time.Time
		if err := rows.Scan(
			&it.ID, &it.EntityKind, &it.Action, &it.EntityID, &it.Payload,
			&it.PriorityLabel, &it.PriorityScore, &it.PriorityReason, &override,
			&it.EstimatedSyncTime, &it.CreatedAt, &it.LastAttemptAt, &it.RetryCount,
			&it.MaxRetries, &it.LastError, &it.NextAttemptAt, &it.LeaseOwner,
			&it.LeaseExpiresAt, &it.BlockedByConflict, &it.RowVersion, &updatedAt,
		); err != nil {
			return nil, err
		}

		sum.Total++
		st := it.Status(now)
		sum.ByStatus[st]++
		sum.ByLabel[it.PriorityLabel]++
		if st == StatusPending {
			created := it.CreatedAt
			if sum.OldestPending == nil || created.Before(*sum.OldestPending) {
				sum.OldestPending = &created
			}
		}
		if sum.LastUpdated == nil || updatedAt.After(*sum.LastUpdated) {
			u := updatedAt
			sum.LastUpdated = &u
		}
	}
	return sum, rows.Err()
}

// ClaimNext leases the next item due for a sync attempt, or returns nil when
// nothing is claimable.
//
// Claimable means: the item is the oldest queued mutation for its entity (so
// per-entity application follows insertion order and at most one attempt per
// entity is in flight), it is not blocked by an open conflict, its backoff
// window has elapsed, it has retries left, and no live lease is held on it.
// Among claimable items the highest priority score wins.
func (s *Store) ClaimNext(ctx context.Context, owner string, leaseTTL time.Duration) (*Item, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	it, err := scanItem(tx.QueryRow(ctx, `
		WITH heads AS (
			SELECT DISTINCT ON (entity_kind, entity_id) id
			FROM sync_queue
			ORDER BY entity_kind, entity_id, created_at, id
		)
		SELECT `+itemColumns+`
		FROM sync_queue q
		WHERE q.id IN (SELECT id FROM heads)
		  AND q.blocked_by_conflict IS NULL
		  AND (q.lease_expires_at IS NULL OR q.lease_expires_at <= now())
		  AND (q.next_attempt_at IS NULL OR q.next_attempt_at <= now())
		  AND q.retry_count < q.max_retries
		ORDER BY q.priority_score DESC, q.created_at ASC
		LIMIT 1
		FOR UPDATE OF q SKIP LOCKED
	`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to select claimable item")
		return nil, err
	}

	expires := time.Now().UTC().Add(leaseTTL)
	if _, err := tx.Exec(ctx, `
		UPDATE sync_queue
		SET lease_owner = $2, lease_expires_at = $3, row_version = row_version + 1, updated_at = now()
		WHERE id = $1
	`, it.ID, owner, expires); err != nil {
		log.Error().Err(err).Str("id", it.ID.String()).Msg("failed to lease item")
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	it.LeaseOwner = owner
	it.LeaseExpiresAt = &expires
	it.RowVersion++
	return it, nil
}

// Release drops the lease if it is still held by owner. Safe to call after the
// lease expired and someone else reclaimed the item.
func (s *Store) Release(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE sync_queue
		SET lease_owner = '', lease_expires_at = NULL, row_version = row_version + 1, updated_at = now()
		WHERE id = $1 AND lease_owner = $2
	`, id, owner)
	return err
}

// MarkAttempt records the outcome of a failed sync attempt: bumps retry_count,
// stores the error, schedules the next attempt, and drops the lease.
func (s *Store) MarkAttempt(ctx context.Context, id uuid.UUID, attemptAt time.Time, attemptErr string, nextAttempt *time.Time) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE sync_queue
		SET last_attempt_at = $2,
		    retry_count = retry_count + 1,
		    last_error = $3,
		    next_attempt_at = $4,
		    lease_owner = '',
		    lease_expires_at = NULL,
		    row_version = row_version + 1,
		    updated_at = now()
		WHERE id = $1
	`, id, attemptAt, attemptErr, nextAttempt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTerminal exhausts the item's retry budget immediately. Used for
// permanent rejections that retrying can never fix and for the failed attempt
// that uses up the last retry; the item stays visible,
// badged terminal, until an operator retries or removes it.
func (s *Store) MarkTerminal(ctx context.Context, id uuid.UUID, attemptAt time.Time, attemptErr string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE sync_queue
		SET last_attempt_at = $2,
		    retry_count = GREATEST(retry_count + 1, max_retries),
		    last_error = $3,
		    next_attempt_at = NULL,
		    lease_owner = '',
		    lease_expires_at = NULL,
		    row_version = row_version + 1,
		    updated_at = now()
		WHERE id = $1
	`, id, attemptAt, attemptErr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkBlocked parks the item behind an open conflict. Blocked items are not
// claimable until the conflict resolution removes or releases them.
func (s *Store) MarkBlocked(ctx context.Context, id, conflictID uuid.UUID) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE sync_queue
		SET blocked_by_conflict = $2,
		    lease_owner = '',
		    lease_expires_at = NULL,
		    row_version = row_version + 1,
		    updated_at = now()
		WHERE id = $1
	`, id, conflictID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveBlockedBy deletes the items parked behind a conflict, returning how
// many were superseded by its resolution.
func (s *Store) RemoveBlockedBy(ctx context.Context, conflictID uuid.UUID) (int, error) {
	tag, err := s.DB.Exec(ctx,
		`DELETE FROM sync_queue WHERE blocked_by_conflict = $1`, conflictID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// CountAhead returns how many pending items currently outrank the given score.
// Feeds the estimated sync time, which must be monotone in this count.
func (s *Store) CountAhead(ctx context.Context, score int) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT count(*) FROM sync_queue
		WHERE priority_score > $1 AND blocked_by_conflict IS NULL
	`, score).Scan(&n)
	return n, err
}
