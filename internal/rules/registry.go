// Package rules manages priority rules and coordinator score overrides.
package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/reliefops/fieldsync/internal/priority"
	"github.com/reliefops/fieldsync/internal/queue"
)

var (
	// ErrNotFound is returned when the referenced rule does not exist.
	ErrNotFound = errors.New("priority rule not found")
	// ErrInvalidRule is returned when a rule fails validation. Never retried.
	ErrInvalidRule = errors.New("invalid priority rule")
)

// Registry is CRUD over priority rules plus the manual override operation.
type Registry struct {
	DB    *pgxpool.Pool
	Queue *queue.Store
}

// NewRegistry creates a registry on the given pool and queue store.
func NewRegistry(db *pgxpool.Pool, q *queue.Store) *Registry {
	return &Registry{DB: db, Queue: q}
}

func validate(r *priority.Rule) error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if !r.EntityKind.Valid() {
		return fmt.Errorf("%w: unknown entity kind %q", ErrInvalidRule, r.EntityKind)
	}
	for i, c := range r.Conditions {
		if c.Field == "" {
			return fmt.Errorf("%w: condition %d has no field path", ErrInvalidRule, i)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("%w: condition %d has unknown operator %q", ErrInvalidRule, i, c.Operator)
		}
	}
	return nil
}

const ruleColumns = `id, name, entity_kind, conditions, score_modifier, active,
	created_by, position, created_at, updated_at`

func scanRule(row pgx.Row) (*priority.Rule, error) {
	var r priority.Rule
	err := row.Scan(&r.ID, &r.Name, &r.EntityKind, &r.Conditions, &r.ScoreModifier,
		&r.Active, &r.CreatedBy, &r.Position, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Create inserts a new rule. The rule id is assigned here; position (insertion
// order, which fixes reason-string ordering) is assigned by the database.
func (reg *Registry) Create(ctx context.Context, r *priority.Rule) (*priority.Rule, error) {
	if err := validate(r); err != nil {
		return nil, err
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Conditions == nil {
		r.Conditions = []priority.Condition{}
	}

	created, err := scanRule(reg.DB.QueryRow(ctx, `
		INSERT INTO priority_rule (id, name, entity_kind, conditions, score_modifier, active, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING `+ruleColumns,
		r.ID, r.Name, r.EntityKind, r.Conditions, r.ScoreModifier, r.Active, r.CreatedBy))
	if err != nil {
		log.Error().Err(err).Str("name", r.Name).Msg("failed to create rule")
		return nil, err
	}
	return created, nil
}

// Update replaces the mutable fields of an existing rule. Position is
// preserved so reason ordering stays stable across edits.
func (reg *Registry) Update(ctx context.Context, r *priority.Rule) (*priority.Rule, error) {
	if err := validate(r); err != nil {
		return nil, err
	}

	updated, err := scanRule(reg.DB.QueryRow(ctx, `
		UPDATE priority_rule
		SET name = $2, entity_kind = $3, conditions = $4, score_modifier = $5,
		    active = $6, updated_at = now()
		WHERE id = $1
		RETURNING `+ruleColumns,
		r.ID, r.Name, r.EntityKind, r.Conditions, r.ScoreModifier, r.Active))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		log.Error().Err(err).Str("id", r.ID.String()).Msg("failed to update rule")
		return nil, err
	}
	return updated, nil
}

// Delete removes a rule. Deleting an absent rule returns ErrNotFound.
func (reg *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := reg.DB.Exec(ctx, `DELETE FROM priority_rule WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Toggle flips the active flag and returns the new state.
func (reg *Registry) Toggle(ctx context.Context, id uuid.UUID) (*priority.Rule, error) {
	r, err := scanRule(reg.DB.QueryRow(ctx, `
		UPDATE priority_rule SET active = NOT active, updated_at = now()
		WHERE id = $1
		RETURNING `+ruleColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// Get returns a single rule or ErrNotFound.
func (reg *Registry) Get(ctx context.Context, id uuid.UUID) (*priority.Rule, error) {
	r, err := scanRule(reg.DB.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM priority_rule WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// List returns all rules in insertion order.
func (reg *Registry) List(ctx context.Context) ([]priority.Rule, error) {
	return reg.listWhere(ctx, `SELECT `+ruleColumns+` FROM priority_rule ORDER BY position`)
}

// ListActive returns the active rules for a kind in insertion order, the shape
// the priority engine consumes.
func (reg *Registry) ListActive(ctx context.Context, kind queue.EntityKind) ([]priority.Rule, error) {
	return reg.listWhere(ctx,
		`SELECT `+ruleColumns+` FROM priority_rule WHERE active AND entity_kind = $1 ORDER BY position`,
		kind)
}

func (reg *Registry) listWhere(ctx context.Context, q string, args ...any) ([]priority.Rule, error) {
	rows, err := reg.DB.Query(ctx, q, args...)
	if err != nil {
		log.Error().Err(err).Msg("failed to list rules")
		return nil, err
	}
	defer rows.Close()

	out := []priority.Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// OverridePriority replaces an item's computed score with a coordinator
// decision. Idempotent: re-applying the same coordinator/score/justification
// triple leaves the item untouched. The previous reason is kept as history.
func (reg *Registry) OverridePriority(ctx context.Context, itemID uuid.UUID, newScore int, coordinatorID, justification string) (*queue.Item, error) {
	if coordinatorID == "" {
		return nil, fmt.Errorf("%w: coordinator id is required", ErrInvalidRule)
	}
	if justification == "" {
		return nil, fmt.Errorf("%w: override justification is required", ErrInvalidRule)
	}
	if newScore < 0 || newScore > 100 {
		return nil, fmt.Errorf("%w: override score %d outside [0,100]", ErrInvalidRule, newScore)
	}

	for {
		it, err := reg.Queue.Update(ctx, itemID, func(it *queue.Item) error {
			if mo := it.ManualOverride; mo != nil &&
				mo.CoordinatorID == coordinatorID &&
				mo.OverrideScore == newScore &&
				mo.Justification == justification {
				return nil // already applied
			}
			it.ManualOverride = &queue.ManualOverride{
				CoordinatorID: coordinatorID,
				OriginalScore: it.PriorityScore,
				OverrideScore: newScore,
				Justification: justification,
				Timestamp:     time.Now().UTC(),
			}
			it.PriorityScore = newScore
			it.PriorityLabel = queue.LabelForScore(newScore)
			it.PriorityReason = fmt.Sprintf("manual override: %s (was: %s)", justification, it.PriorityReason)
			return nil
		})
		if errors.Is(err, queue.ErrStaleVersion) {
			continue // concurrent writer; retry with a fresh read
		}
		if err != nil {
			return nil, err
		}

		log.Info().
			Str("itemId", itemID.String()).
			Str("coordinatorId", coordinatorID).
			Int("score", newScore).
			Msg("priority override applied")
		return it, nil
	}
}
