package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Schema for the sync core. Statements are idempotent so Migrate can run on
// every startup.

const ddlSyncQueue = `
CREATE TABLE IF NOT EXISTS sync_queue (
    id                  UUID PRIMARY KEY,
    entity_kind         TEXT NOT NULL,
    action              TEXT NOT NULL,
    entity_id           TEXT NOT NULL,
    payload             JSONB NOT NULL DEFAULT '{}'::jsonb,
    priority_label      TEXT NOT NULL,
    priority_score      INT NOT NULL,
    priority_reason     TEXT NOT NULL DEFAULT '',
    manual_override     JSONB,
    estimated_sync_time TIMESTAMPTZ,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_attempt_at     TIMESTAMPTZ,
    retry_count         INT NOT NULL DEFAULT 0,
    max_retries         INT NOT NULL DEFAULT 10,
    last_error          TEXT NOT NULL DEFAULT '',
    next_attempt_at     TIMESTAMPTZ,
    lease_owner         TEXT NOT NULL DEFAULT '',
    lease_expires_at    TIMESTAMPTZ,
    blocked_by_conflict UUID,
    row_version         INT NOT NULL DEFAULT 1,
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const ddlSyncQueueIndexes = `
CREATE INDEX IF NOT EXISTS idx_sync_queue_entity   ON sync_queue (entity_kind, entity_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sync_queue_priority ON sync_queue (priority_score DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_sync_queue_blocked  ON sync_queue (blocked_by_conflict) WHERE blocked_by_conflict IS NOT NULL;
`

const ddlPriorityRule = `
CREATE TABLE IF NOT EXISTS priority_rule (
    id             UUID PRIMARY KEY,
    name           TEXT NOT NULL,
    entity_kind    TEXT NOT NULL,
    conditions     JSONB NOT NULL DEFAULT '[]'::jsonb,
    score_modifier INT NOT NULL DEFAULT 0,
    active         BOOLEAN NOT NULL DEFAULT true,
    created_by     TEXT NOT NULL DEFAULT '',
    position       BIGSERIAL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_priority_rule_kind ON priority_rule (entity_kind, active, position);
`

const ddlConflict = `
CREATE TABLE IF NOT EXISTS sync_conflict (
    id                  UUID PRIMARY KEY,
    entity_kind         TEXT NOT NULL,
    entity_id           TEXT NOT NULL,
    conflict_type       TEXT NOT NULL,
    severity            TEXT NOT NULL,
    local_version       JSONB NOT NULL DEFAULT '{}'::jsonb,
    server_version      JSONB NOT NULL DEFAULT '{}'::jsonb,
    conflict_fields     TEXT[] NOT NULL DEFAULT '{}',
    detected_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    detected_by         TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL DEFAULT 'PENDING',
    resolution_strategy TEXT,
    resolved_by         TEXT,
    resolved_at         TIMESTAMPTZ,
    justification       TEXT,
    archived_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sync_conflict_pending ON sync_conflict (status, detected_at DESC) WHERE archived_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_sync_conflict_entity  ON sync_conflict (entity_kind, entity_id);
`

// Audit rows are append-only: the application only ever inserts, and resolved
// trails must never shrink.
const ddlConflictAudit = `
CREATE TABLE IF NOT EXISTS conflict_audit (
    id           BIGSERIAL PRIMARY KEY,
    conflict_id  UUID NOT NULL REFERENCES sync_conflict(id),
    ts           TIMESTAMPTZ NOT NULL DEFAULT now(),
    action       TEXT NOT NULL,
    performed_by TEXT NOT NULL DEFAULT '',
    details      JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_conflict_audit_conflict ON conflict_audit (conflict_id, id);
`

// Migrate applies the schema. Safe to run concurrently from multiple
// processes; Postgres serializes the IF NOT EXISTS statements.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlSyncQueue, ddlSyncQueueIndexes, ddlPriorityRule, ddlConflict, ddlConflictAudit} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return err
		}
	}
	log.Info().Msg("database schema up to date")
	return nil
}
