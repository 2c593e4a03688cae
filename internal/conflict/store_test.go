package conflict

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefops/fieldsync/internal/db"
	"github.com/reliefops/fieldsync/internal/queue"
)

func getTestStore(t *testing.T) *Store {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(context.Background(), pool); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	for _, table := range []string{"conflict_audit", "sync_conflict"} {
		if _, err := pool.Exec(context.Background(), "DELETE FROM "+table); err != nil {
			t.Fatalf("Failed to clean %s: %v", table, err)
		}
	}

	return NewStore(pool)
}

func newConflict(kind queue.EntityKind, entityID string, sev Severity) *Conflict {
	return &Conflict{
		EntityKind:     kind,
		EntityID:       entityID,
		Type:           TypeFieldLevel,
		Severity:       sev,
		LocalVersion:   map[string]any{"status": "DRAFT"},
		ServerVersion:  map[string]any{"status": "APPROVED", "version": float64(2)},
		ConflictFields: []string{"status"},
		DetectedBy:     "sync-engine",
	}
}

func TestCreateWritesDetectionAudit_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	c := newConflict(queue.KindAssessment, "a1", SeverityHigh)
	require.NoError(t, s.Create(ctx, c))
	require.NotEqual(t, uuid.Nil, c.ID)

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, []string{"status"}, got.ConflictFields)

	require.Len(t, got.AuditTrail, 1)
	first := got.AuditTrail[0]
	assert.Equal(t, AuditDetected, first.Action)
	assert.Equal(t, "sync-engine", first.PerformedBy)
	assert.Equal(t, "FIELD_LEVEL", first.Details["type"])
	assert.Equal(t, "HIGH", first.Details["severity"])
}

func TestListPendingOrder_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	low := newConflict(queue.KindAssessment, "a1", SeverityLow)
	critical := newConflict(queue.KindIncident, "i1", SeverityCritical)
	high := newConflict(queue.KindResponse, "r1", SeverityHigh)
	for _, c := range []*Conflict{low, critical, high} {
		require.NoError(t, s.Create(ctx, c))
	}

	out, err := s.ListPending(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, SeverityCritical, out[0].Severity)
	assert.Equal(t, SeverityHigh, out[1].Severity)
	assert.Equal(t, SeverityLow, out[2].Severity)

	filtered, err := s.ListPending(ctx, ListFilter{EntityKind: queue.KindResponse})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "r1", filtered[0].EntityID)
}

func TestMarkResolvedLifecycle_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	c := newConflict(queue.KindAssessment, "a1", SeverityHigh)
	require.NoError(t, s.Create(ctx, c))

	require.NoError(t, s.MarkResolved(ctx, c.ID, StrategyManual, "coordB", "avg+new status", 3))

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	require.NotNil(t, got.ResolvedBy)
	assert.Equal(t, "coordB", *got.ResolvedBy)
	assert.NotNil(t, got.ResolvedAt)
	require.NotNil(t, got.ResolutionStrategy)
	assert.Equal(t, StrategyManual, *got.ResolutionStrategy)

	// Trail grew, never shrank, in order
	require.Len(t, got.AuditTrail, 2)
	assert.Equal(t, AuditDetected, got.AuditTrail[0].Action)
	assert.Equal(t, AuditResolved, got.AuditTrail[1].Action)
	assert.Equal(t, "MANUAL", got.AuditTrail[1].Details["strategy"])
	assert.False(t, got.AuditTrail[1].Timestamp.Before(got.AuditTrail[0].Timestamp))

	// Double resolution changes nothing
	err = s.MarkResolved(ctx, c.ID, StrategyServerWins, "coordC", "again", 4)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	again, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "coordB", *again.ResolvedBy)
	assert.Len(t, again.AuditTrail, 2)
}

func TestMarkResolvedUnknownID_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)

	err := s.MarkResolved(context.Background(), uuid.New(), StrategyMerge, "coordA", "", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStats_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	a := newConflict(queue.KindAssessment, "a1", SeverityHigh)
	b := newConflict(queue.KindAssessment, "a2", SeverityLow)
	b.Type = TypeConcurrentEdit
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))
	require.NoError(t, s.MarkResolved(ctx, a.ID, StrategyLocalWins, "coordA", "", 2))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ByType[TypeFieldLevel])
	assert.Equal(t, 1, st.ByType[TypeConcurrentEdit])
	assert.Equal(t, 1, st.ByStatus[StatusPending])
	assert.Equal(t, 1, st.ByStatus[StatusResolved])
	assert.Equal(t, 1, st.BySeverity[SeverityHigh])
}

func TestArchiveResolvedOlderThan_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	old := newConflict(queue.KindAssessment, "a1", SeverityMedium)
	fresh := newConflict(queue.KindAssessment, "a2", SeverityMedium)
	require.NoError(t, s.Create(ctx, old))
	require.NoError(t, s.Create(ctx, fresh))
	require.NoError(t, s.MarkResolved(ctx, old.ID, StrategyServerWins, "coordA", "", 2))
	require.NoError(t, s.MarkResolved(ctx, fresh.ID, StrategyServerWins, "coordA", "", 2))

	// Age the first resolution past the cutoff
	_, err := s.DB.Exec(ctx,
		`UPDATE sync_conflict SET resolved_at = now() - interval '40 days' WHERE id = $1`, old.ID)
	require.NoError(t, err)

	n, err := s.ArchiveResolvedOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Archived conflicts disappear from reads; their audit rows survive
	_, err = s.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	trail, err := s.auditTrail(ctx, old.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 2)

	_, err = s.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestOpenForEntity_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	none, err := s.OpenForEntity(ctx, queue.KindEntity, "e1")
	require.NoError(t, err)
	assert.Nil(t, none)

	c := newConflict(queue.KindEntity, "e1", SeverityHigh)
	require.NoError(t, s.Create(ctx, c))

	open, err := s.OpenForEntity(ctx, queue.KindEntity, "e1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, c.ID, open.ID)

	require.NoError(t, s.MarkResolved(ctx, c.ID, StrategyServerWins, "coordA", "", 2))
	closed, err := s.OpenForEntity(ctx, queue.KindEntity, "e1")
	require.NoError(t, err)
	assert.Nil(t, closed)
}

func TestAppendAuditIsAppendOnly_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	c := newConflict(queue.KindResponse, "r1", SeverityMedium)
	require.NoError(t, s.Create(ctx, c))

	require.NoError(t, s.AppendAudit(ctx, c.ID, AuditEntry{
		Action:      AuditApplyFailed,
		PerformedBy: "coordA",
		Details:     map[string]any{"error": "status 502"},
	}))

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got.AuditTrail, 2)
	assert.Equal(t, AuditApplyFailed, got.AuditTrail[1].Action)
	assert.Equal(t, StatusPending, got.Status, "a failed apply leaves the conflict pending")

	// Trail ordering is monotone
	for i := 1; i < len(got.AuditTrail); i++ {
		assert.False(t, got.AuditTrail[i].Timestamp.Before(got.AuditTrail[i-1].Timestamp))
	}

}
