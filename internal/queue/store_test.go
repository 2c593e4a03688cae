package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefops/fieldsync/internal/db"
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
	if _, err := pool.Exec(context.Background(), "DELETE FROM sync_queue"); err != nil {
		t.Fatalf("Failed to clean sync_queue: %v", err)
	}

	return NewStore(pool)
}

func newItem(kind EntityKind, entityID string, score int) *Item {
	return &Item{
		ID:            uuid.New(),
		EntityKind:    kind,
		Action:        ActionUpdate,
		EntityID:      entityID,
		Payload:       map[string]any{"notes": "n"},
		PriorityLabel: LabelForScore(score),
		PriorityScore: score,
		CreatedAt:     time.Now().UTC(),
		MaxRetries:    10,
	}
}

func TestEnqueueGetRemove_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	it := newItem(KindAssessment, "a1", 55)
	require.NoError(t, s.Enqueue(ctx, it))

	// Duplicate id is rejected
	assert.ErrorIs(t, s.Enqueue(ctx, it), ErrDuplicateID)

	got, err := s.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, it.EntityID, got.EntityID)
	assert.Equal(t, 55, got.PriorityScore)
	assert.Equal(t, StatusPending, got.Status(time.Now().UTC()))

	require.NoError(t, s.Remove(ctx, it.ID))
	_, err = s.Get(ctx, it.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Removal is idempotent
	assert.NoError(t, s.Remove(ctx, it.ID))
}

func TestUpdateCompareAndSet_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	it := newItem(KindResponse, "r1", 50)
	require.NoError(t, s.Enqueue(ctx, it))

	updated, err := s.Update(ctx, it.ID, func(it *Item) error {
		it.PriorityScore = 80
		it.PriorityLabel = LabelForScore(80)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 80, updated.PriorityScore)
	assert.Equal(t, LabelCritical, updated.PriorityLabel)

	// A writer slipping in between the read and the conditional write is
	// observed as StaleVersion
	_, err = s.Update(ctx, it.ID, func(item *Item) error {
		_, execErr := s.DB.Exec(ctx, `UPDATE sync_queue SET row_version = row_version + 1 WHERE id = $1`, it.ID)
		return execErr
	})
	assert.ErrorIs(t, err, ErrStaleVersion)
}

func TestScanFilters_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, newItem(KindAssessment, "a1", 75)))
	require.NoError(t, s.Enqueue(ctx, newItem(KindAssessment, "a2", 30)))
	require.NoError(t, s.Enqueue(ctx, newItem(KindIncident, "i1", 90)))

	byKind, err := s.Scan(ctx, Filter{EntityKind: KindAssessment})
	require.NoError(t, err)
	assert.Len(t, byKind, 2)

	byLabel, err := s.Scan(ctx, Filter{PriorityLabel: LabelCritical})
	require.NoError(t, err)
	assert.Len(t, byLabel, 2) // 75 and 90

	all, err := s.Scan(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Highest score first in list views
	assert.Equal(t, "i1", all[0].EntityID)
}

func TestSummary_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	oldest := newItem(KindAssessment, "a1", 50)
	oldest.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.Enqueue(ctx, oldest))
	require.NoError(t, s.Enqueue(ctx, newItem(KindIncident, "i1", 90)))

	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 2, sum.ByStatus[StatusPending])
	assert.Equal(t, 1, sum.ByLabel[LabelCritical])
	require.NotNil(t, sum.OldestPending)
	assert.WithinDuration(t, oldest.CreatedAt, *sum.OldestPending, time.Second)
	assert.NotNil(t, sum.LastUpdated)
}

func TestClaimOrdering_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	low := newItem(KindAssessment, "a1", 40)
	high := newItem(KindIncident, "i1", 95)
	require.NoError(t, s.Enqueue(ctx, low))
	require.NoError(t, s.Enqueue(ctx, high))

	first, err := s.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, high.ID, first.ID, "higher score wins")

	second, err := s.ClaimNext(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, low.ID, second.ID)

	// Nothing left to claim
	third, err := s.ClaimNext(ctx, "w3", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestClaimSerializesPerEntity_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	// Two mutations on the same entity: the later one has the higher score,
	// but insertion order must win within an entity
	older := newItem(KindAssessment, "a1", 40)
	older.CreatedAt = time.Now().UTC().Add(-time.Minute)
	newer := newItem(KindAssessment, "a1", 95)
	require.NoError(t, s.Enqueue(ctx, older))
	require.NoError(t, s.Enqueue(ctx, newer))

	first, err := s.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, older.ID, first.ID, "per-entity insertion order wins over score")

	// While the older item is leased, the same entity yields nothing
	blocked, err := s.ClaimNext(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, blocked, "one in-flight attempt per entity")

	// After success the next mutation for the entity becomes claimable
	require.NoError(t, s.Remove(ctx, older.ID))
	next, err := s.ClaimNext(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, newer.ID, next.ID)
}

func TestExpiredLeaseIsReclaimable_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	it := newItem(KindMedia, "m1", 50)
	require.NoError(t, s.Enqueue(ctx, it))

	claimed, err := s.ClaimNext(ctx, "w1", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Lease still live: no reclaim
	again, err := s.ClaimNext(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again)

	time.Sleep(100 * time.Millisecond)

	reclaimed, err := s.ClaimNext(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, it.ID, reclaimed.ID)
}

func TestAttemptBookkeeping_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	it := newItem(KindResponse, "r1", 60)
	it.MaxRetries = 2
	require.NoError(t, s.Enqueue(ctx, it))

	claimed, err := s.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	next := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.MarkAttempt(ctx, it.ID, time.Now().UTC(), "status 503", &next))

	got, err := s.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "status 503", got.LastError)
	assert.Equal(t, StatusFailed, got.Status(time.Now().UTC()))
	assert.False(t, got.Terminal())

	// Backoff window excludes it from claiming
	waiting, err := s.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, waiting)

	require.NoError(t, s.MarkTerminal(ctx, it.ID, time.Now().UTC(), "status 500"))
	got, err = s.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.True(t, got.Terminal())

	// Terminal items are never claimed
	terminal, err := s.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, terminal)
}

func TestBlockedItems_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	blocked := newItem(KindAssessment, "a1", 90)
	follower := newItem(KindAssessment, "a1", 90)
	follower.CreatedAt = blocked.CreatedAt.Add(time.Second)
	other := newItem(KindIncident, "i1", 10)
	require.NoError(t, s.Enqueue(ctx, blocked))
	require.NoError(t, s.Enqueue(ctx, follower))
	require.NoError(t, s.Enqueue(ctx, other))

	conflictID := uuid.New()
	// FK-free in this test: blocked_by_conflict has no constraint on sync_queue
	require.NoError(t, s.MarkBlocked(ctx, blocked.ID, conflictID))

	got, err := s.Get(ctx, blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, got.Status(time.Now().UTC()))

	// The whole entity is stuck behind the conflict; only the other entity syncs
	claimed, err := s.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, other.ID, claimed.ID)

	// Resolution supersedes the blocked item
	n, err := s.RemoveBlockedBy(ctx, conflictID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, blocked.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountAhead_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := getTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, newItem(KindAssessment, "a1", 80)))
	require.NoError(t, s.Enqueue(ctx, newItem(KindAssessment, "a2", 60)))
	require.NoError(t, s.Enqueue(ctx, newItem(KindAssessment, "a3", 40)))

	n, err := s.CountAhead(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
