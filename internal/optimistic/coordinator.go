// Package optimistic couples UI-visible mutations to queue entries and tracks
// per-entity sync state with rollback.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/reliefops/fieldsync/internal/events"
	"github.com/reliefops/fieldsync/internal/observability"
	"github.com/reliefops/fieldsync/internal/priority"
	"github.com/reliefops/fieldsync/internal/queue"
)

var (
	// ErrNotFound is returned when the referenced update does not exist.
	ErrNotFound = errors.New("optimistic update not found")
	// ErrConfirmed is returned when rolling back a confirmed update; confirmed
	// is terminal.
	ErrConfirmed = errors.New("update already confirmed; cannot roll back")
	// ErrNotRetryable is returned when retry preconditions do not hold.
	ErrNotRetryable = errors.New("update is not retryable")
	// ErrServerApplied signals that the linked mutation already reached the
	// server; the local rollback still happened.
	ErrServerApplied = errors.New("server already applied the mutation; rolled back locally only")
)

// Status is the optimistic update lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusFailed     Status = "FAILED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// Update is the UI-level projection of one local mutation.
type Update struct {
	ID                uuid.UUID        `json:"id"`
	EntityKind        queue.EntityKind `json:"entityKind"`
	EntityID          string           `json:"entityId"`
	Operation         queue.Action     `json:"operation"`
	OptimisticData    map[string]any   `json:"optimisticData"`
	OriginalData      map[string]any   `json:"originalData,omitempty"`
	Status            Status           `json:"status"`
	Timestamp         time.Time        `json:"timestamp"`
	RetryCount        int              `json:"retryCount"`
	MaxRetries        int              `json:"maxRetries"`
	Error             string           `json:"error,omitempty"`
	LinkedQueueItemID *uuid.UUID       `json:"linkedQueueItemId,omitempty"`

	settledAt time.Time // when CONFIRMED/ROLLED_BACK, for gc
}

// SyncStatus is the entity-level state surfaced to the UI.
type SyncStatus string

const (
	SyncPending    SyncStatus = "PENDING"
	SyncSyncing    SyncStatus = "SYNCING"
	SyncSynced     SyncStatus = "SYNCED"
	SyncFailed     SyncStatus = "FAILED"
	SyncRolledBack SyncStatus = "ROLLED_BACK"
)

// EntityState is derived from the updates touching one entity.
type EntityState struct {
	EntityKind     queue.EntityKind `json:"entityKind"`
	EntityID       string           `json:"entityId"`
	SyncStatus     SyncStatus       `json:"syncStatus"`
	LastUpdate     time.Time        `json:"lastUpdate"`
	ActiveUpdateID *uuid.UUID       `json:"activeOptimisticUpdateId,omitempty"`
	ErrorMessage   string           `json:"errorMessage,omitempty"`
	RetryCount     int              `json:"retryCount"`
	CanRetry       bool             `json:"canRetry"`
	CanRollback    bool             `json:"canRollback"`
}

// QueueClient is the slice of the durable queue the coordinator drives.
type QueueClient interface {
	Enqueue(ctx context.Context, it *queue.Item) error
	Get(ctx context.Context, id uuid.UUID) (*queue.Item, error)
	Remove(ctx context.Context, id uuid.UUID) error
	Update(ctx context.Context, id uuid.UUID, mutator func(*queue.Item) error) (*queue.Item, error)
	CountAhead(ctx context.Context, score int) (int, error)
}

// RuleSource provides the active priority rules for scoring new items.
type RuleSource interface {
	ListActive(ctx context.Context, kind queue.EntityKind) ([]priority.Rule, error)
}

// Coordinator tracks optimistic updates and their entity states. All maps are
// process-local and guarded by one mutex; no lock is held across a store or
// network call.
type Coordinator struct {
	queue QueueClient
	rules RuleSource
	bus   *events.Bus

	maxRetries int
	gcAfter    time.Duration

	mu      sync.Mutex
	updates map[uuid.UUID]*Update
	byItem  map[uuid.UUID]uuid.UUID // queue item id -> update id
}

// New wires a coordinator. maxRetries caps the linked queue items (optimistic
// mutations give up earlier than core ones); gcAfter is the confirmed-update
// retention.
func New(q QueueClient, rules RuleSource, bus *events.Bus, maxRetries int, gcAfter time.Duration) *Coordinator {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if gcAfter <= 0 {
		gcAfter = 30 * time.Second
	}
	return &Coordinator{
		queue:      q,
		rules:      rules,
		bus:        bus,
		maxRetries: maxRetries,
		gcAfter:    gcAfter,
		updates:    map[uuid.UUID]*Update{},
		byItem:     map[uuid.UUID]uuid.UUID{},
	}
}

// Run consumes sync outcomes and garbage-collects settled updates until ctx is
// cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ch, cancel := c.bus.Subscribe(256)
	defer cancel()

	gc := time.NewTicker(time.Second)
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			c.handle(e)
		case <-gc.C:
			c.collect()
		}
	}
}

// Apply records an optimistic mutation and enqueues its linked queue item.
// Returns immediately with the update id; the outcome arrives via events.
func (c *Coordinator) Apply(ctx context.Context, kind queue.EntityKind, entityID string, op queue.Action, optimisticData, originalData map[string]any) (uuid.UUID, error) {
	if !kind.Valid() {
		return uuid.Nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if !op.Valid() {
		return uuid.Nil, fmt.Errorf("unknown action %q", op)
	}
	if entityID == "" {
		return uuid.Nil, errors.New("entity id is required")
	}

	now := time.Now().UTC()
	item := &queue.Item{
		ID:         uuid.New(),
		EntityKind: kind,
		Action:     op,
		EntityID:   entityID,
		Payload:    optimisticData,
		CreatedAt:  now,
		MaxRetries: c.maxRetries,
	}

	rules, err := c.rules.ListActive(ctx, kind)
	if err != nil {
		return uuid.Nil, fmt.Errorf("load priority rules: %w", err)
	}
	ahead, err := c.queue.CountAhead(ctx, 0)
	if err != nil {
		ahead = 0 // estimate only; scoring must not fail on it
	}
	res := priority.Compute(item, rules, ahead, now)
	item.PriorityScore = res.Score
	item.PriorityLabel = res.Label
	item.PriorityReason = res.Reason
	item.EstimatedSyncTime = &res.EstimatedSyncTime

	if err := c.queue.Enqueue(ctx, item); err != nil {
		return uuid.Nil, err
	}

	itemID := item.ID
	u := &Update{
		ID:                uuid.New(),
		EntityKind:        kind,
		EntityID:          entityID,
		Operation:         op,
		OptimisticData:    optimisticData,
		OriginalData:      originalData,
		Status:            StatusPending,
		Timestamp:         now,
		MaxRetries:        c.maxRetries,
		LinkedQueueItemID: &itemID,
	}

	c.mu.Lock()
	c.updates[u.ID] = u
	c.byItem[itemID] = u.ID
	active := len(c.updates)
	c.mu.Unlock()
	observability.OptimisticUpdatesActive.Set(float64(active))

	log.Debug().
		Str("updateId", u.ID.String()).
		Str("itemId", itemID.String()).
		Str("entityId", entityID).
		Msg("optimistic update applied")
	return u.ID, nil
}

// Get returns a snapshot of one update.
func (c *Coordinator) Get(id uuid.UUID) (*Update, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.updates[id]
	if !ok {
		return nil, false
	}
	cp := *u
	return &cp, true
}

// Updates returns a snapshot of all tracked updates.
func (c *Coordinator) Updates() []Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Update, 0, len(c.updates))
	for _, u := range c.updates {
		out = append(out, *u)
	}
	return out
}

// EntityStates derives the UI state map from the tracked updates. An entity
// with no updates has no state entry.
func (c *Coordinator) EntityStates() []EntityState {
	c.mu.Lock()
	defer c.mu.Unlock()

	latest := map[string]*Update{}
	for _, u := range c.updates {
		key := string(u.EntityKind) + "/" + u.EntityID
		if cur, ok := latest[key]; !ok || u.Timestamp.After(cur.Timestamp) {
			latest[key] = u
		}
	}

	out := make([]EntityState, 0, len(latest))
	for _, u := range latest {
		out = append(out, deriveState(u))
	}
	return out
}

// EntityState derives the state for one entity, or false when no updates
// reference it.
func (c *Coordinator) EntityState(kind queue.EntityKind, entityID string) (EntityState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var latest *Update
	for _, u := range c.updates {
		if u.EntityKind != kind || u.EntityID != entityID {
			continue
		}
		if latest == nil || u.Timestamp.After(latest.Timestamp) {
			latest = u
		}
	}
	if latest == nil {
		return EntityState{}, false
	}
	return deriveState(latest), true
}

func deriveState(u *Update) EntityState {
	st := EntityState{
		EntityKind: u.EntityKind,
		EntityID:   u.EntityID,
		LastUpdate: u.Timestamp,
		RetryCount: u.RetryCount,
	}
	id := u.ID
	switch u.Status {
	case StatusPending:
		st.SyncStatus = SyncPending
		if u.RetryCount > 0 {
			st.SyncStatus = SyncSyncing
		}
		st.ActiveUpdateID = &id
		st.CanRollback = true
	case StatusConfirmed:
		st.SyncStatus = SyncSynced
	case StatusFailed:
		st.SyncStatus = SyncFailed
		st.ActiveUpdateID = &id
		st.ErrorMessage = u.Error
		st.CanRetry = u.RetryCount < u.MaxRetries
		st.CanRollback = true
	case StatusRolledBack:
		st.SyncStatus = SyncRolledBack
	}
	return st
}

// Retry re-arms a failed update. Valid only in FAILED with retries left; the
// linked queue item is rescheduled for an immediate attempt. An item parked
// behind an open conflict stays parked until that conflict is resolved.
func (c *Coordinator) Retry(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	u, ok := c.updates[id]
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	if u.Status != StatusFailed || u.RetryCount >= u.MaxRetries {
		c.mu.Unlock()
		return fmt.Errorf("%w: status=%s retryCount=%d", ErrNotRetryable, u.Status, u.RetryCount)
	}
	u.Status = StatusPending
	u.Error = ""
	itemID := u.LinkedQueueItemID
	attempts := u.RetryCount
	c.mu.Unlock()

	if itemID != nil {
		if _, err := c.queue.Update(ctx, *itemID, func(it *queue.Item) error {
			// A terminal item carries retry_count >= max_retries and is never
			// claimed; restore the attempt count the update was left with.
			it.RetryCount = attempts
			it.LastError = ""
			it.NextAttemptAt = nil
			return nil
		}); err != nil && !errors.Is(err, queue.ErrNotFound) {
			log.Warn().Err(err).Str("itemId", itemID.String()).Msg("failed to reschedule linked item")
		}
	}
	return nil
}

// Rollback undoes an optimistic update: the linked queue item is removed and
// the update is marked ROLLED_BACK, so the entity state reports ROLLED_BACK
// while this is the entity's latest update. The state and data from before
// the update are not restored. Confirmed updates cannot be rolled back. When the server already applied the
// mutation, the update is still marked ROLLED_BACK locally and ErrServerApplied
// is returned so the caller can surface it.
func (c *Coordinator) Rollback(ctx context.Context, id uuid.UUID, reason string) error {
	c.mu.Lock()
	u, ok := c.updates[id]
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	if u.Status == StatusConfirmed {
		c.mu.Unlock()
		return ErrConfirmed
	}
	if u.Status == StatusRolledBack {
		c.mu.Unlock()
		return nil
	}
	itemID := u.LinkedQueueItemID
	c.mu.Unlock()

	var applied bool
	if itemID != nil {
		if _, err := c.queue.Get(ctx, *itemID); errors.Is(err, queue.ErrNotFound) {
			// Item gone without a confirmation event: the server apply won the race
			applied = true
		} else if err == nil {
			if err := c.queue.Remove(ctx, *itemID); err != nil {
				return fmt.Errorf("remove linked queue item: %w", err)
			}
		} else {
			return err
		}
	}

	c.mu.Lock()
	u.Status = StatusRolledBack
	u.Error = reason
	u.settledAt = time.Now().UTC()
	c.mu.Unlock()

	observability.RollbacksTotal.Inc()
	log.Info().
		Str("updateId", id.String()).
		Str("reason", reason).
		Bool("serverApplied", applied).
		Msg("optimistic update rolled back")

	if applied {
		return ErrServerApplied
	}
	return nil
}

// RollbackAllFailed rolls back every FAILED update, best-effort, and returns
// how many succeeded.
func (c *Coordinator) RollbackAllFailed(ctx context.Context, reason string) int {
	c.mu.Lock()
	failed := make([]uuid.UUID, 0)
	for id, u := range c.updates {
		if u.Status == StatusFailed {
			failed = append(failed, id)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, id := range failed {
		err := c.Rollback(ctx, id, reason)
		if err == nil || errors.Is(err, ErrServerApplied) {
			n++
		}
	}
	return n
}

// handle folds one sync outcome into the update and state maps.
func (c *Coordinator) handle(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.byItem[e.ItemID]
	if !ok {
		return
	}
	u, ok := c.updates[id]
	if !ok {
		return
	}

	switch e.Kind {
	case events.ItemSynced:
		if u.Status == StatusPending {
			u.Status = StatusConfirmed
			u.settledAt = time.Now().UTC()
			u.Error = ""
		}
	case events.ItemFailed:
		u.RetryCount = e.RetryCount
		u.Error = e.Error
		if e.Terminal && u.Status == StatusPending {
			u.Status = StatusFailed
		}
	case events.ConflictDetected:
		u.RetryCount = e.RetryCount
		u.Error = "conflict pending resolution"
		if u.Status == StatusPending {
			u.Status = StatusFailed
		}
	}
}

// collect drops settled updates past the retention window, and their entity
// states with them.
func (c *Coordinator) collect() {
	cutoff := time.Now().UTC().Add(-c.gcAfter)

	c.mu.Lock()
	for id, u := range c.updates {
		if (u.Status == StatusConfirmed || u.Status == StatusRolledBack) &&
			!u.settledAt.IsZero() && u.settledAt.Before(cutoff) {
			if u.LinkedQueueItemID != nil {
				delete(c.byItem, *u.LinkedQueueItemID)
			}
			delete(c.updates, id)
		}
	}
	active := len(c.updates)
	c.mu.Unlock()

	observability.OptimisticUpdatesActive.Set(float64(active))
}
