// Package engine drives queued mutations to their terminal states: applied
// upstream, parked behind a conflict, or failed out of retries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reliefops/fieldsync/internal/conflict"
	"github.com/reliefops/fieldsync/internal/events"
	"github.com/reliefops/fieldsync/internal/fieldpath"
	"github.com/reliefops/fieldsync/internal/observability"
	"github.com/reliefops/fieldsync/internal/queue"
	"github.com/reliefops/fieldsync/internal/remote"
)

// QueueStore is the slice of the durable queue the engine drives.
type QueueStore interface {
	ClaimNext(ctx context.Context, owner string, leaseTTL time.Duration) (*queue.Item, error)
	Remove(ctx context.Context, id uuid.UUID) error
	Release(ctx context.Context, id uuid.UUID, owner string) error
	MarkAttempt(ctx context.Context, id uuid.UUID, attemptAt time.Time, attemptErr string, nextAttempt *time.Time) error
	MarkTerminal(ctx context.Context, id uuid.UUID, attemptAt time.Time, attemptErr string) error
	MarkBlocked(ctx context.Context, id, conflictID uuid.UUID) error
}

// ConflictRegistry receives detected conflicts.
type ConflictRegistry interface {
	Create(ctx context.Context, c *conflict.Conflict) error
}

// EntityClient is the upstream REST surface the engine needs.
type EntityClient interface {
	GetEntity(ctx context.Context, kind queue.EntityKind, entityID string) (map[string]any, error)
	CreateEntity(ctx context.Context, kind queue.EntityKind, record map[string]any, requestID string) (map[string]any, error)
	UpdateEntity(ctx context.Context, kind queue.EntityKind, entityID string, record map[string]any, requestID string) (map[string]any, error)
}

// Options tune one engine instance.
type Options struct {
	Workers       int
	LeaseTimeout  time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	EditThreshold time.Duration
	PollInterval  time.Duration
	DetectedBy    string
}

func (o *Options) fillDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = time.Minute
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = time.Minute
	}
	if o.EditThreshold <= 0 {
		o.EditThreshold = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.DetectedBy == "" {
		o.DetectedBy = "sync-engine"
	}
}

// Engine owns the background workers.
type Engine struct {
	queue     QueueStore
	conflicts ConflictRegistry
	client    EntityClient
	bus       *events.Bus
	opts      Options
}

// New wires an engine. All state lives in the injected stores; the engine
// itself is stateless and safe to restart.
func New(q QueueStore, conflicts ConflictRegistry, client EntityClient, bus *events.Bus, opts Options) *Engine {
	opts.fillDefaults()
	return &Engine{queue: q, conflicts: conflicts, client: client, bus: bus, opts: opts}
}

// Run blocks until ctx is cancelled, operating opts.Workers claim loops.
func (e *Engine) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < e.opts.Workers; i++ {
		owner := fmt.Sprintf("worker-%d-%s", i, uuid.New().String()[:8])
		go func() {
			defer func() { done <- struct{}{} }()
			e.workerLoop(ctx, owner)
		}()
	}
	for i := 0; i < e.opts.Workers; i++ {
		<-done
	}
	log.Info().Msg("sync engine stopped")
}

func (e *Engine) workerLoop(ctx context.Context, owner string) {
	logger := log.With().Str("worker", owner).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		it, err := e.queue.ClaimNext(ctx, owner, e.opts.LeaseTimeout)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("claim failed")
			}
			e.sleep(ctx, e.opts.PollInterval)
			continue
		}
		if it == nil {
			e.sleep(ctx, e.opts.PollInterval)
			continue
		}

		e.ProcessItem(ctx, it)
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ProcessItem runs the per-item protocol against a claimed item: fetch server
// version, detect conflicts, apply or park or reschedule. The lease is always
// relinquished by one of the outcome paths.
func (e *Engine) ProcessItem(ctx context.Context, it *queue.Item) {
	start := time.Now()
	defer func() {
		observability.SyncDuration.WithLabelValues(string(it.EntityKind)).Observe(time.Since(start).Seconds())
	}()

	logger := log.With().
		Str("itemId", it.ID.String()).
		Str("entityKind", string(it.EntityKind)).
		Str("entityId", it.EntityID).
		Str("action", string(it.Action)).
		Logger()

	server, err := e.client.GetEntity(ctx, it.EntityKind, it.EntityID)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		e.applyToAbsent(ctx, it, &logger)
		return
	case err != nil:
		e.fail(ctx, it, err, &logger)
		return
	}

	// Server has a copy: coordinate before writing over it
	if det, found := conflict.Detect(it.EntityKind, it.Payload, server, e.opts.EditThreshold); found {
		e.recordConflict(ctx, it, server, det, &logger)
		return
	}

	merged := mergeForPut(it, server)
	applied, err := e.client.UpdateEntity(ctx, it.EntityKind, it.EntityID, merged, it.ID.String())
	if errors.Is(err, remote.ErrConflict) {
		// The server rejected the version we read moments ago; re-fetch and
		// record the skew as a conflict for a coordinator
		latest, ferr := e.client.GetEntity(ctx, it.EntityKind, it.EntityID)
		if ferr != nil {
			e.fail(ctx, it, err, &logger)
			return
		}
		det, found := conflict.Detect(it.EntityKind, it.Payload, latest, e.opts.EditThreshold)
		if !found {
			det = &conflict.Detection{Type: conflict.TypeTimestamp, Severity: conflict.SeverityLow, ConflictFields: []string{}}
		}
		e.recordConflict(ctx, it, latest, det, &logger)
		return
	}
	if err != nil {
		e.fail(ctx, it, err, &logger)
		return
	}

	e.succeed(ctx, it, applied, &logger)
}

// applyToAbsent handles the entity-missing-upstream paths: creates push the
// payload, deletes are already satisfied, updates upsert what we have.
func (e *Engine) applyToAbsent(ctx context.Context, it *queue.Item, logger *zerolog.Logger) {
	if it.Action == queue.ActionDelete {
		logger.Debug().Msg("entity already absent upstream; delete satisfied")
		e.succeed(ctx, it, nil, logger)
		return
	}

	record := clone(it.Payload)
	record["id"] = it.EntityID
	created, err := e.client.CreateEntity(ctx, it.EntityKind, record, it.ID.String())
	if err != nil {
		e.fail(ctx, it, err, logger)
		return
	}
	e.succeed(ctx, it, created, logger)
}

// mergeForPut builds the record pushed upstream when no conflict exists: the
// server version with the local payload overlaid, a fresh updatedAt, and the
// next version counter. Deletes overlay a tombstone instead of payload fields.
func mergeForPut(it *queue.Item, server map[string]any) map[string]any {
	out := clone(server)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if it.Action == queue.ActionDelete {
		out["deletedAt"] = now
	} else {
		for k, v := range it.Payload {
			if k == "version" || k == "updatedAt" {
				continue
			}
			out[k] = v
		}
	}
	out["updatedAt"] = now
	out["version"] = fieldpath.Version(server) + 1
	return out
}

// succeed removes the item only after the server ack: the apply + removal pair
// must look atomic, and the idempotency key makes a crashed gap harmless.
func (e *Engine) succeed(ctx context.Context, it *queue.Item, applied map[string]any, logger *zerolog.Logger) {
	if err := e.queue.Remove(ctx, it.ID); err != nil {
		// The ack is durable upstream; the next attempt re-applies under the
		// same idempotency key and removal retries then
		logger.Error().Err(err).Msg("failed to remove synced item; will retry removal")
		return
	}

	observability.SyncAttemptsTotal.WithLabelValues(string(it.EntityKind), "applied").Inc()
	logger.Info().Int("version", fieldpath.Version(applied)).Msg("mutation applied upstream")
	e.bus.Publish(events.Event{
		Kind:       events.ItemSynced,
		ItemID:     it.ID,
		EntityKind: it.EntityKind,
		EntityID:   it.EntityID,
	})
}

func (e *Engine) recordConflict(ctx context.Context, it *queue.Item, server map[string]any, det *conflict.Detection, logger *zerolog.Logger) {
	c := &conflict.Conflict{
		EntityKind:     it.EntityKind,
		EntityID:       it.EntityID,
		Type:           det.Type,
		Severity:       det.Severity,
		LocalVersion:   it.Payload,
		ServerVersion:  server,
		ConflictFields: det.ConflictFields,
		DetectedBy:     e.opts.DetectedBy,
	}
	if err := e.conflicts.Create(ctx, c); err != nil {
		e.fail(ctx, it, fmt.Errorf("register conflict: %w", err), logger)
		return
	}
	if err := e.queue.MarkBlocked(ctx, it.ID, c.ID); err != nil {
		logger.Error().Err(err).Str("conflictId", c.ID.String()).Msg("failed to block item behind conflict")
	}

	observability.SyncAttemptsTotal.WithLabelValues(string(it.EntityKind), "conflict").Inc()
	observability.ConflictsDetectedTotal.WithLabelValues(string(det.Type), string(det.Severity)).Inc()
	logger.Warn().
		Str("conflictId", c.ID.String()).
		Str("type", string(det.Type)).
		Str("severity", string(det.Severity)).
		Strs("fields", det.ConflictFields).
		Msg("conflict detected")

	cid := c.ID
	e.bus.Publish(events.Event{
		Kind:       events.ConflictDetected,
		ItemID:     it.ID,
		EntityKind: it.EntityKind,
		EntityID:   it.EntityID,
		ConflictID: &cid,
		RetryCount: it.RetryCount,
	})
}

// fail books the attempt. Transient errors reschedule with jittered
// exponential backoff until the retry budget runs out; permanent rejections
// go terminal immediately.
func (e *Engine) fail(ctx context.Context, it *queue.Item, attemptErr error, logger *zerolog.Logger) {
	now := time.Now().UTC()
	// Only an explicit upstream rejection is unretryable; infrastructure
	// hiccups get the same backoff treatment as network errors
	rejected := errors.Is(attemptErr, remote.ErrRejected)
	attempts := it.RetryCount + 1
	terminal := rejected || attempts >= it.MaxRetries

	var err error
	if terminal {
		err = e.queue.MarkTerminal(ctx, it.ID, now, attemptErr.Error())
		if rejected {
			observability.SyncAttemptsTotal.WithLabelValues(string(it.EntityKind), "rejected").Inc()
		} else {
			observability.SyncAttemptsTotal.WithLabelValues(string(it.EntityKind), "terminal").Inc()
		}
	} else {
		next := now.Add(e.backoffDelay(it.RetryCount))
		err = e.queue.MarkAttempt(ctx, it.ID, now, attemptErr.Error(), &next)
		observability.SyncAttemptsTotal.WithLabelValues(string(it.EntityKind), "retry").Inc()
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to record attempt outcome")
	}

	evt := logger.Warn().Err(attemptErr).Int("retryCount", attempts).Bool("terminal", terminal)
	if terminal {
		evt.Msg("sync attempt failed; item terminal")
	} else {
		evt.Msg("sync attempt failed; rescheduled")
	}

	e.bus.Publish(events.Event{
		Kind:       events.ItemFailed,
		ItemID:     it.ID,
		EntityKind: it.EntityKind,
		EntityID:   it.EntityID,
		Error:      attemptErr.Error(),
		RetryCount: attempts,
		Terminal:   terminal,
	})
}

// backoffDelay is base*2^retry with ±25% jitter, capped.
func (e *Engine) backoffDelay(retry int) time.Duration {
	d := e.opts.BackoffBase << uint(retry)
	if d > e.opts.BackoffMax || d <= 0 {
		d = e.opts.BackoffMax
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
