// Package events is the in-process feed of sync outcomes. The engine
// publishes, the optimistic coordinator and SSE subscribers consume.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reliefops/fieldsync/internal/queue"
)

// Kind tags an event.
type Kind string

const (
	ItemSynced       Kind = "ITEM_SYNCED"
	ItemFailed       Kind = "ITEM_FAILED"
	ConflictDetected Kind = "CONFLICT_DETECTED"
	ConflictResolved Kind = "CONFLICT_RESOLVED"
)

// Event describes one sync outcome.
type Event struct {
	Kind       Kind             `json:"kind"`
	ItemID     uuid.UUID        `json:"itemId,omitempty"`
	EntityKind queue.EntityKind `json:"entityKind,omitempty"`
	EntityID   string           `json:"entityId,omitempty"`
	ConflictID *uuid.UUID       `json:"conflictId,omitempty"`
	Error      string           `json:"error,omitempty"`
	RetryCount int              `json:"retryCount,omitempty"`
	Terminal   bool             `json:"terminal,omitempty"`
	At         time.Time        `json:"at"`
}

// Bus is a small fan-out pub/sub. Publish never blocks: a subscriber that
// stops draining loses events rather than stalling the sync workers.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}}
}

// Publish delivers the event to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered subscriber. The returned cancel func must be
// called to release the subscription; the channel closes afterwards.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}
