package queue

import (
	"time"

	"github.com/google/uuid"
)

// EntityKind identifies the class of record a mutation targets.
type EntityKind string

const (
	KindAssessment EntityKind = "ASSESSMENT"
	KindResponse   EntityKind = "RESPONSE"
	KindIncident   EntityKind = "INCIDENT"
	KindEntity     EntityKind = "ENTITY"
	KindMedia      EntityKind = "MEDIA"
)

// Valid reports whether k is one of the known entity kinds.
func (k EntityKind) Valid() bool {
	switch k {
	case KindAssessment, KindResponse, KindIncident, KindEntity, KindMedia:
		return true
	}
	return false
}

// Collection returns the REST collection segment for the kind.
func (k EntityKind) Collection() string {
	switch k {
	case KindAssessment:
		return "assessments"
	case KindResponse:
		return "responses"
	case KindIncident:
		return "incidents"
	case KindEntity:
		return "entities"
	case KindMedia:
		return "media"
	}
	return ""
}

// Action is the mutation verb carried by a queue item.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// PriorityLabel buckets a numeric score for display and filtering.
type PriorityLabel string

const (
	LabelCritical PriorityLabel = "CRITICAL"
	LabelHigh     PriorityLabel = "HIGH"
	LabelNormal   PriorityLabel = "NORMAL"
	LabelLow      PriorityLabel = "LOW"
)

// LabelForScore derives the display label from a clamped score.
func LabelForScore(score int) PriorityLabel {
	switch {
	case score >= 70:
		return LabelCritical
	case score >= 40:
		return LabelHigh
	case score >= 20:
		return LabelNormal
	}
	return LabelLow
}

// Status is the derived sync state of a queue item. It is never stored: it is
// computed from attempt bookkeeping so the stored record can't disagree with it.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSyncing Status = "SYNCING"
	StatusFailed  Status = "FAILED"
	StatusBlocked Status = "BLOCKED"
)

// ManualOverride is a coordinator-supplied replacement of the computed score.
type ManualOverride struct {
	CoordinatorID string    `json:"coordinatorId"`
	OriginalScore int       `json:"originalScore"`
	OverrideScore int       `json:"overrideScore"`
	Justification string    `json:"justification"`
	Timestamp     time.Time `json:"timestamp"`
}

// Item is one durable pending local mutation.
type Item struct {
	ID                uuid.UUID       `json:"id"`
	EntityKind        EntityKind      `json:"entityKind"`
	Action            Action          `json:"action"`
	EntityID          string          `json:"entityId"`
	Payload           map[string]any  `json:"payload"`
	PriorityLabel     PriorityLabel   `json:"priorityLabel"`
	PriorityScore     int             `json:"priorityScore"`
	PriorityReason    string          `json:"priorityReason"`
	ManualOverride    *ManualOverride `json:"manualOverride,omitempty"`
	EstimatedSyncTime *time.Time      `json:"estimatedSyncTime,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	LastAttemptAt     *time.Time      `json:"lastAttemptAt,omitempty"`
	RetryCount        int             `json:"retryCount"`
	MaxRetries        int             `json:"maxRetries"`
	LastError         string          `json:"lastError,omitempty"`

	// Attempt coordination, managed by the store and the sync engine.
	NextAttemptAt     *time.Time `json:"nextAttemptAt,omitempty"`
	LeaseOwner        string     `json:"-"`
	LeaseExpiresAt    *time.Time `json:"-"`
	BlockedByConflict *uuid.UUID `json:"blockedByConflict,omitempty"`

	// RowVersion guards compare-and-set updates on the stored record.
	RowVersion int `json:"-"`
}

// Terminal reports whether the item exhausted its retry budget. Terminal items
// stay in the queue, badged for the operator, until retried or removed.
func (it *Item) Terminal() bool {
	return it.MaxRetries > 0 && it.RetryCount >= it.MaxRetries
}

// Status derives the surfaced state from attempt bookkeeping and lease state.
func (it *Item) Status(now time.Time) Status {
	if it.BlockedByConflict != nil {
		return StatusBlocked
	}
	if it.LeaseExpiresAt != nil && it.LeaseExpiresAt.After(now) {
		return StatusSyncing
	}
	if it.LastError != "" && it.RetryCount > 0 {
		return StatusFailed
	}
	return StatusPending
}

// Filter restricts a Scan. Zero values match everything.
type Filter struct {
	EntityKind    EntityKind
	EntityID      string
	PriorityLabel PriorityLabel
	Status        Status
	Limit         int
}

// Summary is the aggregate queue view surfaced to consumers.
type Summary struct {
	Total         int                   `json:"total"`
	ByStatus      map[Status]int        `json:"byStatus"`
	ByLabel       map[PriorityLabel]int `json:"byLabel"`
	OldestPending *time.Time            `json:"oldestPending,omitempty"`
	LastUpdated   *time.Time            `json:"lastUpdated,omitempty"`
}
