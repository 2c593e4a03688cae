// Package priority computes queue ordering scores. The engine is pure: given
// the same item and rule set it always returns the same score and reason, so
// scores can be recomputed lazily at any point without drift.
package priority

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reliefops/fieldsync/internal/fieldpath"
	"github.com/reliefops/fieldsync/internal/queue"
)

// Operator compares a payload field against a rule value.
type Operator string

const (
	OpEquals      Operator = "EQUALS"
	OpGreaterThan Operator = "GREATER_THAN"
	OpContains    Operator = "CONTAINS"
	OpInArray     Operator = "IN_ARRAY"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEquals, OpGreaterThan, OpContains, OpInArray:
		return true
	}
	return false
}

// Condition is one field test inside a rule. Field is a dotted path into the
// item payload.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
	Modifier int      `json:"modifier,omitempty"`
}

// Rule is a named, toggleable contribution to an item's priority score.
type Rule struct {
	ID            uuid.UUID        `json:"id"`
	Name          string           `json:"name"`
	EntityKind    queue.EntityKind `json:"entityKind"`
	Conditions    []Condition      `json:"conditions"`
	ScoreModifier int              `json:"scoreModifier"`
	Active        bool             `json:"active"`
	CreatedBy     string           `json:"createdBy"`
	Position      int64            `json:"-"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Result is the engine's output for one item.
type Result struct {
	Score             int
	Label             queue.PriorityLabel
	Reason            string
	EstimatedSyncTime time.Time
}

// Rough time budget per queued item ahead, used for the sync time estimate.
// The estimate only has to be monotone in the queue-ahead count.
const perItemEstimate = 15 * time.Second

// Compute scores an item against the active rules for its kind. Rules must be
// supplied in insertion order; the reason string follows that order so two
// computations over the same inputs are byte-identical.
func Compute(it *queue.Item, rules []Rule, queueAhead int, now time.Time) Result {
	eta := now.Add(time.Duration(queueAhead+1) * perItemEstimate)

	if mo := it.ManualOverride; mo != nil {
		score := clamp(mo.OverrideScore)
		return Result{
			Score:             score,
			Label:             queue.LabelForScore(score),
			Reason:            "manual override: " + mo.Justification,
			EstimatedSyncTime: eta,
		}
	}

	base := baseline(it.EntityKind, it.Action)
	score := base
	parts := []string{fmt.Sprintf("baseline %d", base)}

	for _, r := range rules {
		if !r.Active || r.EntityKind != it.EntityKind {
			continue
		}
		delta, matched := evaluate(r, it.Payload)
		if !matched {
			continue
		}
		score += delta
		parts = append(parts, fmt.Sprintf("%s %+d", r.Name, delta))
	}

	score = clamp(score)
	return Result{
		Score:             score,
		Label:             queue.LabelForScore(score),
		Reason:            strings.Join(parts, "; "),
		EstimatedSyncTime: eta,
	}
}

// baseline derives the starting score from kind and action, floored at 50.
func baseline(kind queue.EntityKind, action queue.Action) int {
	score := 0
	switch action {
	case queue.ActionCreate:
		score += 20
	case queue.ActionUpdate:
		score += 10
	case queue.ActionDelete:
		score += 30
	}
	switch kind {
	case queue.KindIncident:
		score += 30
	case queue.KindAssessment:
		score += 20
	case queue.KindResponse:
		score += 15
	}
	if score < 50 {
		score = 50
	}
	return score
}

// evaluate returns the rule's total contribution and whether it contributed
// anything. The rule-level modifier requires every condition to hold;
// per-condition modifiers apply for each condition that holds individually,
// so a partially-matching rule still nudges the score by its matched parts.
func evaluate(r Rule, payload map[string]any) (int, bool) {
	if len(r.Conditions) == 0 {
		return r.ScoreModifier, true
	}

	delta := 0
	all := true
	any := false
	for _, c := range r.Conditions {
		if holds(c, payload) {
			any = true
			delta += c.Modifier
		} else {
			all = false
		}
	}
	if all {
		delta += r.ScoreModifier
	}
	return delta, any
}

// holds evaluates one condition. A missing field path is false, never an
// error; a non-numeric GREATER_THAN operand is false.
func holds(c Condition, payload map[string]any) bool {
	v, ok := fieldpath.Lookup(payload, c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return fieldpath.Equal(v, c.Value)

	case OpGreaterThan:
		if ls, lok := v.(string); lok {
			if rs, rok := c.Value.(string); rok {
				return ls > rs
			}
			return false
		}
		ln, lok := fieldpath.Number(v)
		rn, rok := fieldpath.Number(c.Value)
		return lok && rok && ln > rn

	case OpContains:
		switch lv := v.(type) {
		case string:
			s, ok := c.Value.(string)
			return ok && strings.Contains(lv, s)
		case []any:
			for _, el := range lv {
				if fieldpath.Equal(el, c.Value) {
					return true
				}
			}
		}
		return false

	case OpInArray:
		arr, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, el := range arr {
			if fieldpath.Equal(v, el) {
				return true
			}
		}
		return false
	}
	return false
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
