package priority

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefops/fieldsync/internal/queue"
)

func item(kind queue.EntityKind, action queue.Action, payload map[string]any) *queue.Item {
	return &queue.Item{
		ID:         uuid.New(),
		EntityKind: kind,
		Action:     action,
		EntityID:   "e1",
		Payload:    payload,
	}
}

func TestBaseline(t *testing.T) {
	tests := []struct {
		name   string
		kind   queue.EntityKind
		action queue.Action
		want   int
	}{
		{"floor applies to low combos", queue.KindResponse, queue.ActionUpdate, 50},
		{"create incident clears the floor", queue.KindIncident, queue.ActionCreate, 50},
		{"delete incident", queue.KindIncident, queue.ActionDelete, 60},
		{"delete assessment", queue.KindAssessment, queue.ActionDelete, 50},
		{"media create floors", queue.KindMedia, queue.ActionCreate, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(item(tt.kind, tt.action, nil), nil, 0, time.Now())
			assert.Equal(t, tt.want, got.Score)
		})
	}
}

func TestOperators(t *testing.T) {
	payload := map[string]any{
		"status":   "DRAFT",
		"score":    float64(85),
		"notes":    "urgent water shortage",
		"tags":     []any{"water", "health"},
		"location": map[string]any{"region": "north"},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals string", Condition{Field: "status", Operator: OpEquals, Value: "DRAFT"}, true},
		{"equals mismatch", Condition{Field: "status", Operator: OpEquals, Value: "APPROVED"}, false},
		{"equals numeric cross-type", Condition{Field: "score", Operator: OpEquals, Value: 85}, true},
		{"nested path", Condition{Field: "location.region", Operator: OpEquals, Value: "north"}, true},
		{"greater_than numeric", Condition{Field: "score", Operator: OpGreaterThan, Value: float64(80)}, true},
		{"greater_than not met", Condition{Field: "score", Operator: OpGreaterThan, Value: float64(90)}, false},
		{"greater_than lexicographic", Condition{Field: "status", Operator: OpGreaterThan, Value: "APPROVED"}, true},
		{"greater_than non-numeric is false", Condition{Field: "notes", Operator: OpGreaterThan, Value: float64(1)}, false},
		{"contains substring", Condition{Field: "notes", Operator: OpContains, Value: "water"}, true},
		{"contains array membership", Condition{Field: "tags", Operator: OpContains, Value: "health"}, true},
		{"contains array miss", Condition{Field: "tags", Operator: OpContains, Value: "food"}, false},
		{"in_array", Condition{Field: "status", Operator: OpInArray, Value: []any{"DRAFT", "REVIEW"}}, true},
		{"in_array miss", Condition{Field: "status", Operator: OpInArray, Value: []any{"APPROVED"}}, false},
		{"in_array non-array rule value", Condition{Field: "status", Operator: OpInArray, Value: "DRAFT"}, false},
		{"missing field is false", Condition{Field: "severity", Operator: OpEquals, Value: "HIGH"}, false},
		{"missing nested segment is false", Condition{Field: "location.district.name", Operator: OpEquals, Value: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, holds(tt.cond, payload))
		})
	}
}

func TestRuleContributions(t *testing.T) {
	it := item(queue.KindAssessment, queue.ActionUpdate, map[string]any{
		"status": "DRAFT",
		"score":  float64(85),
	})

	fullMatch := Rule{
		Name: "draft-bump", EntityKind: queue.KindAssessment, Active: true,
		ScoreModifier: 10,
		Conditions: []Condition{
			{Field: "status", Operator: OpEquals, Value: "DRAFT", Modifier: 2},
			{Field: "score", Operator: OpGreaterThan, Value: float64(80), Modifier: 3},
		},
	}

	got := Compute(it, []Rule{fullMatch}, 0, time.Now())
	// baseline 50 + rule 10 + per-condition 2 + 3
	assert.Equal(t, 65, got.Score)
	assert.Contains(t, got.Reason, "draft-bump +15")

	// Partial match: rule-level modifier withheld, matched condition still counts
	partial := fullMatch
	partial.Name = "partial"
	partial.Conditions = []Condition{
		{Field: "status", Operator: OpEquals, Value: "DRAFT", Modifier: 4},
		{Field: "score", Operator: OpGreaterThan, Value: float64(90), Modifier: 7},
	}
	got = Compute(it, []Rule{partial}, 0, time.Now())
	assert.Equal(t, 54, got.Score)
	assert.Contains(t, got.Reason, "partial +4")

	// No condition holds: the rule leaves no trace in the reason
	miss := fullMatch
	miss.Name = "miss"
	miss.Conditions = []Condition{{Field: "status", Operator: OpEquals, Value: "APPROVED"}}
	got = Compute(it, []Rule{miss}, 0, time.Now())
	assert.Equal(t, 50, got.Score)
	assert.NotContains(t, got.Reason, "miss")
}

func TestRuleScopingAndToggle(t *testing.T) {
	it := item(queue.KindAssessment, queue.ActionUpdate, map[string]any{"status": "DRAFT"})

	otherKind := Rule{Name: "incidents-only", EntityKind: queue.KindIncident, Active: true, ScoreModifier: 40}
	inactive := Rule{Name: "switched-off", EntityKind: queue.KindAssessment, Active: false, ScoreModifier: 40}

	got := Compute(it, []Rule{otherKind, inactive}, 0, time.Now())
	assert.Equal(t, 50, got.Score)
}

func TestNegativeModifierAndClamp(t *testing.T) {
	it := item(queue.KindIncident, queue.ActionDelete, map[string]any{"severity": "LOW"})

	demote := Rule{
		Name: "low-severity-demote", EntityKind: queue.KindIncident, Active: true,
		ScoreModifier: -100,
		Conditions:    []Condition{{Field: "severity", Operator: OpEquals, Value: "LOW"}},
	}
	got := Compute(it, []Rule{demote}, 0, time.Now())
	assert.Equal(t, 0, got.Score)
	assert.Equal(t, queue.LabelLow, got.Label)

	boost := Rule{Name: "surge", EntityKind: queue.KindIncident, Active: true, ScoreModifier: 90}
	got = Compute(it, []Rule{boost}, 0, time.Now())
	assert.Equal(t, 100, got.Score)
	assert.Equal(t, queue.LabelCritical, got.Label)
}

func TestManualOverrideReplacesScore(t *testing.T) {
	it := item(queue.KindResponse, queue.ActionUpdate, nil)
	it.ManualOverride = &queue.ManualOverride{
		CoordinatorID: "coordA",
		OriginalScore: 55,
		OverrideScore: 95,
		Justification: "Emergency",
		Timestamp:     time.Now(),
	}

	boost := Rule{Name: "ignored-under-override", EntityKind: queue.KindResponse, Active: true, ScoreModifier: -30}
	got := Compute(it, []Rule{boost}, 0, time.Now())

	assert.Equal(t, 95, got.Score)
	assert.Equal(t, queue.LabelCritical, got.Label)
	assert.Equal(t, "manual override: Emergency", got.Reason)
}

func TestComputeIsIdempotent(t *testing.T) {
	it := item(queue.KindAssessment, queue.ActionCreate, map[string]any{
		"status": "DRAFT", "riskLevel": "HIGH",
	})
	rules := []Rule{
		{Name: "a", EntityKind: queue.KindAssessment, Active: true, ScoreModifier: 5,
			Conditions: []Condition{{Field: "status", Operator: OpEquals, Value: "DRAFT", Modifier: 1}}},
		{Name: "b", EntityKind: queue.KindAssessment, Active: true, ScoreModifier: 7,
			Conditions: []Condition{{Field: "riskLevel", Operator: OpInArray, Value: []any{"HIGH", "CRITICAL"}, Modifier: 2}}},
	}

	now := time.Now()
	first := Compute(it, rules, 3, now)
	second := Compute(it, rules, 3, now)
	require.Equal(t, first, second)

	// Reason follows rule insertion order
	assert.Regexp(t, `baseline 50; a \+6; b \+9`, first.Reason)
	assert.Equal(t, 65, first.Score)
}

func TestEstimateMonotoneInQueueAhead(t *testing.T) {
	it := item(queue.KindMedia, queue.ActionCreate, nil)
	now := time.Now()

	prev := Compute(it, nil, 0, now).EstimatedSyncTime
	for ahead := 1; ahead < 10; ahead++ {
		cur := Compute(it, nil, ahead, now).EstimatedSyncTime
		assert.True(t, cur.After(prev), "estimate must grow with queue-ahead count")
		prev = cur
	}
}
