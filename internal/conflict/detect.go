package conflict

import (
	"sort"
	"time"

	"github.com/reliefops/fieldsync/internal/fieldpath"
	"github.com/reliefops/fieldsync/internal/queue"
)

// criticalFields are the per-kind fields whose divergence constitutes a
// field-level conflict. Payloads are otherwise opaque.
var criticalFields = map[queue.EntityKind][]string{
	queue.KindAssessment: {"status", "priority", "assignedTo", "notes", "score", "riskLevel", "recommendations", "checklist"},
	queue.KindResponse:   {"status", "priority", "assignedTo", "notes", "responseType", "resources", "timeline", "approvalStatus"},
	queue.KindIncident:   {"status", "priority", "assignedTo", "notes", "severity", "location", "casualties", "resources"},
	queue.KindEntity:     {"status", "priority", "assignedTo", "notes", "entityData", "metadata"},
}

// CriticalFields returns the comparison set for a kind. Kinds without a
// declared set (MEDIA) only ever produce timestamp conflicts.
func CriticalFields(kind queue.EntityKind) []string {
	return criticalFields[kind]
}

var (
	identityFields = map[string]bool{"entityId": true, "entityType": true, "id": true, "userId": true}
	highFields     = map[string]bool{"status": true, "priority": true, "assignedTo": true, "approvalStatus": true, "severity": true}
	mediumFields   = map[string]bool{"score": true, "riskLevel": true, "responseType": true, "resources": true, "timeline": true}
)

// Detection is the classification of one local/server divergence.
type Detection struct {
	Type           Type
	Severity       Severity
	ConflictFields []string
}

// Detect compares a local payload against the server version of the same
// entity. Returns (nil, false) when the local change can be applied without
// coordination.
//
// A conflict only exists when the server record is strictly newer than the
// local base: an older server copy is simply overwritten by the merge PUT.
// Within the concurrent-edit threshold the divergence is classified
// CONCURRENT_EDIT (both sides edited near-simultaneously); beyond it, a
// critical-field divergence is FIELD_LEVEL and anything else TIMESTAMP.
// Classification is deterministic in (local, server, threshold).
func Detect(kind queue.EntityKind, local, server map[string]any, threshold time.Duration) (*Detection, bool) {
	localAt, _ := fieldpath.UpdatedAt(local)
	serverAt, _ := fieldpath.UpdatedAt(server)

	if !serverAt.After(localAt) {
		return nil, false
	}

	fields := diffCriticalFields(kind, local, server)
	dt := serverAt.Sub(localAt)

	var typ Type
	switch {
	case dt <= threshold:
		typ = TypeConcurrentEdit
	case len(fields) > 0:
		typ = TypeFieldLevel
	default:
		typ = TypeTimestamp
	}

	return &Detection{
		Type:           typ,
		Severity:       classifySeverity(typ, fields),
		ConflictFields: fields,
	}, true
}

// diffCriticalFields returns the critical fields that differ, sorted for
// deterministic output. A field missing on one side counts as unequal; missing
// on both sides is equal.
func diffCriticalFields(kind queue.EntityKind, local, server map[string]any) []string {
	fields := []string{}
	for _, f := range criticalFields[kind] {
		lv, lok := fieldpath.Lookup(local, f)
		sv, sok := fieldpath.Lookup(server, f)
		if !lok && !sok {
			continue
		}
		if lok != sok || !fieldpath.Equal(lv, sv) {
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)
	return fields
}

// classifySeverity applies the triage ladder, first match wins.
func classifySeverity(typ Type, fields []string) Severity {
	for _, f := range fields {
		if identityFields[f] {
			return SeverityCritical
		}
	}
	for _, f := range fields {
		if highFields[f] {
			return SeverityHigh
		}
	}
	for _, f := range fields {
		if mediumFields[f] {
			return SeverityMedium
		}
	}
	if typ == TypeConcurrentEdit {
		if len(fields) > 3 {
			return SeverityHigh
		}
		return SeverityMedium
	}
	return SeverityLow
}
