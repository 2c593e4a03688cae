package fieldpath

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Lookup resolves a dotted field path ("assessment.riskLevel") against a payload.
// Returns (nil, false) when any segment is missing or a non-map is traversed.
// Payloads are open objects; callers never introspect them except through paths.
func Lookup(payload map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	cur := any(payload)
	for _, seg := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// asMap accepts the map shape JSON decoding produces, map[string]any (the
// same type as the map[string]interface{} protobuf Struct.AsMap() returns)
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	}
	return nil, false
}

// GetString safely extracts a string value from a map
func GetString(m map[string]any, k string) (string, bool) {
	if v, ok := m[k]; ok {
		if s, ok2 := v.(string); ok2 {
			return s, true
		}
	}
	return "", false
}

// GetMap safely extracts a nested map from a map
func GetMap(m map[string]any, k string) (map[string]any, bool) {
	if v, ok := m[k]; ok {
		return asMap(v)
	}
	return nil, false
}

// Number coerces the numeric shapes JSON decoding produces into a float64.
// String values parse as numbers when they are numeric; everything else is not
// a number.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// Equal compares two payload values structurally: maps by key set, arrays
// element-wise in order, scalars after numeric normalization. The result never
// depends on map key ordering.
func Equal(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	if am, ok := asMap(a); ok {
		bm, ok := asMap(b)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}

	if as, ok := a.([]any); ok {
		bs, ok := b.([]any)
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !Equal(as[i], bs[i]) {
				return false
			}
		}
		return true
	}

	// Numeric normalization: JSON round-trips can hand back float64 for values
	// written as int. Strings stay strings so "1" and 1 never compare equal.
	_, aStr := a.(string)
	_, bStr := b.(string)
	if !aStr && !bStr {
		if an, ok := Number(a); ok {
			if bn, ok2 := Number(b); ok2 {
				return an == bn
			}
			return false
		}
	}

	return a == b
}

// ParseTimeToMs converts various time formats to Unix milliseconds
// Accepts: RFC3339, numeric milliseconds (as string), empty (returns 0)
func ParseTimeToMs(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().UnixMilli(), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().UnixMilli(), true
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, true
	}

	return 0, false
}

// UpdatedAt extracts the record timestamp from a payload, trying the field
// names clients are known to send.
func UpdatedAt(payload map[string]any) (time.Time, bool) {
	for _, k := range []string{"updatedAt", "updatedTs", "updateTime"} {
		if s, ok := GetString(payload, k); ok {
			if ms, ok2 := ParseTimeToMs(s); ok2 {
				return time.UnixMilli(ms).UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// Version extracts the server version counter from a payload, 0 when absent.
func Version(payload map[string]any) int {
	if v, ok := payload["version"]; ok {
		if n, ok2 := Number(v); ok2 {
			return int(n)
		}
	}
	return 0
}

// RFC3339 converts Unix milliseconds to RFC3339 timestamp string
func RFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// NowMs returns current Unix milliseconds timestamp (UTC)
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}
