// Package store implements the entity and relationship stores on top of the
// graph backend. Both stores speak flat property maps at the storage
// boundary: scalars stay native, complex values are serialized to JSON
// strings, and timestamps travel as ISO-8601 UTC.
package store

import (
	"encoding/json"
	"strings"
	"time"

	"codegraph-backend/internal/domain"
)

// reservedEntityKeys are node properties owned by the common Entity fields
// rather than the free-form Props map.
var reservedEntityKeys = map[string]struct{}{
	"id": {}, "type": {}, "created": {}, "lastModified": {},
	"path": {}, "language": {}, "hash": {}, "name": {}, "signature": {},
	"docstring": {}, "content": {}, "line": {}, "column": {},
	"embedding": {},
}

// encodeValue prepares one property value for storage.
func encodeValue(v any) any {
	switch val := v.(type) {
	case nil, bool, string, int, int32, int64, float32, float64:
		return val
	case time.Time:
		return domain.FormatTime(val)
	case []string:
		return val
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// decodeValue reverses encodeValue on read: strings holding JSON objects or
// arrays are expanded back into structures, everything else passes through.
func decodeValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return v
	}
	var out any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return v
	}
	return out
}

func parseTime(v any) time.Time {
	switch val := v.(type) {
	case time.Time:
		return val.UTC()
	case string:
		if ts, err := domain.ParseTime(val); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func parseTimePtr(v any) *time.Time {
	ts := parseTime(v)
	if ts.IsZero() {
		return nil
	}
	return &ts
}

func asInt(v any) int {
	switch val := v.(type) {
	case int64:
		return int(val)
	case int:
		return val
	case float64:
		return int(val)
	}
	return 0
}

func asInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	}
	return 0
}

func asFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case int:
		return float64(val)
	}
	return 0
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
