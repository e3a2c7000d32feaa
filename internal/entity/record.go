// Package entity implements the Entity Normalizer (spec.md §4.1): a set of
// pure, panic-free functions that tolerantly extract typed fields from the
// cloud plane's loosely-typed records and produce a MissionControlNode.
// Every function here accepts both snake_case and camelCase key aliases and
// never raises — absent or malformed fields simply yield the documented
// zero value.
package entity

import (
	"strconv"
	"strings"
	"time"
)

// Type enumerates the cloud-plane entity kinds the normalizer recognizes.
type Type string

// Recognized entity types (spec.md §3).
const (
	TypeInitiative Type = "initiative"
	TypeWorkstream Type = "workstream"
	TypeMilestone  Type = "milestone"
	TypeTask       Type = "task"
	TypeDecision   Type = "decision"
	TypeArtifact   Type = "artifact"
	TypeAgent      Type = "agent"
)

// Record is a loosely-typed entity as returned by the cloud plane: a single
// JSON object whose field names may be snake_case or camelCase and whose
// `metadata` field, when present, may shadow or supplement top-level fields.
type Record map[string]any

// metadata returns the nested metadata object, if any, as a Record so alias
// lookups can fall through into it uniformly.
func (r Record) metadata() Record {
	if r == nil {
		return nil
	}
	m, ok := r["metadata"]
	if !ok {
		return nil
	}
	asMap, ok := m.(map[string]any)
	if !ok {
		return nil
	}
	return Record(asMap)
}

// PickString returns the first non-empty, trimmed string found under any of
// keys, checking the top-level record first and then its nested metadata
// object. Absent or all-empty fields yield "".
func PickString(rec Record, keys []string) string {
	if rec == nil {
		return ""
	}
	for _, k := range keys {
		if v := stringField(rec, k); v != "" {
			return v
		}
	}
	if md := rec.metadata(); md != nil {
		for _, k := range keys {
			if v := stringField(md, k); v != "" {
				return v
			}
		}
	}
	return ""
}

func stringField(rec Record, key string) string {
	v, ok := rec[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// PickNumber returns the first finite numeric value found under any of keys,
// accepting both JSON numbers and strings that parse as a finite number. The
// bool result reports whether a value was found.
func PickNumber(rec Record, keys []string) (float64, bool) {
	if rec == nil {
		return 0, false
	}
	if f, ok := numberField(rec, keys); ok {
		return f, true
	}
	if md := rec.metadata(); md != nil {
		if f, ok := numberField(md, keys); ok {
			return f, true
		}
	}
	return 0, false
}

func numberField(rec Record, keys []string) (float64, bool) {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case string:
			s := strings.TrimSpace(n)
			if s == "" {
				continue
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				continue
			}
			return f, true
		}
	}
	return 0, false
}

// PickStringArray returns the deduplicated, trimmed, non-empty members of
// the first array or comma-separated string found under any of keys.
func PickStringArray(rec Record, keys []string) []string {
	if rec == nil {
		return nil
	}
	if out := stringArrayField(rec, keys); out != nil {
		return out
	}
	if md := rec.metadata(); md != nil {
		if out := stringArrayField(md, keys); out != nil {
			return out
		}
	}
	return nil
}

func stringArrayField(rec Record, keys []string) []string {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok || v == nil {
			continue
		}
		switch arr := v.(type) {
		case []any:
			return dedupeNonEmpty(toStrings(arr))
		case []string:
			return dedupeNonEmpty(arr)
		case string:
			if strings.TrimSpace(arr) == "" {
				continue
			}
			return dedupeNonEmpty(strings.Split(arr, ","))
		}
	}
	return nil
}

func toStrings(in []any) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func dedupeNonEmpty(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ToISOString parses s as a timestamp (RFC3339 or Unix epoch, seconds or
// milliseconds) and re-emits it as ISO-8601. It returns ok=false when s
// cannot be parsed as any recognized timestamp form.
func ToISOString(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().Format(time.RFC3339), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Format(time.RFC3339), true
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		switch {
		case n > 1_000_000_000_000: // milliseconds
			return time.UnixMilli(n).UTC().Format(time.RFC3339), true
		case n > 0:
			return time.Unix(n, 0).UTC().Format(time.RFC3339), true
		}
	}
	return "", false
}
