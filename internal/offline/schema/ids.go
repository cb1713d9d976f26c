package schema

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// TemporaryIDPrefix marks ids generated locally for documents created offline.
const TemporaryIDPrefix = "temp_"

// NewTemporaryID returns a fresh placeholder id for a document created offline.
func NewTemporaryID() string {
	return TemporaryIDPrefix + uuid.NewString()
}

// IsTemporaryID reports whether id was generated by NewTemporaryID (or follows
// the same convention, e.g. "temp_1").
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryIDPrefix) && len(id) > len(TemporaryIDPrefix)
}

// TemporaryIDs returns the distinct temporary ids referenced anywhere in data,
// sorted for deterministic lookups.
func TemporaryIDs(data map[string]any) []string {
	seen := make(map[string]bool)
	collectTemporaryIDs(data, seen)

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func collectTemporaryIDs(v any, seen map[string]bool) {
	switch val := v.(type) {
	case string:
		if IsTemporaryID(val) {
			seen[val] = true
		}
	case map[string]any:
		for _, child := range val {
			collectTemporaryIDs(child, seen)
		}
	case []any:
		for _, child := range val {
			collectTemporaryIDs(child, seen)
		}
	}
}

// RewriteReferences returns a deep copy of data in which every string value
// equal to from is replaced by to. Map keys are left alone. The boolean
// reports whether any value was replaced.
func RewriteReferences(data map[string]any, from, to string) (map[string]any, bool) {
	if data == nil {
		return nil, false
	}
	out, changed := rewriteValue(data, from, to)
	return out.(map[string]any), changed
}

func rewriteValue(v any, from, to string) (any, bool) {
	switch val := v.(type) {
	case string:
		if val == from {
			return to, true
		}
		return val, false
	case map[string]any:
		changed := false
		out := make(map[string]any, len(val))
		for k, child := range val {
			nv, c := rewriteValue(child, from, to)
			out[k] = nv
			changed = changed || c
		}
		return out, changed
	case []any:
		changed := false
		out := make([]any, len(val))
		for i, child := range val {
			nv, c := rewriteValue(child, from, to)
			out[i] = nv
			changed = changed || c
		}
		return out, changed
	default:
		return v, false
	}
}
