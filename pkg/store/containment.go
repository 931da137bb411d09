package store

import (
	"encoding/json"
	"reflect"
)

// ContainmentFilter is the strategy for evaluating "metadata document A
// contains sub-document B". It is selected once at store construction:
// indexed backends push containment into the query, fallback backends
// apply the in-process check to the fetched candidate set.
type ContainmentFilter interface {
	// Native reports whether the backend evaluates containment itself.
	Native() bool

	// Match applies the in-process containment check.
	Match(doc, sub map[string]any) bool
}

// NativeContainment marks a backend with native structured-document
// indexing (e.g. Postgres JSONB @>). Match still runs the in-process
// check so equivalence can be asserted against the fallback profile.
var NativeContainment ContainmentFilter = nativeContainment{}

// ProcessContainment applies the recursive in-process containment check.
var ProcessContainment ContainmentFilter = processContainment{}

type nativeContainment struct{}

func (nativeContainment) Native() bool                       { return true }
func (nativeContainment) Match(doc, sub map[string]any) bool { return Contains(doc, sub) }

type processContainment struct{}

func (processContainment) Native() bool                       { return false }
func (processContainment) Match(doc, sub map[string]any) bool { return Contains(doc, sub) }

// Contains reports whether doc contains sub: every key of sub must exist
// in doc with a recursively-contained value. Scalars compare by equality
// (numbers by value, regardless of Go numeric type); a search list is
// contained when each of its elements is present in the target list.
// The semantics mirror JSONB's @> operator for the shapes the engine uses:
// flat key/value, nested object, and list membership.
func Contains(doc, sub map[string]any) bool {
	for key, search := range sub {
		target, ok := doc[key]
		if !ok {
			return false
		}
		if !containedValue(target, search) {
			return false
		}
	}
	return true
}

func containedValue(target, search any) bool {
	switch s := search.(type) {
	case map[string]any:
		t, ok := target.(map[string]any)
		if !ok {
			return false
		}
		return Contains(t, s)
	default:
		if searchList, ok := asList(search); ok {
			targetList, ok := asList(target)
			if !ok {
				return false
			}
			return listContains(targetList, searchList)
		}
		if targetList, ok := asList(target); ok {
			// An array contains a primitive, matching JSONB @>.
			return listContains(targetList, []any{search})
		}
		return scalarEqual(target, search)
	}
}

// listContains reports whether every search element is present in the
// target list. Elements themselves compare by containment, so a search
// list may name objects partially.
func listContains(target, search []any) bool {
	for _, se := range search {
		found := false
		for _, te := range target {
			if containedValue(te, se) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// asList normalizes the slice shapes metadata documents carry: []any from
// JSON round-trips and []string from in-process writes.
func asList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// scalarEqual compares scalars with numeric normalization so that an int
// written in process equals the float64 the same document decodes to
// after a JSON round-trip.
func scalarEqual(target, search any) bool {
	tf, tok := asFloat(target)
	sf, sok := asFloat(search)
	if tok && sok {
		return tf == sf
	}
	if tok != sok {
		return false
	}
	return reflect.DeepEqual(target, search)
}

func asFloat(v any) (float64, bool) {
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
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
