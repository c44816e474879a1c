package condition

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
)

// FlattenView builds the evaluation view condition trees run against. Caller
// identity lands under actor.*, request attributes under context.*, record
// fields under record.*. Nested maps stay reachable through dotted paths.
func FlattenView(execCtx lifecycle.ExecutionContext, record map[string]any) map[string]any {
	view := map[string]any{
		"tenant":       execCtx.Tenant,
		"actor.id":     execCtx.ActorID,
		"actor.roles":  execCtx.Roles,
		"actor.groups": execCtx.Groups,
	}
	for k, v := range execCtx.Attributes {
		view["context."+k] = v
	}
	for k, v := range record {
		view["record."+k] = v
	}
	return view
}

// Lookup resolves a dotted field path against the view. Top-level flattened
// keys win; remaining segments descend into nested maps.
func Lookup(view map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	if v, ok := view[path]; ok {
		return v, true
	}

	segments := strings.Split(path, ".")
	for i := len(segments) - 1; i > 0; i-- {
		prefix := strings.Join(segments[:i], ".")
		root, ok := view[prefix]
		if !ok {
			continue
		}
		return descend(root, segments[i:])
	}
	return nil, false
}

func descend(root any, segments []string) (any, bool) {
	current := root
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}

func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareOrdered(op Operator, a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case OpGt:
			return af > bf
		case OpGte:
			return af >= bf
		case OpLt:
			return af < bf
		case OpLte:
			return af <= bf
		}
		return false
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch op {
	case OpGt:
		return as > bs
	case OpGte:
		return as >= bs
	case OpLt:
		return as < bs
	case OpLte:
		return as <= bs
	}
	return false
}

func memberOf(actual, candidates any) bool {
	set := anySlice(candidates)
	if set == nil && candidates != nil {
		// scalar candidate reads as a one-element set
		set = []any{candidates}
	}
	for _, candidate := range set {
		if looseEqual(actual, candidate) {
			return true
		}
	}
	// actual may itself be a collection (e.g. actor.roles in [...]).
	for _, item := range anySlice(actual) {
		for _, candidate := range set {
			if looseEqual(item, candidate) {
				return true
			}
		}
	}
	return false
}

func stringPredicate(actual, expected any, pred func(string, string) bool) bool {
	return pred(fmt.Sprint(actual), fmt.Sprint(expected))
}

func compareDates(actual, expected any, pred func(a, b time.Time) bool) bool {
	at, aok := toTime(actual)
	bt, bok := toTime(expected)
	if !aok || !bok {
		return false
	}
	return pred(at, bt)
}

func anySlice(v any) []any {
	switch vals := v.(type) {
	case nil:
		return nil
	case []any:
		return vals
	case []string:
		out := make([]any, len(vals))
		for i, s := range vals {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(vals))
		for i, n := range vals {
			out[i] = n
		}
		return out
	case []float64:
		out := make([]any, len(vals))
		for i, f := range vals {
			out[i] = f
		}
		return out
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
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
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
