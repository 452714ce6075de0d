package conflict

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/go-cmp/cmp"
)

var timestampFields = []string{"updated_at", "created_at", "timestamp"}

// Fields that always keep their authoritative value and are never flagged.
var identityFields = map[string]struct{}{
	"id":         {},
	"created_at": {},
	"user_id":    {},
}

func isIdentityField(key string) bool {
	_, ok := identityFields[key]
	return ok
}

// Foreign keys follow the usual three-way rules. When both sides moved them, remote wins
// without a field conflict.
func isForeignKey(key string) bool {
	return strings.HasSuffix(key, "_id")
}

func isTimestampField(key string) bool {
	return key == "timestamp" || strings.HasSuffix(key, "_at")
}

// merge combines local and remote. With a base it is a three-way merge; without one every
// differing field counts as changed on both sides.
func merge(base, local, remote map[string]any, hasBase bool, now time.Time) (map[string]any, []FieldConflict) {
	return mergeAt("", base, local, remote, hasBase, now)
}

func mergeAt(prefix string, base, local, remote map[string]any, hasBase bool, now time.Time) (map[string]any, []FieldConflict) {
	keys := mapset.NewThreadUnsafeSet[string]()
	for _, m := range []map[string]any{base, local, remote} {
		for k := range m {
			keys.Add(k)
		}
	}
	sorted := keys.ToSlice()
	sort.Strings(sorted)

	out := make(map[string]any, len(sorted))
	var conflicts []FieldConflict

	for _, key := range sorted {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		bv, bok := base[key]
		lv, lok := local[key]
		rv, rok := remote[key]

		if prefix == "" {
			switch {
			case key == "updated_at":
				out[key] = now.UTC().Format(time.RFC3339Nano)
				continue
			case isIdentityField(key):
				switch {
				case hasBase && bok:
					out[key] = bv
				case rok:
					out[key] = rv
				case lok:
					out[key] = lv
				}
				continue
			}
		}

		localChanged := !hasBase || !sameValue(lv, lok, bv, bok)
		remoteChanged := !hasBase || !sameValue(rv, rok, bv, bok)

		switch {
		case sameValue(lv, lok, rv, rok):
			if lok {
				out[key] = lv
			}
		case !localChanged:
			if rok {
				out[key] = rv
			}
		case !remoteChanged:
			if lok {
				out[key] = lv
			}
		case prefix == "" && isForeignKey(key):
			if rok {
				out[key] = rv
			} else if lok {
				out[key] = lv
			}
		default:
			lm, lIsMap := lv.(map[string]any)
			rm, rIsMap := rv.(map[string]any)
			if lIsMap && rIsMap {
				bm, _ := bv.(map[string]any)
				merged, sub := mergeAt(path, bm, lm, rm, hasBase && bm != nil, now)
				out[key] = merged
				conflicts = append(conflicts, sub...)
				continue
			}

			resolution, keep := resolveField(key, lv, lok, rv, rok)
			if keep {
				out[key] = resolution
			}
			fc := FieldConflict{Path: path, Local: lv, Remote: rv, Resolution: resolution}
			if bok {
				fc.Base = bv
			}
			conflicts = append(conflicts, fc)
		}
	}
	return out, conflicts
}

func sameValue(a any, aok bool, b any, bok bool) bool {
	if aok != bok {
		return false
	}
	if !aok {
		return true
	}
	return cmp.Equal(a, b)
}

// resolveField picks a value for a field both sides changed differently. keep is false when
// the field should be dropped.
func resolveField(key string, lv any, lok bool, rv any, rok bool) (any, bool) {
	switch {
	case !lok && !rok:
		return nil, false
	case !rok:
		return lv, true
	case !lok:
		return rv, true
	}

	if isTimestampField(key) {
		lt, lhas := parseTime(lv)
		rt, rhas := parseTime(rv)
		if lhas && rhas {
			if lt.After(rt) {
				return lv, true
			}
			return rv, true
		}
	}

	switch l := lv.(type) {
	case []any:
		if r, ok := rv.([]any); ok {
			return union(l, r), true
		}
	case string:
		if r, ok := rv.(string); ok {
			if len(l) > len(r) {
				return l, true
			}
			return r, true
		}
	case bool:
		if r, ok := rv.(bool); ok {
			return l || r, true
		}
	}

	lf, lnum := toFloat(lv)
	rf, rnum := toFloat(rv)
	if lnum && rnum {
		if lf > rf {
			return lv, true
		}
		return rv, true
	}
	return rv, true
}

// union keeps every element of a followed by the elements of b that a does not contain.
func union(a, b []any) []any {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]any, 0, len(a)+len(b))
	for _, list := range [][]any{a, b} {
		for _, v := range list {
			k := identity(v)
			if seen.Contains(k) {
				continue
			}
			seen.Add(k)
			out = append(out, v)
		}
	}
	return out
}

func identity(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func toFloat(v any) (float64, bool) {
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
	case uint32:
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

// parseTime accepts RFC 3339 strings and unix timestamps in seconds or milliseconds.
func parseTime(v any) (time.Time, bool) {
	if s, ok := v.(string); ok {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if math.Abs(f) >= 1e12 {
		return time.UnixMilli(int64(f)), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}

func timestampOf(m map[string]any) (time.Time, bool) {
	for _, field := range timestampFields {
		v, ok := m[field]
		if !ok {
			continue
		}
		return parseTime(v)
	}
	return time.Time{}, false
}

// newest returns the side with the greater timestamp. Ties and missing timestamps go to remote.
func newest(local, remote map[string]any) map[string]any {
	lt, lok := timestampOf(local)
	rt, rok := timestampOf(remote)
	if lok && rok && lt.After(rt) {
		return local
	}
	return remote
}
