package vector

import (
	"fmt"
	"strings"
)

// MatchFilter evaluates a metadata filter the way the remote index does.
// A field maps either to a value (equality) or to an operator object using
// $eq, $ne, $in, $nin, $gt, $gte, $lt or $lte. Top-level $and and $or take a
// list of filters. Every field of a filter must match; unknown operators
// never match.
func MatchFilter(md, filter map[string]any) bool {
	for key, cond := range filter {
		switch key {
		case "$and":
			for _, sub := range subFilters(cond) {
				if !MatchFilter(md, sub) {
					return false
				}
			}
		case "$or":
			subs := subFilters(cond)
			matched := false
			for _, sub := range subs {
				if MatchFilter(md, sub) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			got, present := md[key]
			if !matchField(got, present, cond) {
				return false
			}
		}
	}
	return true
}

func subFilters(v any) []map[string]any {
	switch list := v.(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func matchField(got any, present bool, cond any) bool {
	ops, ok := cond.(map[string]any)
	if !ok || !hasOperators(ops) {
		return present && equalValues(got, cond)
	}
	for op, want := range ops {
		var match bool
		switch op {
		case "$eq":
			match = present && equalValues(got, want)
		case "$ne":
			match = !present || !equalValues(got, want)
		case "$in":
			match = present && inList(got, want)
		case "$nin":
			match = !present || !inList(got, want)
		case "$gt", "$gte", "$lt", "$lte":
			match = present && compareNumbers(got, want, op)
		}
		if !match {
			return false
		}
	}
	return true
}

func hasOperators(m map[string]any) bool {
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return len(m) > 0
}

func inList(got, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if equalValues(got, item) {
			return true
		}
	}
	return false
}

// equalValues compares numbers by value and everything else by its text form,
// so an int64 folder id equals the float64 decoded from a JSON filter.
func equalValues(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareNumbers(got, want any, op string) bool {
	g, ok := toFloat(got)
	if !ok {
		return false
	}
	w, ok := toFloat(want)
	if !ok {
		return false
	}
	switch op {
	case "$gt":
		return g > w
	case "$gte":
		return g >= w
	case "$lt":
		return g < w
	default:
		return g <= w
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
