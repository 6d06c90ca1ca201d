package sandbox

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Resolve walks a dot path ("a.b.0.c") through JSON-shaped data: maps keyed
// by string and slices indexed numerically. Returns false when any segment
// is missing.
func Resolve(root any, path string) (any, bool) {
	if path == "" {
		return root, root != nil
	}
	current := root
	for _, seg := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Normalize converts an arbitrary Go value into JSON-generic form
// (map[string]any / []any / float64 / string / bool / nil) so the path
// walker and the sandbox never reflect over host types.
func Normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// NormalizeMap is Normalize constrained to an object result. Non-object
// values yield an empty map.
func NormalizeMap(v any) map[string]any {
	if m, ok := Normalize(v).(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
