package core

import (
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// asMap normalizes the map shapes a decoded BSON or JSON document can
// carry into a plain map. Returns false for anything that is not a map.
func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case bson.M:
		return map[string]interface{}(m), true
	case bson.D:
		out := make(map[string]interface{}, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	default:
		return nil, false
	}
}

// ResolvePath walks a dotted path through nested maps and returns the
// value it lands on. A path segment that is absent, or a segment applied
// to a non-map value, resolves to nothing.
func ResolvePath(doc map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var current interface{} = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

// BuildPath sets value at the dotted path inside dst, creating
// intermediate maps as needed and merging with maps already present for
// shared prefixes (path "src.ip" yields {src: {ip: value}}).
func BuildPath(dst map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	target := dst
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(target[part])
		if !ok {
			next = make(map[string]interface{})
			target[part] = next
		}
		target = next
	}
	target[parts[len(parts)-1]] = value
}

// AsList normalizes slice shapes a decoded document can carry. Returns
// false for scalars.
func AsList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case bson.A:
		return []interface{}(l), true
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// NormalizeList returns the list deduplicated and sorted by string
// rendering, so order and repetition do not affect identity comparison:
// ["b","a","a"] and ["a","b"] normalize to the same list.
func NormalizeList(items []interface{}) []interface{} {
	seen := make(map[string]interface{}, len(items))
	keys := make([]string, 0, len(items))
	for _, item := range items {
		k := fmt.Sprint(item)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = item
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		out[i] = seen[k]
	}
	return out
}
