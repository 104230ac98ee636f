// Package payload turns the remote system's nested JSON into endpoint and
// connection maps. Every function here is pure and tolerant: malformed input
// produces the best partial result, never a panic or an error.
package payload

import "sort"

// wrapperKeys are the synonymous levels of nesting the server may put around
// a resource collection.
var wrapperKeys = []string{"data", "status", "config", "network", "conman", "result"}

// maxResolveDepth bounds the wrapper descent.
const maxResolveDepth = 8

var (
	endpointCollectionKeys   = []string{"nGraphElements", "endpoints"}
	connectionCollectionKeys = []string{"services", "connections"}
)

// Resolve finds the first collection named by one of targets, searching
// breadth-first through wrapper keys. The root itself may already be the
// collection's parent. It returns nil when nothing matches.
func Resolve(raw any, targets ...string) any {
	level := []any{raw}
	for depth := 0; depth < maxResolveDepth && len(level) > 0; depth++ {
		var next []any
		for _, node := range level {
			obj, ok := node.(map[string]any)
			if !ok {
				continue
			}
			for _, target := range targets {
				if v, ok := obj[target]; ok {
					return v
				}
			}
			for _, key := range wrapperKeys {
				if child, ok := obj[key]; ok {
					next = append(next, child)
				}
			}
		}
		level = next
	}
	return nil
}

// entry is one member of a collection together with the key it was listed
// under. For array collections the key is taken from the entry's own id.
type entry struct {
	key   string
	value any
}

// entries flattens a collection into a deterministic list. A collection may be
// an object keyed by id, an array, or an object holding an "_items" array.
func entries(collection any) []entry {
	switch c := collection.(type) {
	case map[string]any:
		if items, ok := c["_items"].([]any); ok {
			return entries(items)
		}
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]entry, 0, len(keys))
		for _, k := range keys {
			out = append(out, entry{key: k, value: c[k]})
		}
		return out
	case []any:
		out := make([]entry, 0, len(c))
		for _, item := range c {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			key := firstString(obj, "_id", "id")
			if key == "" {
				continue
			}
			out = append(out, entry{key: key, value: item})
		}
		return out
	default:
		return nil
	}
}

// lookup follows a dotted path of object keys.
func lookup(obj map[string]any, path ...string) (any, bool) {
	var cur any = obj
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// firstString returns the first non-empty string among the given keys. A key
// containing dots is looked up as a nested path.
func firstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := lookup(obj, splitPath(key)...)
		if !ok {
			continue
		}
		if s := scalarString(v); s != "" {
			return s
		}
	}
	return ""
}

func splitPath(key string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	return append(parts, key[start:])
}
