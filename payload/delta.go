package payload

import (
	"maps"
	"strings"

	"github.com/xiaonanln/routesync/model"
)

type event int

const (
	eventUpsert event = iota
	eventDelete
	eventNoop
)

// eventOf classifies a delta entry by its event tag. A null entry is a delete;
// an entry that is neither null nor an object carries nothing to apply.
func eventOf(value any) event {
	if value == nil {
		return eventDelete
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return eventNoop
	}
	switch strings.ToLower(firstString(obj, "_ev", "_event", "event")) {
	case "d", "delete", "deleted", "remove":
		return eventDelete
	case "n", "none", "noop", "h", "hb", "heartbeat":
		return eventNoop
	default:
		return eventUpsert
	}
}

// ApplyEndpointDelta applies an incremental payload to cur. The returned map
// is cur itself unless an endpoint was actually added, removed or changed, in
// which case it is a fresh copy and changed is true. cur is never modified.
func ApplyEndpointDelta(cur model.EndpointMap, raw any) (next model.EndpointMap, changed bool) {
	return applyDelta(cur, raw, endpointCollectionKeys, endpointFrom, func(ep model.Endpoint) string { return ep.ID })
}

// ApplyConnectionDelta is ApplyEndpointDelta for connections.
func ApplyConnectionDelta(cur model.ConnectionMap, raw any) (next model.ConnectionMap, changed bool) {
	return applyDelta(cur, raw, connectionCollectionKeys, connectionFrom, func(c model.Connection) string { return c.ID })
}

func applyDelta[M ~map[string]T, T comparable](
	cur M,
	raw any,
	targets []string,
	parse func(key string, value any) (T, bool),
	idOf func(T) string,
) (M, bool) {
	next := cur
	changed := false
	// Copy on first write so an unchanged delta hands back cur untouched.
	writable := func() {
		if changed {
			return
		}
		next = maps.Clone(cur)
		if next == nil {
			next = make(M)
		}
		changed = true
	}

	for _, e := range entries(Resolve(raw, targets...)) {
		switch eventOf(e.value) {
		case eventNoop:
		case eventDelete:
			for _, key := range deletedKeys(next, e) {
				writable()
				delete(next, key)
			}
		default:
			rec, ok := parse(e.key, e.value)
			if !ok {
				continue
			}
			id := idOf(rec)
			if old, ok := next[id]; ok && old == rec {
				continue
			}
			writable()
			next[id] = rec
		}
	}
	return next, changed
}

// deletedKeys lists the keys of m removed by a delete entry: the entry key,
// the entry's own id, and compound keys ending in ":"+key.
func deletedKeys[M ~map[string]T, T any](m M, e entry) []string {
	var keys []string
	seen := make(map[string]bool)
	add := func(k string) {
		if k == "" || seen[k] {
			return
		}
		seen[k] = true
		if _, ok := m[k]; ok {
			keys = append(keys, k)
		}
	}

	add(e.key)
	if obj, ok := e.value.(map[string]any); ok {
		add(firstString(obj, "_id", "id"))
	}
	if e.key != "" {
		suffix := ":" + e.key
		for k := range m {
			if strings.HasSuffix(k, suffix) {
				add(k)
			}
		}
	}
	return keys
}
