package payload

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaonanln/routesync/model"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

// sameMap reports whether a and b are the same map value, not merely equal.
func sameMap(a, b any) bool {
	return reflect.ValueOf(a).UnsafePointer() == reflect.ValueOf(b).UnsafePointer()
}

const endpointSnapshot = `{
  "data": {"status": {"network": {"nGraphElements": {
    "cam1":  {"_id": "cam1", "endpointType": "src", "sType": "video", "fDescriptor": {"label": "Camera 1"}},
    "mon1":  {"endpointType": "DST", "specificType": "video", "descriptor": {"label": "Monitor 1"}},
    "io7":   {"_id": "io7", "type": "both", "category": "gpio", "label": "GPIO 7"},
    "bad":   {"_id": "bad", "endpointType": "In"},
    "empty": {"_id": "empty"},
    "str":   "not an object"
  }}}}
}`

const connectionSnapshot = `{
  "status": {"conman": {"services": {"_items": [
    {"_id": "c1", "_rev": "r1", "from": "cam1", "to": "mon1", "state": "active"},
    {"id": "c2", "rev": 7, "from": {"id": "cam2"}, "to": {"_id": "mon2"}, "status": "pending", "label": "Studio feed"},
    {"_id": "c3", "from": "cam3"},
    {"from": "cam4", "to": "mon4"}
  ]}}}
}`

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "direct", raw: `{"endpoints": {"a": 1}}`, want: `{"a": 1}`},
		{name: "wrapped", raw: `{"data": {"config": {"endpoints": [1]}}}`, want: `[1]`},
		{name: "first target wins", raw: `{"nGraphElements": 1, "endpoints": 2}`, want: `1`},
		{name: "shallowest wins", raw: `{"data": {"endpoints": 1}, "status": {"network": {"endpoints": 2}}}`, want: `1`},
		{name: "missing", raw: `{"data": {"other": {}}}`, want: `null`},
		{name: "not an object", raw: `[1, 2]`, want: `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(decode(t, tt.raw), endpointCollectionKeys...)
			assert.Equal(t, decode(t, tt.want), got)
		})
	}
}

func TestResolve_DepthBounded(t *testing.T) {
	var raw any = map[string]any{"endpoints": "deep"}
	for i := 0; i < maxResolveDepth+2; i++ {
		raw = map[string]any{"data": raw}
	}
	assert.Nil(t, Resolve(raw, "endpoints"))
}

func TestParseEndpoints(t *testing.T) {
	got := ParseEndpoints(decode(t, endpointSnapshot))

	assert.Equal(t, model.EndpointMap{
		"cam1": {ID: "cam1", Label: "Camera 1", Type: model.Source, SpecificType: "video"},
		"mon1": {ID: "mon1", Label: "Monitor 1", Type: model.Destination, SpecificType: "video"},
		"io7":  {ID: "io7", Label: "GPIO 7", Type: model.Both, SpecificType: "gpio"},
	}, got)
}

func TestParseEndpoints_LabelFallsBackToKey(t *testing.T) {
	got := ParseEndpoints(decode(t, `{"endpoints": {"k1": {"direction": "src"}}}`))
	assert.Equal(t, model.Endpoint{ID: "k1", Label: "k1", Type: model.Source}, got["k1"])
}

func TestParseEndpoints_Malformed(t *testing.T) {
	for _, raw := range []any{nil, "text", 3.0, []any{}, map[string]any{}, decode(t, `{"endpoints": "x"}`)} {
		got := ParseEndpoints(raw)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	}
}

func TestParseConnections(t *testing.T) {
	got := ParseConnections(decode(t, connectionSnapshot))

	assert.Equal(t, model.ConnectionMap{
		"c1": {ID: "c1", Rev: "r1", From: "cam1", To: "mon1", State: "active", Label: "cam1 -> mon1"},
		"c2": {ID: "c2", Rev: "7", From: "cam2", To: "mon2", State: "pending", Label: "Studio feed"},
	}, got)
}

func TestApplyDelta_DeleteAbsentKeepsIdentity(t *testing.T) {
	cur := ParseConnections(decode(t, connectionSnapshot))

	next, changed := ApplyConnectionDelta(cur, decode(t, `{"services": {"nope": {"_ev": "d"}}}`))
	assert.False(t, changed)
	assert.True(t, sameMap(cur, next))

	next, changed = ApplyConnectionDelta(cur, decode(t, `{"services": {"nope": null}}`))
	assert.False(t, changed)
	assert.True(t, sameMap(cur, next))
}

func TestApplyDelta_NoopKeepsIdentity(t *testing.T) {
	cur := ParseEndpoints(decode(t, endpointSnapshot))

	deltas := []string{
		`null`,
		`{}`,
		`{"_ev": "h"}`,
		`{"nGraphElements": {}}`,
		`{"nGraphElements": {"cam1": {"_ev": "hb"}, "mon1": {"event": "HEARTBEAT"}, "x": {"_event": "none"}}}`,
		`{"nGraphElements": {"cam1": 42}}`,
	}
	for _, d := range deltas {
		next, changed := ApplyEndpointDelta(cur, decode(t, d))
		assert.False(t, changed, d)
		assert.True(t, sameMap(cur, next), d)
	}
}

func TestApplyDelta_IdenticalUpsertKeepsIdentity(t *testing.T) {
	cur := ParseEndpoints(decode(t, endpointSnapshot))
	delta := `{"data": {"nGraphElements": {"cam1": {"_ev": "u", "_id": "cam1", "endpointType": "src", "sType": "video", "fDescriptor": {"label": "Camera 1"}}}}}`

	next, changed := ApplyEndpointDelta(cur, decode(t, delta))
	assert.False(t, changed)
	assert.True(t, sameMap(cur, next))
}

func TestApplyDelta_InvalidUpsertIgnored(t *testing.T) {
	cur := ParseEndpoints(decode(t, endpointSnapshot))

	next, changed := ApplyEndpointDelta(cur, decode(t, `{"nGraphElements": {"cam1": {"endpointType": "Out"}}}`))
	assert.False(t, changed)
	assert.True(t, sameMap(cur, next))
	assert.Equal(t, model.Source, next["cam1"].Type)
}

func TestApplyEndpointDelta_Changes(t *testing.T) {
	cur := ParseEndpoints(decode(t, endpointSnapshot))
	before := len(cur)

	delta := `{"status": {"nGraphElements": {
	  "cam1": {"_ev": "u", "endpointType": "src", "sType": "video", "label": "Camera One"},
	  "cam9": {"_ev": "c", "endpointType": "src", "label": "Camera 9"},
	  "io7":  {"_ev": "deleted"}
	}}}`
	next, changed := ApplyEndpointDelta(cur, decode(t, delta))

	require.True(t, changed)
	assert.False(t, sameMap(cur, next))
	assert.Equal(t, "Camera One", next["cam1"].Label)
	assert.Equal(t, "Camera 9", next["cam9"].Label)
	assert.NotContains(t, next, "io7")

	// The input map is never modified.
	assert.Len(t, cur, before)
	assert.Equal(t, "Camera 1", cur["cam1"].Label)
	assert.Contains(t, cur, "io7")
}

func TestApplyConnectionDelta_DeleteVariants(t *testing.T) {
	cur := model.ConnectionMap{
		"c1":        {ID: "c1", From: "a", To: "b"},
		"c2":        {ID: "c2", From: "c", To: "d"},
		"svc:c3":    {ID: "svc:c3", From: "e", To: "f"},
		"other:c33": {ID: "other:c33", From: "g", To: "h"},
	}

	t.Run("by entry id", func(t *testing.T) {
		next, changed := ApplyConnectionDelta(cur, decode(t, `{"services": {"k": {"_ev": "remove", "_id": "c1"}}}`))
		require.True(t, changed)
		assert.NotContains(t, next, "c1")
		assert.Len(t, next, 3)
	})

	t.Run("compound key", func(t *testing.T) {
		next, changed := ApplyConnectionDelta(cur, decode(t, `{"services": {"c3": {"_ev": "d"}}}`))
		require.True(t, changed)
		assert.NotContains(t, next, "svc:c3")
		assert.Contains(t, next, "other:c33")
	})

	t.Run("null entry", func(t *testing.T) {
		next, changed := ApplyConnectionDelta(cur, decode(t, `{"connections": {"c2": null}}`))
		require.True(t, changed)
		assert.NotContains(t, next, "c2")
	})

	t.Run("array with delete tag", func(t *testing.T) {
		next, changed := ApplyConnectionDelta(cur, decode(t, `{"services": [{"_id": "c2", "_ev": "DELETE"}]}`))
		require.True(t, changed)
		assert.NotContains(t, next, "c2")
	})

	assert.Len(t, cur, 4, "input must not be modified")
}

func TestApplyConnectionDelta_NilCurrent(t *testing.T) {
	next, changed := ApplyConnectionDelta(nil, decode(t, `{"services": {"c1": {"from": "a", "to": "b"}}}`))
	require.True(t, changed)
	assert.Equal(t, "a -> b", next["c1"].Label)

	next, changed = ApplyConnectionDelta(nil, decode(t, `{"services": {}}`))
	assert.False(t, changed)
	assert.Nil(t, next)
}

func TestParseDeltaRoundTrip(t *testing.T) {
	t.Run("endpoints", func(t *testing.T) {
		raw := decode(t, endpointSnapshot)
		full := ParseEndpoints(raw)

		rebuilt := model.EndpointMap{}
		for _, e := range entries(Resolve(raw, endpointCollectionKeys...)) {
			single := map[string]any{"nGraphElements": map[string]any{e.key: e.value}}
			rebuilt, _ = ApplyEndpointDelta(rebuilt, single)
		}
		assert.Equal(t, full, rebuilt)
	})

	t.Run("connections", func(t *testing.T) {
		raw := decode(t, connectionSnapshot)
		full := ParseConnections(raw)

		rebuilt := model.ConnectionMap{}
		for _, e := range entries(Resolve(raw, connectionCollectionKeys...)) {
			single := map[string]any{"services": map[string]any{e.key: e.value}}
			rebuilt, _ = ApplyConnectionDelta(rebuilt, single)
		}
		assert.Equal(t, full, rebuilt)
	})
}

func TestScalarString(t *testing.T) {
	assert.Equal(t, "x", scalarString("x"))
	assert.Equal(t, "7", scalarString(float64(7)))
	assert.Equal(t, "1.5", scalarString(1.5))
	assert.Equal(t, "", scalarString(true))
	assert.Equal(t, "", scalarString(nil))
}
