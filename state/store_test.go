package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaonanln/routesync/model"
	"github.com/xiaonanln/routesync/payload"
)

func sampleEndpoints() model.EndpointMap {
	return model.EndpointMap{
		"cam2": {ID: "cam2", Label: "Camera 2", Type: model.Source},
		"cam1": {ID: "cam1", Label: "Camera 1", Type: model.Source},
		"mon1": {ID: "mon1", Label: "Monitor 1", Type: model.Destination},
		"io1":  {ID: "io1", Label: "GPIO 1", Type: model.Both},
	}
}

func ids(endpoints []model.Endpoint) []string {
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, ep.ID)
	}
	return out
}

func TestNewStore_Empty(t *testing.T) {
	s := NewStore()
	snap := s.Snapshot()
	assert.NotNil(t, snap.Endpoints)
	assert.NotNil(t, snap.Connections)
	assert.Empty(t, s.Sources())
	assert.Empty(t, s.Destinations())
	_, ok := s.ConnectionForDestination("mon1")
	assert.False(t, ok)
}

func TestSourcesAndDestinations(t *testing.T) {
	s := NewStore()
	s.SetEndpoints(sampleEndpoints())

	assert.Equal(t, []string{"cam1", "cam2", "io1"}, ids(s.Sources()))
	assert.Equal(t, []string{"io1", "mon1"}, ids(s.Destinations()))
}

func TestConnectionForDestination(t *testing.T) {
	s := NewStore()
	s.SetConnections(model.ConnectionMap{
		"c1": {ID: "c1", From: "cam1", To: "mon1", Rev: "r1"},
		"c2": {ID: "c2", From: "cam2", To: "mon2"},
	})

	conn, ok := s.ConnectionForDestination("mon1")
	require.True(t, ok)
	assert.Equal(t, "c1", conn.ID)
	assert.Equal(t, "r1", conn.Rev)

	_, ok = s.ConnectionForDestination("mon3")
	assert.False(t, ok)
}

func TestConnectionForDestination_AfterDeleteDelta(t *testing.T) {
	s := NewStore()
	s.SetConnections(payload.ParseConnections(map[string]any{"services": map[string]any{
		"c1": map[string]any{"from": "cam1", "to": "mon1"},
	}}))

	changed := s.UpdateConnections(func(cur model.ConnectionMap) (model.ConnectionMap, bool) {
		return payload.ApplyConnectionDelta(cur, map[string]any{"services": map[string]any{"c1": map[string]any{"_ev": "d"}}})
	})

	require.True(t, changed)
	_, ok := s.ConnectionForDestination("mon1")
	assert.False(t, ok)
}

func TestConnectionForDestination_LatestWriteWins(t *testing.T) {
	s := NewStore()
	s.SetConnections(model.ConnectionMap{
		"c2": {ID: "c2", From: "cam1", To: "mon1"},
	})

	// A rename race leaves two connections on mon1; the newly added one wins.
	s.UpdateConnections(func(cur model.ConnectionMap) (model.ConnectionMap, bool) {
		next := model.ConnectionMap{"c1": {ID: "c1", From: "cam2", To: "mon1"}}
		for k, v := range cur {
			next[k] = v
		}
		return next, true
	})
	conn, ok := s.ConnectionForDestination("mon1")
	require.True(t, ok)
	assert.Equal(t, "c1", conn.ID)

	// An unrelated write keeps the previous choice.
	s.UpdateConnections(func(cur model.ConnectionMap) (model.ConnectionMap, bool) {
		next := model.ConnectionMap{"c9": {ID: "c9", From: "cam9", To: "mon9"}}
		for k, v := range cur {
			next[k] = v
		}
		return next, true
	})
	conn, _ = s.ConnectionForDestination("mon1")
	assert.Equal(t, "c1", conn.ID)

	// Changing the older connection makes it the latest.
	s.UpdateConnections(func(cur model.ConnectionMap) (model.ConnectionMap, bool) {
		next := model.ConnectionMap{}
		for k, v := range cur {
			next[k] = v
		}
		next["c2"] = model.Connection{ID: "c2", From: "cam1", To: "mon1", Rev: "r2"}
		return next, true
	})
	conn, _ = s.ConnectionForDestination("mon1")
	assert.Equal(t, "c2", conn.ID)
}

func TestUpdate_UnchangedKeepsSnapshot(t *testing.T) {
	s := NewStore()
	s.SetEndpoints(sampleEndpoints())
	before := s.Snapshot().Endpoints

	called := false
	changed := s.UpdateEndpoints(func(cur model.EndpointMap) (model.EndpointMap, bool) {
		called = true
		return model.EndpointMap{}, false
	})

	assert.True(t, called)
	assert.False(t, changed)
	assert.Equal(t, before, s.Snapshot().Endpoints)
	assert.Len(t, s.Snapshot().Endpoints, 4)
}

func TestUpdate_NilResultBecomesEmpty(t *testing.T) {
	s := NewStore()
	s.SetEndpoints(sampleEndpoints())

	require.True(t, s.UpdateEndpoints(func(model.EndpointMap) (model.EndpointMap, bool) { return nil, true }))
	assert.NotNil(t, s.Snapshot().Endpoints)
	assert.Empty(t, s.Snapshot().Endpoints)
}

func TestReset(t *testing.T) {
	s := NewStore()
	s.SetEndpoints(sampleEndpoints())
	s.SetConnections(model.ConnectionMap{"c1": {ID: "c1", From: "cam1", To: "mon1"}})

	old := s.Snapshot()
	s.Reset()

	assert.Empty(t, s.Snapshot().Endpoints)
	assert.Empty(t, s.Snapshot().Connections)
	_, ok := s.ConnectionForDestination("mon1")
	assert.False(t, ok)
	assert.Len(t, old.Endpoints, 4, "snapshots taken before a reset stay intact")
}

func TestStore_ConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := s.Snapshot()
				// Every write below sets both maps to the same size.
				if n := len(snap.Connections); n > len(snap.Endpoints) {
					t.Errorf("connections (%d) published ahead of endpoints (%d)", n, len(snap.Endpoints))
					return
				}
				s.Sources()
				s.ConnectionForDestination("mon1")
			}
		}()
	}

	for i := 1; i <= 200; i++ {
		endpoints := model.EndpointMap{}
		connections := model.ConnectionMap{}
		for j := 0; j < i; j++ {
			id := string(rune('a' + j%26))
			endpoints[id+"-ep"] = model.Endpoint{ID: id + "-ep", Type: model.Source}
		}
		for j := 0; j < len(endpoints); j++ {
			id := string(rune('a' + j))
			connections[id] = model.Connection{ID: id, From: id + "-ep", To: "mon1"}
		}
		s.SetEndpoints(endpoints)
		s.SetConnections(connections)
	}
	close(done)
	wg.Wait()
}
