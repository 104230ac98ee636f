// Package state holds the local mirror of the remote routing system.
//
// The Store publishes immutable snapshots: a write replaces the endpoint or
// connection map wholesale and readers only ever see a map that will never be
// modified again. A single writer (the session supervisor) is expected; any
// number of goroutines may read.
package state

import (
	"sort"
	"sync"

	"github.com/xiaonanln/routesync/model"
)

// Snapshot is a consistent pairing of endpoints and connections as of one
// write. Its maps are shared and must not be modified.
type Snapshot struct {
	Endpoints   model.EndpointMap
	Connections model.ConnectionMap
}

// Store is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
	// byDestination maps a destination endpoint id to the id of the
	// connection currently routed to it.
	byDestination map[string]string
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	s.Reset()
	return s
}

// Snapshot returns the current endpoints and connections.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// SetEndpoints replaces the endpoint map.
func (s *Store) SetEndpoints(endpoints model.EndpointMap) {
	if endpoints == nil {
		endpoints = model.EndpointMap{}
	}
	s.mu.Lock()
	s.snap.Endpoints = endpoints
	s.mu.Unlock()
}

// SetConnections replaces the connection map and rebuilds the destination index.
func (s *Store) SetConnections(connections model.ConnectionMap) {
	if connections == nil {
		connections = model.ConnectionMap{}
	}
	s.mu.Lock()
	s.setConnectionsLocked(connections)
	s.mu.Unlock()
}

// UpdateEndpoints replaces the endpoint map with fn's result when fn reports a
// change. It returns whether the stored map changed.
func (s *Store) UpdateEndpoints(fn func(cur model.EndpointMap) (model.EndpointMap, bool)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, changed := fn(s.snap.Endpoints)
	if !changed {
		return false
	}
	if next == nil {
		next = model.EndpointMap{}
	}
	s.snap.Endpoints = next
	return true
}

// UpdateConnections is UpdateEndpoints for connections.
func (s *Store) UpdateConnections(fn func(cur model.ConnectionMap) (model.ConnectionMap, bool)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, changed := fn(s.snap.Connections)
	if !changed {
		return false
	}
	if next == nil {
		next = model.ConnectionMap{}
	}
	s.setConnectionsLocked(next)
	return true
}

// Sources returns every endpoint usable as a route source, sorted by id.
func (s *Store) Sources() []model.Endpoint {
	return s.filterEndpoints(model.EndpointType.IsSource)
}

// Destinations returns every endpoint usable as a route destination, sorted by id.
func (s *Store) Destinations() []model.Endpoint {
	return s.filterEndpoints(model.EndpointType.IsDestination)
}

func (s *Store) filterEndpoints(keep func(model.EndpointType) bool) []model.Endpoint {
	endpoints := s.Snapshot().Endpoints
	out := make([]model.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if keep(ep.Type) {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConnectionForDestination returns the connection currently routed to the
// given destination endpoint.
func (s *Store) ConnectionForDestination(destinationID string) (model.Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDestination[destinationID]
	if !ok {
		return model.Connection{}, false
	}
	conn, ok := s.snap.Connections[id]
	return conn, ok
}

// Reset clears all state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{Endpoints: model.EndpointMap{}, Connections: model.ConnectionMap{}}
	s.byDestination = map[string]string{}
}

// setConnectionsLocked publishes next and rebuilds the destination index.
// When several connections share a destination, one that is new or changed
// relative to the previous map wins; otherwise the previous choice is kept;
// otherwise the lowest id wins.
func (s *Store) setConnectionsLocked(next model.ConnectionMap) {
	prev := s.snap.Connections
	prevIndex := s.byDestination

	fresh := func(id string) bool {
		old, ok := prev[id]
		return !ok || old != next[id]
	}
	better := func(candidate, current string) bool {
		if cf, uf := fresh(candidate), fresh(current); cf != uf {
			return cf
		}
		to := next[candidate].To
		if prevIndex[to] == candidate {
			return true
		}
		if prevIndex[to] == current {
			return false
		}
		return candidate < current
	}

	index := make(map[string]string, len(next))
	for id, c := range next {
		if c.To == "" {
			continue
		}
		if cur, ok := index[c.To]; ok && !better(id, cur) {
			continue
		}
		index[c.To] = id
	}

	s.snap.Connections = next
	s.byDestination = index
}
