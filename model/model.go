// Package model defines the routable resources mirrored from the remote
// media-routing system: endpoints, the connections between them, and the
// conflict strategies accepted by the routing commands.
package model

import "fmt"

// EndpointType is the routing direction of an endpoint.
type EndpointType string

const (
	Source      EndpointType = "source"
	Destination EndpointType = "destination"
	// Both marks a bidirectional port that is a valid source and destination.
	Both EndpointType = "both"
)

// IsSource reports whether an endpoint of this type can be routed from.
func (t EndpointType) IsSource() bool {
	return t == Source || t == Both
}

// IsDestination reports whether an endpoint of this type can be routed to.
func (t EndpointType) IsDestination() bool {
	return t == Destination || t == Both
}

// Endpoint is a routable port. Endpoints are value records: a change to any
// field is represented by a new record replacing the old one by ID.
type Endpoint struct {
	ID    string
	Label string
	Type  EndpointType
	// SpecificType is a free-form category such as video, audio, gpio, tally,
	// group or junction. Unknown values are kept as-is.
	SpecificType string
}

// Connection is an active route from one source to one destination.
type Connection struct {
	ID string
	// Rev must accompany any teardown of this connection; a stale Rev is
	// rejected by the remote system.
	Rev   string
	From  string
	To    string
	State string
	Label string
}

// DefaultConnectionLabel returns the label used for connections that carry none.
func DefaultConnectionLabel(from, to string) string {
	return fmt.Sprintf("%s -> %s", from, to)
}

// EndpointMap is keyed by Endpoint.ID. Maps handed out by the state store are
// shared and must not be modified.
type EndpointMap map[string]Endpoint

// ConnectionMap is keyed by Connection.ID. Maps handed out by the state store
// are shared and must not be modified.
type ConnectionMap map[string]Connection

// ConflictStrategy mirrors the remote system's enumeration for resolving a
// route request against an existing route on the same destination. Values are
// sent on the wire unchanged.
type ConflictStrategy int

const (
	NoStrategy        ConflictStrategy = 0
	CancelDestination ConflictStrategy = 1
	UnallocateBoth    ConflictStrategy = 2
)

func (s ConflictStrategy) String() string {
	switch s {
	case NoStrategy:
		return "none"
	case CancelDestination:
		return "cancel-destination"
	case UnallocateBoth:
		return "unallocate-both"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseConflictStrategy accepts the names returned by String.
func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	switch s {
	case "", "none":
		return NoStrategy, nil
	case "cancel-destination":
		return CancelDestination, nil
	case "unallocate-both":
		return UnallocateBoth, nil
	default:
		return NoStrategy, fmt.Errorf("unknown conflict strategy %q", s)
	}
}
