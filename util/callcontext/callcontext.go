package callcontext

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey int

const (
	// episodeIDKey is the context key for storing the session episode ID
	episodeIDKey contextKey = iota
)

// WithEpisodeID returns a new context carrying the ID of the session episode
// (one login-to-cleanup lifetime) the work belongs to.
func WithEpisodeID(ctx context.Context, episodeID string) context.Context {
	return context.WithValue(ctx, episodeIDKey, episodeID)
}

// EpisodeID retrieves the episode ID from the context
// Returns empty string if no episode ID is present
func EpisodeID(ctx context.Context) string {
	if id, ok := ctx.Value(episodeIDKey).(string); ok {
		return id
	}
	return ""
}
