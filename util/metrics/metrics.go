package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EpisodesTotal tracks session episodes by how they ended: stage is the step
	// that failed (login, subscribe, poll) or "cancelled"
	EpisodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routesync_episodes_total",
			Help: "Total number of session episodes by terminating stage",
		},
		[]string{"host", "stage"},
	)

	// SessionConnected is 1 while an episode is in the polling state
	SessionConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routesync_session_connected",
			Help: "Whether the remote session is currently subscribed and polling",
		},
		[]string{"host"},
	)

	// PollsTotal tracks subscription polls with labels for resource and result
	// (changed, unchanged, empty, error)
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routesync_polls_total",
			Help: "Total number of subscription polls by resource and result",
		},
		[]string{"host", "resource", "result"},
	)

	// TrackedResources is the size of the current snapshot per resource
	TrackedResources = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routesync_tracked_resources",
			Help: "Number of endpoints or connections in the current snapshot",
		},
		[]string{"host", "resource"},
	)

	// CommandsTotal tracks route and disconnect commands by status
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routesync_commands_total",
			Help: "Total number of routing commands by command and status",
		},
		[]string{"host", "command", "status"},
	)

	// CommandDuration tracks the duration of routing commands in seconds
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routesync_command_duration_seconds",
			Help:    "Duration of routing commands in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"host", "command", "status"},
	)
)

// RecordEpisodeEnd increments the episode counter for the stage that ended it
func RecordEpisodeEnd(host, stage string) {
	EpisodesTotal.WithLabelValues(host, stage).Inc()
}

// SetSessionConnected flips the connected gauge for a host
func SetSessionConnected(host string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	SessionConnected.WithLabelValues(host).Set(v)
}

// RecordPoll increments the poll counter for a host, resource and result
func RecordPoll(host, resource, result string) {
	PollsTotal.WithLabelValues(host, resource, result).Inc()
}

// SetTrackedResources records the snapshot size of a resource
func SetTrackedResources(host, resource string, count int) {
	TrackedResources.WithLabelValues(host, resource).Set(float64(count))
}

// RecordCommand counts a routing command and observes its duration
func RecordCommand(host, command, status string, durationSeconds float64) {
	CommandsTotal.WithLabelValues(host, command, status).Inc()
	CommandDuration.WithLabelValues(host, command, status).Observe(durationSeconds)
}
