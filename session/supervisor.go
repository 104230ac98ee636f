// Package session keeps a routesync client attached to the remote routing
// system. A Supervisor runs episodes back to back: each episode logs in,
// subscribes to endpoints and connections, loads their initial state into a
// state.Store and then polls both subscriptions until something fails. Every
// episode releases its subscriptions and session on exit, and failed episodes
// are retried with jittered exponential backoff until the context is cancelled.
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xiaonanln/routesync/model"
	"github.com/xiaonanln/routesync/payload"
	"github.com/xiaonanln/routesync/state"
	"github.com/xiaonanln/routesync/transport"
	"github.com/xiaonanln/routesync/util/backoff"
	"github.com/xiaonanln/routesync/util/callcontext"
	rserrors "github.com/xiaonanln/routesync/util/errors"
	"github.com/xiaonanln/routesync/util/logger"
	"github.com/xiaonanln/routesync/util/metrics"
)

const (
	// EndpointsPath is the subscription glob for endpoint definitions.
	EndpointsPath = "/status/network/nGraphElements/**"

	// ConnectionsPath is the subscription glob for active connections.
	ConnectionsPath = "/status/conman/services/**"

	DefaultPollInterval      = time.Second
	DefaultInitialBackoff    = time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultJitter            = 0.2

	// DefaultCleanupTimeout bounds the release of subscriptions and session at
	// the end of an episode, including one ended by cancellation.
	DefaultCleanupTimeout = 5 * time.Second
)

const (
	resourceEndpoints   = "endpoints"
	resourceConnections = "connections"
)

// Stage names the step an episode was in when it ended.
type Stage string

const (
	StageLogin     Stage = "login"
	StageSubscribe Stage = "subscribe"
	StagePoll      Stage = "poll"
	StageCancelled Stage = "cancelled"
)

// Transport is the subset of transport.Client the supervisor drives.
type Transport interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context)
	CreateSubscription(ctx context.Context, path string) (*transport.Subscription, error)
	PollSubscription(ctx context.Context, id string) (any, error)
	DeleteSubscription(ctx context.Context, id string)
}

// Options holds configuration options for the supervisor.
type Options struct {
	// PollInterval is the delay between poll ticks.
	PollInterval time.Duration

	// InitialBackoff, MaxBackoff, BackoffMultiplier and Jitter shape the delay
	// between failed episodes.
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64

	// CleanupTimeout bounds the end-of-episode release.
	CleanupTimeout time.Duration

	// Host labels the metrics recorded by this supervisor.
	Host string

	// Logger is the logger to use. If nil, a default logger is created.
	Logger *logger.Logger

	// OnConnecting is called when an episode starts.
	OnConnecting func()

	// OnConnected is called once an episode has loaded the initial state.
	OnConnected func()

	// OnDisconnected is called with the failure that ended an episode. It is
	// not called when the episode ends because the supervisor was cancelled.
	OnDisconnected func(err error)

	// OnEndpointsChanged is called after the initial load and after every poll
	// tick that changed the endpoint map.
	OnEndpointsChanged func()

	// OnConnectionsChanged is OnEndpointsChanged for connections.
	OnConnectionsChanged func()
}

// Option is a function that configures Options.
type Option func(*Options)

// WithPollInterval sets the delay between poll ticks.
func WithPollInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.PollInterval = interval
	}
}

// WithBackoff sets the retry schedule between failed episodes.
func WithBackoff(initial, max time.Duration, multiplier, jitter float64) Option {
	return func(o *Options) {
		o.InitialBackoff = initial
		o.MaxBackoff = max
		o.BackoffMultiplier = multiplier
		o.Jitter = jitter
	}
}

// WithCleanupTimeout sets the bound on end-of-episode release.
func WithCleanupTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.CleanupTimeout = timeout
	}
}

// WithHost sets the host label used for metrics.
func WithHost(host string) Option {
	return func(o *Options) {
		o.Host = host
	}
}

// WithLogger sets the logger to use.
func WithLogger(l *logger.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithOnConnecting sets the episode start callback.
func WithOnConnecting(fn func()) Option {
	return func(o *Options) {
		o.OnConnecting = fn
	}
}

// WithOnConnected sets the connected callback.
func WithOnConnected(fn func()) Option {
	return func(o *Options) {
		o.OnConnected = fn
	}
}

// WithOnDisconnected sets the episode failure callback.
func WithOnDisconnected(fn func(err error)) Option {
	return func(o *Options) {
		o.OnDisconnected = fn
	}
}

// WithOnEndpointsChanged sets the endpoints change callback.
func WithOnEndpointsChanged(fn func()) Option {
	return func(o *Options) {
		o.OnEndpointsChanged = fn
	}
}

// WithOnConnectionsChanged sets the connections change callback.
func WithOnConnectionsChanged(fn func()) Option {
	return func(o *Options) {
		o.OnConnectionsChanged = fn
	}
}

// DefaultOptions returns the default supervisor options.
func DefaultOptions() *Options {
	return &Options{
		PollInterval:      DefaultPollInterval,
		InitialBackoff:    DefaultInitialBackoff,
		MaxBackoff:        DefaultMaxBackoff,
		BackoffMultiplier: DefaultBackoffMultiplier,
		Jitter:            DefaultJitter,
		CleanupTimeout:    DefaultCleanupTimeout,
	}
}

// Supervisor owns one remote session at a time and is the only writer of its
// store. Run must not be called concurrently.
type Supervisor struct {
	transport Transport
	store     *state.Store
	options   *Options
	logger    *logger.Logger
	backoff   *backoff.Backoff

	connected atomic.Bool
}

// New creates a supervisor that mirrors the remote state into store.
func New(t Transport, store *state.Store, opts ...Option) *Supervisor {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	if options.CleanupTimeout <= 0 {
		options.CleanupTimeout = DefaultCleanupTimeout
	}

	l := options.Logger
	if l == nil {
		l = logger.NewLogger("Supervisor")
	}

	return &Supervisor{
		transport: t,
		store:     store,
		options:   options,
		logger:    l,
		backoff: backoff.New(options.InitialBackoff, options.MaxBackoff, options.BackoffMultiplier).
			WithJitter(options.Jitter),
	}
}

// Connected reports whether an episode is currently polling.
func (s *Supervisor) Connected() bool {
	return s.connected.Load()
}

// Run executes episodes until ctx is cancelled. It returns only after the
// current episode's cleanup has finished.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		reachedConnected, err := s.runEpisode(ctx)
		if ctx.Err() != nil {
			return
		}

		if reachedConnected {
			s.backoff.Reset()
		}
		s.logger.Warnf("Session lost: %v (retrying in about %v)", err, s.backoff.CurrentDelay())
		if s.options.OnDisconnected != nil {
			s.options.OnDisconnected(err)
		}

		if err := s.backoff.Wait(ctx); err != nil {
			return
		}
	}
}

// runEpisode runs one login-to-failure lifetime and reports whether it got as
// far as loading the initial state.
func (s *Supervisor) runEpisode(ctx context.Context) (reachedConnected bool, err error) {
	episodeID := uuid.NewString()
	ctx = callcontext.WithEpisodeID(ctx, episodeID)
	log := s.logger.Named(episodeID[:8])

	var subscriptions []string
	stage := StageLogin
	defer func() {
		s.setConnected(false)
		s.cleanup(ctx, log, subscriptions)
		if ctx.Err() != nil {
			stage = StageCancelled
		}
		metrics.RecordEpisodeEnd(s.options.Host, string(stage))
	}()

	if s.options.OnConnecting != nil {
		s.options.OnConnecting()
	}
	log.Infof("Logging in")
	if err := s.transport.Login(ctx); err != nil {
		return false, err
	}

	stage = StageSubscribe
	endpoints, err := s.subscribe(ctx, resourceEndpoints, EndpointsPath)
	if err != nil {
		return false, err
	}
	subscriptions = append(subscriptions, endpoints.ID)
	s.store.SetEndpoints(payload.ParseEndpoints(endpoints.Initial))

	connections, err := s.subscribe(ctx, resourceConnections, ConnectionsPath)
	if err != nil {
		return false, err
	}
	subscriptions = append(subscriptions, connections.ID)
	s.store.SetConnections(payload.ParseConnections(connections.Initial))

	snap := s.store.Snapshot()
	log.Infof("Connected: %d endpoints, %d connections", len(snap.Endpoints), len(snap.Connections))
	s.recordSizes(snap)
	s.setConnected(true)
	if s.options.OnConnected != nil {
		s.options.OnConnected()
	}
	notify(s.options.OnEndpointsChanged)
	notify(s.options.OnConnectionsChanged)

	stage = StagePoll
	return true, s.poll(ctx, log, endpoints.ID, connections.ID)
}

func (s *Supervisor) subscribe(ctx context.Context, resource, path string) (*transport.Subscription, error) {
	sub, err := s.transport.CreateSubscription(ctx, path)
	if err != nil {
		return nil, &rserrors.SubscriptionError{Resource: resource, Op: "create", Err: err}
	}
	return sub, nil
}

// poll ticks until a poll fails or ctx is cancelled. Endpoints are polled
// before connections on every tick.
func (s *Supervisor) poll(ctx context.Context, log *logger.Logger, endpointsID, connectionsID string) error {
	ticker := time.NewTicker(s.options.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		changed, err := s.pollOnce(ctx, resourceEndpoints, endpointsID, func(raw any) bool {
			return s.store.UpdateEndpoints(func(cur model.EndpointMap) (model.EndpointMap, bool) {
				return payload.ApplyEndpointDelta(cur, raw)
			})
		})
		if err != nil {
			return err
		}
		if changed {
			log.Debugf("Endpoints changed")
			notify(s.options.OnEndpointsChanged)
		}

		changed, err = s.pollOnce(ctx, resourceConnections, connectionsID, func(raw any) bool {
			return s.store.UpdateConnections(func(cur model.ConnectionMap) (model.ConnectionMap, bool) {
				return payload.ApplyConnectionDelta(cur, raw)
			})
		})
		if err != nil {
			return err
		}
		if changed {
			log.Debugf("Connections changed")
			notify(s.options.OnConnectionsChanged)
		}
	}
}

func (s *Supervisor) pollOnce(ctx context.Context, resource, id string, apply func(raw any) bool) (bool, error) {
	raw, err := s.transport.PollSubscription(ctx, id)
	if err != nil {
		metrics.RecordPoll(s.options.Host, resource, "error")
		return false, &rserrors.SubscriptionError{Resource: resource, SubscriptionID: id, Op: "poll", Err: err}
	}
	if raw == nil {
		metrics.RecordPoll(s.options.Host, resource, "empty")
		return false, nil
	}
	if !apply(raw) {
		metrics.RecordPoll(s.options.Host, resource, "unchanged")
		return false, nil
	}
	metrics.RecordPoll(s.options.Host, resource, "changed")
	s.recordSizes(s.store.Snapshot())
	return true, nil
}

// cleanup releases what the episode acquired. It runs on a context detached
// from ctx's cancellation so it still completes during shutdown.
func (s *Supervisor) cleanup(ctx context.Context, log *logger.Logger, subscriptions []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.options.CleanupTimeout)
	defer cancel()

	for _, id := range subscriptions {
		s.transport.DeleteSubscription(ctx, id)
	}
	s.transport.Logout(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Warnf("Cleanup did not finish within %v", s.options.CleanupTimeout)
		return
	}
	log.Debugf("Released %d subscriptions and logged out", len(subscriptions))
}

func (s *Supervisor) setConnected(connected bool) {
	s.connected.Store(connected)
	metrics.SetSessionConnected(s.options.Host, connected)
}

func (s *Supervisor) recordSizes(snap state.Snapshot) {
	metrics.SetTrackedResources(s.options.Host, resourceEndpoints, len(snap.Endpoints))
	metrics.SetTrackedResources(s.options.Host, resourceConnections, len(snap.Connections))
}

func notify(fn func()) {
	if fn != nil {
		fn()
	}
}
