// Package routesyncapi is the host-facing surface of routesync: a Runtime
// that keeps a session to the routing system alive, exposes the mirrored
// endpoints and connections, and executes route and disconnect commands.
package routesyncapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaonanln/routesync/config"
	"github.com/xiaonanln/routesync/model"
	"github.com/xiaonanln/routesync/session"
	"github.com/xiaonanln/routesync/state"
	"github.com/xiaonanln/routesync/transport"
	"github.com/xiaonanln/routesync/util/logger"
	"github.com/xiaonanln/routesync/util/metrics"
)

// Type aliases for core components
type Config = config.Config
type Endpoint = model.Endpoint
type Connection = model.Connection
type ConflictStrategy = model.ConflictStrategy
type Snapshot = state.Snapshot
type LogLevel = logger.LogLevel

const (
	NoStrategy        = model.NoStrategy
	CancelDestination = model.CancelDestination
	UnallocateBoth    = model.UnallocateBoth
)

// CommandTimeout bounds every route and disconnect command.
const CommandTimeout = 30 * time.Second

// ErrNotConnected is returned by commands issued while no session is active.
var ErrNotConnected = errors.New("routesync: not connected")

// Status is the coarse connection state reported to the host.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusOk
	StatusConnectionFailure
	StatusBadConfig
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusOk:
		return "ok"
	case StatusConnectionFailure:
		return "connection_failure"
	case StatusBadConfig:
		return "bad_config"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Callbacks are invoked from the runtime's background goroutine, except
// OnStatus which Start and Stop also call on the caller's goroutine. Callbacks
// must not call Start or Stop. Nil callbacks are skipped.
type Callbacks struct {
	OnConnected    func()
	OnDisconnected func(reason string)
	OnLog          func(level LogLevel, message string)
	// OnEndpointsChanged and OnConnectionsChanged signal that Snapshot has
	// new content; hosts re-read it rather than receiving the change.
	OnEndpointsChanged   func()
	OnConnectionsChanged func()
	OnStatus             func(status Status, message string)
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the root logger. Its sink is replaced by Callbacks.OnLog
// when that callback is set.
func WithLogger(l *logger.Logger) Option {
	return func(r *Runtime) {
		r.logger = l
	}
}

// WithTransportOptions passes options to every transport client the runtime
// creates, after the options derived from the configuration.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(r *Runtime) {
		r.transportOptions = append(r.transportOptions, opts...)
	}
}

// WithSessionOptions passes options to every supervisor the runtime creates,
// after the options derived from the configuration.
func WithSessionOptions(opts ...session.Option) Option {
	return func(r *Runtime) {
		r.sessionOptions = append(r.sessionOptions, opts...)
	}
}

// Runtime is safe for concurrent use. Commands may run concurrently with each
// other and with the background session.
type Runtime struct {
	callbacks        Callbacks
	logger           *logger.Logger
	store            *state.Store
	destinations     *destinationLocks
	transportOptions []transport.Option
	sessionOptions   []session.Option

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu  sync.Mutex
	cur *run
}

// run is one Start-to-Stop lifetime.
type run struct {
	host       string
	client     *transport.Client
	supervisor *session.Supervisor
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewRuntime creates a stopped runtime.
func NewRuntime(callbacks Callbacks, opts ...Option) *Runtime {
	r := &Runtime{
		callbacks:    callbacks,
		store:        state.NewStore(),
		destinations: newDestinationLocks(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.NewLogger("routesync")
	}
	if callbacks.OnLog != nil {
		r.logger.SetSink(logger.Sink(callbacks.OnLog))
	}
	return r
}

// Start validates cfg and starts a background session. A running session is
// stopped first. Missing credentials are reported as StatusBadConfig and the
// runtime stays stopped.
func (r *Runtime) Start(cfg *Config) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.stopLocked()

	if err := cfg.Validate(); err != nil {
		r.status(StatusBadConfig, err.Error())
		if errors.Is(err, config.ErrMissingCredentials) {
			r.logger.Warnf("Not starting: %v", err)
		} else {
			r.logger.Errorf("Invalid configuration: %v", err)
		}
		return err
	}
	if cfg.Log.Level != "" {
		level, err := logger.ParseLevel(cfg.Log.Level)
		if err != nil {
			r.status(StatusBadConfig, err.Error())
			return err
		}
		r.logger.SetLevel(level)
	}

	host := cfg.Router.Address()
	transportOpts := append([]transport.Option{
		transport.WithTLSVerification(cfg.Router.VerifyTLS),
		transport.WithLogger(r.logger.Named("transport")),
	}, r.transportOptions...)
	client, err := transport.NewClient(cfg.Router.BaseURL(), cfg.Router.Username, cfg.Router.Password, transportOpts...)
	if err != nil {
		r.status(StatusBadConfig, err.Error())
		return err
	}

	sessionOpts := append([]session.Option{
		session.WithPollInterval(cfg.Router.PollInterval()),
		session.WithHost(host),
		session.WithLogger(r.logger.Named("session")),
		session.WithOnConnecting(func() {
			r.status(StatusConnecting, "connecting to "+host)
		}),
		session.WithOnConnected(func() {
			r.status(StatusOk, "")
			call(r.callbacks.OnConnected)
		}),
		session.WithOnDisconnected(func(err error) {
			r.status(StatusConnectionFailure, err.Error())
			if r.callbacks.OnDisconnected != nil {
				r.callbacks.OnDisconnected(err.Error())
			}
		}),
		session.WithOnEndpointsChanged(func() { call(r.callbacks.OnEndpointsChanged) }),
		session.WithOnConnectionsChanged(func() { call(r.callbacks.OnConnectionsChanged) }),
	}, r.sessionOptions...)
	sup := session.New(client, r.store, sessionOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	cur := &run{
		host:       host,
		client:     client,
		supervisor: sup,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go func() {
		defer close(cur.done)
		sup.Run(ctx)
	}()

	r.mu.Lock()
	r.cur = cur
	r.mu.Unlock()

	r.logger.Infof("Started session to %s", host)
	return nil
}

// Stop cancels the background session, waits for its subscriptions and
// session to be released, and clears the mirrored state. It is safe to call
// at any time, including repeatedly.
func (r *Runtime) Stop() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.stopLocked()
}

func (r *Runtime) stopLocked() {
	r.mu.Lock()
	cur := r.cur
	r.cur = nil
	r.mu.Unlock()

	if cur == nil {
		return
	}

	cur.cancel()
	<-cur.done
	r.store.Reset()
	metrics.SetTrackedResources(cur.host, "endpoints", 0)
	metrics.SetTrackedResources(cur.host, "connections", 0)

	r.logger.Infof("Stopped session to %s", cur.host)
	r.status(StatusDisconnected, "stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur != nil
}

// Connected reports whether the background session is currently polling.
func (r *Runtime) Connected() bool {
	cur := r.current()
	return cur != nil && cur.supervisor.Connected()
}

// Snapshot returns the mirrored endpoints and connections.
func (r *Runtime) Snapshot() Snapshot {
	return r.store.Snapshot()
}

// Sources returns every routable source sorted by id.
func (r *Runtime) Sources() []Endpoint {
	return r.store.Sources()
}

// Destinations returns every routable destination sorted by id.
func (r *Runtime) Destinations() []Endpoint {
	return r.store.Destinations()
}

// ConnectionForDestination returns the connection currently routed to the
// destination.
func (r *Runtime) ConnectionForDestination(destination string) (Connection, bool) {
	return r.store.ConnectionForDestination(destination)
}

func (r *Runtime) current() *run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

func (r *Runtime) status(s Status, message string) {
	if r.callbacks.OnStatus != nil {
		r.callbacks.OnStatus(s, message)
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
