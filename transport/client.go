// Package transport executes authenticated requests against the remote
// routing system: session login and logout, long-poll subscriptions, and the
// connect/disconnect routing commands.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/xiaonanln/routesync/util/callcontext"
	rserrors "github.com/xiaonanln/routesync/util/errors"
	"github.com/xiaonanln/routesync/util/logger"
)

const (
	SessionPath       = "/api/_session"
	SubscriptionsPath = "/api/_session/subscriptions"
	ConnectPath       = "/api/connect"
	DisconnectPath    = "/api/disconnect"

	SessionCookieName = "sessionid"
	XSRFCookieName    = "XSRF-TOKEN"
	XSRFHeaderName    = "X-XSRF-TOKEN"

	// RequestIDHeader carries the session episode id so that server logs can
	// be matched with ours.
	RequestIDHeader = "X-Request-ID"

	// DefaultRequestTimeout bounds every call except subscription polls, whose
	// duration is governed by the server's long-poll window.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultPollTimeout caps a single subscription poll: the server's
	// long-poll window plus a margin. A server that accepts the ack and never
	// answers fails the poll instead of hanging the session.
	DefaultPollTimeout = 60 * time.Second

	// cleanupTimeout bounds best-effort calls (logout, unsubscribe).
	cleanupTimeout = 5 * time.Second

	defaultConnectTimeout = 5 * time.Second
	defaultTLSTimeout     = 5 * time.Second

	// maxErrorBody is how much of a failed response body is kept for diagnostics.
	maxErrorBody = 512
)

// ErrNoBaseURL is returned when the client is created without a base URL.
var ErrNoBaseURL = errors.New("base URL is required")

// SessionInfo is the credential material returned by a successful login.
// It lives only in memory.
type SessionInfo struct {
	SessionID string
	XSRFToken string
}

// Options holds configuration options for the client.
type Options struct {
	// HTTPClient replaces the default client. VerifyTLS is ignored when set.
	HTTPClient *http.Client

	// VerifyTLS enables server certificate validation.
	VerifyTLS bool

	// RequestTimeout is applied to calls whose context has no deadline.
	RequestTimeout time.Duration

	// PollTimeout bounds every subscription poll.
	PollTimeout time.Duration

	// Logger is the logger to use. If nil, a default logger is created.
	Logger *logger.Logger
}

// Option is a function that configures Options.
type Option func(*Options)

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = client
	}
}

// WithTLSVerification toggles server certificate validation.
func WithTLSVerification(verify bool) Option {
	return func(o *Options) {
		o.VerifyTLS = verify
	}
}

// WithRequestTimeout sets the default timeout for non-poll calls.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.RequestTimeout = timeout
	}
}

// WithPollTimeout sets the ceiling for a single subscription poll.
func WithPollTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.PollTimeout = timeout
	}
}

// WithLogger sets the logger to use.
func WithLogger(l *logger.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// Client talks to one remote routing system on behalf of one user. The
// session is guarded by an internal lock; all methods are safe for concurrent
// use.
type Client struct {
	baseURL  string
	username string
	password string

	http           *http.Client
	requestTimeout time.Duration
	pollTimeout    time.Duration
	logger         *logger.Logger

	mu      sync.RWMutex
	session *SessionInfo
}

func setRequestID(ctx context.Context, req *http.Request) {
	if id := callcontext.EpisodeID(ctx); id != "" {
		req.Header.Set(RequestIDHeader, id)
	}
}

// episodeTag renders the episode id carried by ctx as a log suffix.
func episodeTag(ctx context.Context) string {
	if id := callcontext.EpisodeID(ctx); id != "" {
		return " [episode " + id + "]"
	}
	return ""
}

func defaultHTTPClient(verifyTLS bool) *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultConnectTimeout,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultTLSTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !verifyTLS,
		},
		MaxIdleConnsPerHost: 4,
	}
	// No overall client timeout: subscription polls block for the server's
	// long-poll window and are bounded by their context instead.
	return &http.Client{
		Transport: transport,
	}
}

// NewClient creates a client for the system at baseURL (scheme://host:port).
func NewClient(baseURL, username, password string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, ErrNoBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}

	options := &Options{
		VerifyTLS:      true,
		RequestTimeout: DefaultRequestTimeout,
		PollTimeout:    DefaultPollTimeout,
	}
	for _, opt := range opts {
		opt(options)
	}

	if options.Logger == nil {
		options.Logger = logger.NewLogger("Transport")
	}
	if options.HTTPClient == nil {
		options.HTTPClient = defaultHTTPClient(options.VerifyTLS)
	}

	return &Client{
		baseURL:        baseURL,
		username:       username,
		password:       password,
		http:           options.HTTPClient,
		requestTimeout: options.RequestTimeout,
		pollTimeout:    options.PollTimeout,
		logger:         options.Logger,
	}, nil
}

// Session returns a copy of the current session, or nil when logged out.
func (c *Client) Session() *SessionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// HasSession reports whether a login has succeeded and not been undone.
func (c *Client) HasSession() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil
}

func (c *Client) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline || c.requestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

// Login submits the credentials and stores the session cookie and CSRF token
// from the response. A previous session is replaced.
func (c *Client) Login(ctx context.Context) error {
	ctx, cancel := c.withDefaultTimeout(ctx)
	defer cancel()

	form := url.Values{}
	form.Set("name", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+SessionPath, strings.NewReader(form.Encode()))
	if err != nil {
		return &rserrors.ApiRequestError{Path: SessionPath, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	setRequestID(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &rserrors.ApiRequestError{Path: SessionPath, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &rserrors.AuthenticationError{Status: resp.StatusCode, Reason: "login rejected"}
	}

	var session SessionInfo
	for _, cookie := range resp.Cookies() {
		switch cookie.Name {
		case SessionCookieName:
			session.SessionID = cookie.Value
		case XSRFCookieName:
			session.XSRFToken = cookie.Value
		}
	}
	if session.SessionID == "" {
		return &rserrors.AuthenticationError{Status: resp.StatusCode, Reason: "response did not set " + SessionCookieName}
	}
	if session.XSRFToken == "" {
		return &rserrors.AuthenticationError{Status: resp.StatusCode, Reason: "response did not set " + XSRFCookieName}
	}

	c.mu.Lock()
	c.session = &session
	c.mu.Unlock()

	c.logger.Debugf("Logged in to %s as %s%s", c.baseURL, c.username, episodeTag(ctx))
	return nil
}

// Logout invalidates the session server-side on a best-effort basis and
// always clears it locally. Safe to call without a session.
func (c *Client) Logout(ctx context.Context) {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	if session == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	if err := c.send(ctx, session, http.MethodDelete, SessionPath, nil, nil); err != nil {
		c.logger.Debugf("Logout ignored error%s: %v", episodeTag(ctx), err)
		return
	}
	c.logger.Debugf("Logged out of %s%s", c.baseURL, episodeTag(ctx))
}

// Get performs an authenticated GET and decodes the JSON response into out.
// An empty response body leaves out untouched.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	ctx, cancel := c.withDefaultTimeout(ctx)
	defer cancel()
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post performs an authenticated POST with a JSON-encoded body (nil sends an
// empty body) and decodes the JSON response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := c.withDefaultTimeout(ctx)
	defer cancel()
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	session := c.Session()
	if session == nil {
		return &rserrors.SessionExpiredError{Path: path}
	}
	return c.send(ctx, session, method, path, body, out)
}

func (c *Client) send(ctx context.Context, session *SessionInfo, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &rserrors.ApiRequestError{Path: path, Err: fmt.Errorf("encode request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &rserrors.ApiRequestError{Path: path, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: session.SessionID})
	req.AddCookie(&http.Cookie{Name: XSRFCookieName, Value: session.XSRFToken})
	req.Header.Set(XSRFHeaderName, session.XSRFToken)
	setRequestID(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &rserrors.ApiRequestError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return &rserrors.SessionExpiredError{Path: path}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var cause error
		if s := strings.TrimSpace(string(snippet)); s != "" {
			cause = errors.New(s)
		}
		return &rserrors.ApiRequestError{Path: path, Status: resp.StatusCode, Err: cause}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &rserrors.ApiRequestError{Path: path, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &rserrors.ApiRequestError{Path: path, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
