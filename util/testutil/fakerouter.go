package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// FakeRouter is an in-process HTTPS server speaking the routing system's
// session, subscription and routing protocol. Tests script it by setting
// initial payloads, pushing deltas and overriding responses.
type FakeRouter struct {
	Server *httptest.Server

	Username string
	Password string

	mu            sync.Mutex
	pollWait      time.Duration
	loginStatus   int
	omitSubID     bool
	sessionSeq    int
	sessionID     string
	xsrfToken     string
	subSeq        int
	subs          map[string]*fakeSubscription
	initial       map[string]any
	logins        int
	logouts       int
	created       []string
	deleted       []string
	polls         int
	pollStatus    int
	routeStatus   int
	routeDelay    time.Duration
	connectBody   any
	disconnBody   any
	connectReqs   []map[string]any
	disconnReqs   []map[string]any
	unauthorizeds int
}

type fakeSubscription struct {
	path    string
	pending []any
	notify  chan struct{}
}

// NewFakeRouter starts a TLS server and registers its shutdown with t.
func NewFakeRouter(t testing.TB) *FakeRouter {
	t.Helper()

	fr := &FakeRouter{
		Username: "operator",
		Password: "secret",
		pollWait: 20 * time.Millisecond,
		subs:     make(map[string]*fakeSubscription),
		initial:  make(map[string]any),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/_session", fr.handleLogin)
	mux.HandleFunc("DELETE /api/_session", fr.handleLogout)
	mux.HandleFunc("POST /api/_session/subscriptions", fr.handleSubscribe)
	mux.HandleFunc("POST /api/_session/subscriptions/{id}/ack", fr.handleAck)
	mux.HandleFunc("DELETE /api/_session/subscriptions/{id}", fr.handleUnsubscribe)
	mux.HandleFunc("POST /api/connect", fr.handleConnect)
	mux.HandleFunc("POST /api/disconnect", fr.handleDisconnect)

	fr.Server = httptest.NewTLSServer(mux)
	t.Cleanup(fr.Server.Close)
	return fr
}

// URL returns the base URL of the server.
func (fr *FakeRouter) URL() string {
	return fr.Server.URL
}

// HTTPClient returns a client that trusts the server's certificate.
func (fr *FakeRouter) HTTPClient() *http.Client {
	return fr.Server.Client()
}

// SetPollWait sets how long an ack blocks when no delta is queued.
func (fr *FakeRouter) SetPollWait(d time.Duration) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.pollWait = d
}

// SetInitial sets the payload returned when a subscription to path is created.
func (fr *FakeRouter) SetInitial(path string, payload any) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.initial[path] = payload
}

// PushDelta queues a delta for every live subscription on path.
func (fr *FakeRouter) PushDelta(path string, delta any) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, sub := range fr.subs {
		if sub.path != path {
			continue
		}
		sub.pending = append(sub.pending, delta)
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

// FailLogins makes every login answer with status; 0 restores success.
func (fr *FakeRouter) FailLogins(status int) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.loginStatus = status
}

// OmitSubscriptionID makes subscription responses lack their id field.
func (fr *FakeRouter) OmitSubscriptionID(omit bool) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.omitSubID = omit
}

// FailPolls makes every ack answer with status; 0 restores normal polling.
func (fr *FakeRouter) FailPolls(status int) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.pollStatus = status
}

// ExpireSession invalidates the current session; the next authenticated call
// receives 401.
func (fr *FakeRouter) ExpireSession() {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.sessionID = ""
	fr.xsrfToken = ""
}

// SetRouteStatus makes connect and disconnect answer with an HTTP status; 0
// restores 200.
func (fr *FakeRouter) SetRouteStatus(status int) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.routeStatus = status
}

// SetRouteDelay makes connect and disconnect wait before answering.
func (fr *FakeRouter) SetRouteDelay(d time.Duration) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.routeDelay = d
}

// SetConnectResponse replaces the body returned by connect; nil restores the
// default success body.
func (fr *FakeRouter) SetConnectResponse(body any) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.connectBody = body
}

// SetDisconnectResponse replaces the body returned by disconnect; nil restores
// the default success body.
func (fr *FakeRouter) SetDisconnectResponse(body any) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.disconnBody = body
}

// Logins returns the number of successful logins.
func (fr *FakeRouter) Logins() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.logins
}

// Logouts returns the number of logout calls.
func (fr *FakeRouter) Logouts() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.logouts
}

// Polls returns the number of ack calls received.
func (fr *FakeRouter) Polls() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.polls
}

// CreatedSubscriptions returns the paths subscribed to, in order.
func (fr *FakeRouter) CreatedSubscriptions() []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]string(nil), fr.created...)
}

// DeletedSubscriptions returns the ids unsubscribed, in order.
func (fr *FakeRouter) DeletedSubscriptions() []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]string(nil), fr.deleted...)
}

// LiveSubscriptions returns the number of subscriptions not yet deleted.
func (fr *FakeRouter) LiveSubscriptions() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return len(fr.subs)
}

// ConnectRequests returns the decoded bodies of connect calls.
func (fr *FakeRouter) ConnectRequests() []map[string]any {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]map[string]any(nil), fr.connectReqs...)
}

// DisconnectRequests returns the decoded bodies of disconnect calls.
func (fr *FakeRouter) DisconnectRequests() []map[string]any {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]map[string]any(nil), fr.disconnReqs...)
}

// Unauthorized returns how many requests were answered with 401.
func (fr *FakeRouter) Unauthorized() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.unauthorizeds
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// authorized checks the session cookie and the CSRF header/cookie pair. The
// caller must hold fr.mu.
func (fr *FakeRouter) authorized(r *http.Request) bool {
	if fr.sessionID == "" {
		return false
	}
	session, err := r.Cookie("sessionid")
	if err != nil || session.Value != fr.sessionID {
		return false
	}
	xsrf, err := r.Cookie("XSRF-TOKEN")
	if err != nil || xsrf.Value != fr.xsrfToken {
		return false
	}
	return r.Header.Get("X-XSRF-TOKEN") == fr.xsrfToken
}

func (fr *FakeRouter) rejectUnauthorized(w http.ResponseWriter, r *http.Request) bool {
	if fr.authorized(r) {
		return false
	}
	fr.unauthorizeds++
	w.WriteHeader(http.StatusUnauthorized)
	return true
}

func (fr *FakeRouter) handleLogin(w http.ResponseWriter, r *http.Request) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if fr.loginStatus != 0 {
		writeJSON(w, fr.loginStatus, map[string]any{"header": map[string]any{"ok": false}})
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("name") != fr.Username || r.PostForm.Get("password") != fr.Password {
		writeJSON(w, http.StatusForbidden, map[string]any{"header": map[string]any{"ok": false}})
		return
	}

	fr.sessionSeq++
	fr.logins++
	fr.sessionID = fmt.Sprintf("session-%d", fr.sessionSeq)
	fr.xsrfToken = fmt.Sprintf("xsrf-%d", fr.sessionSeq)
	http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: fr.sessionID, Path: "/", HttpOnly: true})
	http.SetCookie(w, &http.Cookie{Name: "XSRF-TOKEN", Value: fr.xsrfToken, Path: "/"})
	writeJSON(w, http.StatusOK, map[string]any{"header": map[string]any{"ok": true}})
}

func (fr *FakeRouter) handleLogout(w http.ResponseWriter, r *http.Request) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	fr.logouts++
	if fr.rejectUnauthorized(w, r) {
		return
	}
	fr.sessionID = ""
	fr.xsrfToken = ""
	w.WriteHeader(http.StatusNoContent)
}

func (fr *FakeRouter) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if fr.rejectUnauthorized(w, r) {
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	fr.subSeq++
	id := fmt.Sprintf("sub-%d", fr.subSeq)
	fr.subs[id] = &fakeSubscription{path: req.Path, notify: make(chan struct{}, 1)}
	fr.created = append(fr.created, req.Path)

	resp := map[string]any{"data": fr.initial[req.Path]}
	if !fr.omitSubID {
		resp["id"] = id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (fr *FakeRouter) handleAck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	fr.mu.Lock()
	fr.polls++
	if fr.rejectUnauthorized(w, r) {
		fr.mu.Unlock()
		return
	}
	if fr.pollStatus != 0 {
		status := fr.pollStatus
		fr.mu.Unlock()
		w.WriteHeader(status)
		return
	}
	sub, ok := fr.subs[id]
	if !ok {
		fr.mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if delta, ok := fr.popLocked(sub); ok {
		fr.mu.Unlock()
		writeJSON(w, http.StatusOK, delta)
		return
	}
	notify := sub.notify
	wait := fr.pollWait
	fr.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-notify:
	case <-timer.C:
	case <-r.Context().Done():
		return
	}

	fr.mu.Lock()
	delta, ok := fr.popLocked(sub)
	fr.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

func (fr *FakeRouter) popLocked(sub *fakeSubscription) (any, bool) {
	if len(sub.pending) == 0 {
		return nil, false
	}
	delta := sub.pending[0]
	sub.pending = sub.pending[1:]
	return delta, true
}

func (fr *FakeRouter) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if fr.rejectUnauthorized(w, r) {
		return
	}
	id := r.PathValue("id")
	delete(fr.subs, id)
	fr.deleted = append(fr.deleted, id)
	w.WriteHeader(http.StatusNoContent)
}

func successResponse() map[string]any {
	return map[string]any{
		"header": map[string]any{"ok": true, "code": 0},
		"data": map[string]any{
			"entries": []any{map[string]any{"result": map[string]any{"ok": true}}},
		},
	}
}

func (fr *FakeRouter) handleRoute(w http.ResponseWriter, r *http.Request, record *[]map[string]any, body any) {
	if fr.rejectUnauthorized(w, r) {
		return
	}
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	*record = append(*record, req)

	if fr.routeStatus != 0 {
		w.WriteHeader(fr.routeStatus)
		return
	}
	if body == nil {
		body = successResponse()
	}
	writeJSON(w, http.StatusOK, body)
}

func (fr *FakeRouter) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !fr.delayRoute(r) {
		return
	}
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.handleRoute(w, r, &fr.connectReqs, fr.connectBody)
}

func (fr *FakeRouter) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !fr.delayRoute(r) {
		return
	}
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.handleRoute(w, r, &fr.disconnReqs, fr.disconnBody)
}

// delayRoute waits out the configured route delay and reports whether the
// client is still waiting for an answer.
func (fr *FakeRouter) delayRoute(r *http.Request) bool {
	fr.mu.Lock()
	delay := fr.routeDelay
	fr.mu.Unlock()
	if delay <= 0 {
		return true
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.Context().Done():
		return false
	}
}
