package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestTimeoutErrorMessage(t *testing.T) {
	err := NewTimeoutError("connect", "cam1 -> mon1", context.DeadlineExceeded)
	expected := "timeout: connect on cam1 -> mon1: context deadline exceeded"
	if err.Error() != expected {
		t.Fatalf("got %q, want %q", err.Error(), expected)
	}

	err = NewTimeoutError("login", "", context.DeadlineExceeded)
	expected = "timeout: login: context deadline exceeded"
	if err.Error() != expected {
		t.Fatalf("got %q, want %q", err.Error(), expected)
	}
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"DeadlineExceeded", context.DeadlineExceeded, true},
		{"TimeoutError", NewTimeoutError("op", "id", fmt.Errorf("x")), true},
		{"wrapped DeadlineExceeded", fmt.Errorf("wrap: %w", context.DeadlineExceeded), true},
		{"timed out ConnectionError", &ConnectionError{From: "a", To: "b", Timeout: true}, true},
		{"rejected ConnectionError", &ConnectionError{From: "a", To: "b", Code: 409}, false},
		{"Canceled", context.Canceled, false},
		{"plain", fmt.Errorf("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTimeout(tt.err); got != tt.want {
				t.Fatalf("IsTimeout(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSubscriptionErrorUnwrapsSessionExpiry(t *testing.T) {
	err := fmt.Errorf("episode: %w", &SubscriptionError{
		Resource:       "connections",
		SubscriptionID: "sub-7",
		Op:             "poll",
		Err:            &SessionExpiredError{Path: "/api/_session/subscriptions/sub-7/ack"},
	})

	if !IsSessionExpired(err) {
		t.Fatalf("expected session expiry to be found through %v", err)
	}
	var se *SubscriptionError
	if !errors.As(err, &se) || se.SubscriptionID != "sub-7" {
		t.Fatalf("expected SubscriptionError with id sub-7, got %v", err)
	}
	if !strings.Contains(err.Error(), "connections subscription poll (sub-7)") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestApiRequestErrorMessage(t *testing.T) {
	err := &ApiRequestError{Path: "/api/connect", Status: 500, Err: fmt.Errorf("boom")}
	if got := err.Error(); got != "request /api/connect failed (HTTP 500): boom" {
		t.Fatalf("got %q", got)
	}
}

func TestAuthenticationErrorMessage(t *testing.T) {
	err := &AuthenticationError{Status: 403, Reason: "login rejected"}
	if got := err.Error(); got != "authentication failed (HTTP 403): login rejected" {
		t.Fatalf("got %q", got)
	}
	if !IsAuthentication(fmt.Errorf("wrap: %w", err)) {
		t.Fatal("IsAuthentication should see through wrapping")
	}
}

func TestConnectionErrorMessage(t *testing.T) {
	err := &ConnectionError{
		From:    "srcA",
		To:      "dstB",
		Code:    409,
		Message: "destination in use",
		Elapsed: 1234 * time.Millisecond,
	}
	want := "route srcA -> dstB failed (code 409) after 1.234s: destination in use"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	timeout := &ConnectionError{ConnectionID: "c1", Timeout: true, Err: context.DeadlineExceeded}
	if got := timeout.Error(); got != "connection c1 timed out: context deadline exceeded" {
		t.Fatalf("got %q", got)
	}

	rejected := &ConnectionError{ConnectionID: "c1", From: "cam1", To: "mon1", Code: 412, Message: "stale revision"}
	if got := rejected.Error(); got != "connection c1 (cam1 -> mon1) failed (code 412): stale revision" {
		t.Fatalf("got %q", got)
	}

	idle := &ConnectionError{To: "mon1", Message: "no active connection"}
	if got := idle.Error(); got != "disconnect of mon1 failed: no active connection" {
		t.Fatalf("got %q", got)
	}
}
