// Package errors defines the typed failures surfaced by the routesync client.
// Every type that wraps a cause implements Unwrap, so errors.As finds the
// innermost classification through any layer of context.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AuthenticationError reports a rejected login or a login response that did
// not carry the expected session material.
type AuthenticationError struct {
	Status int
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	msg := "authentication failed"
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// SessionExpiredError is returned when an authenticated call observes HTTP 401,
// or when a call is attempted without a session. Callers must log in again
// rather than retry the same request.
type SessionExpiredError struct {
	Path string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session expired: %s", e.Path)
}

// ApiRequestError reports a non-authentication failure of a request: a non-2xx
// status, a network failure or an undecodable body.
type ApiRequestError struct {
	Path   string
	Status int
	Err    error
}

func (e *ApiRequestError) Error() string {
	var b strings.Builder
	b.WriteString("request ")
	b.WriteString(e.Path)
	b.WriteString(" failed")
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ApiRequestError) Unwrap() error {
	return e.Err
}

// SubscriptionError adds subscription context to a create or poll failure.
type SubscriptionError struct {
	Resource       string
	SubscriptionID string
	Op             string
	Err            error
}

func (e *SubscriptionError) Error() string {
	if e.SubscriptionID != "" {
		return fmt.Sprintf("%s subscription %s (%s): %v", e.Resource, e.Op, e.SubscriptionID, e.Err)
	}
	return fmt.Sprintf("%s subscription %s: %v", e.Resource, e.Op, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// ConnectionError reports a failed route or disconnect command: a transport
// failure, a timeout, or a routing failure reported by the server.
type ConnectionError struct {
	From         string
	To           string
	ConnectionID string
	// Code is the server-reported error code, zero when none was given.
	Code    int
	Message string
	Timeout bool
	Elapsed time.Duration
	Err     error
}

func (e *ConnectionError) Error() string {
	var b strings.Builder
	switch {
	case e.ConnectionID != "":
		fmt.Fprintf(&b, "connection %s", e.ConnectionID)
		if e.From != "" && e.To != "" {
			fmt.Fprintf(&b, " (%s -> %s)", e.From, e.To)
		}
	case e.From != "":
		fmt.Fprintf(&b, "route %s -> %s", e.From, e.To)
	case e.To != "":
		fmt.Fprintf(&b, "disconnect of %s", e.To)
	default:
		b.WriteString("routing command")
	}
	if e.Timeout {
		b.WriteString(" timed out")
	} else {
		b.WriteString(" failed")
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Elapsed > 0 {
		fmt.Fprintf(&b, " after %v", e.Elapsed.Round(time.Millisecond))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TimeoutError represents a timeout during an operation.
type TimeoutError struct {
	Operation string
	Target    string
	Err       error
}

func (e *TimeoutError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("timeout: %s on %s: %v", e.Operation, e.Target, e.Err)
	}
	return fmt.Sprintf("timeout: %s: %v", e.Operation, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation, target string, err error) *TimeoutError {
	return &TimeoutError{
		Operation: operation,
		Target:    target,
		Err:       err,
	}
}

// IsTimeout reports whether err is a timeout error. It checks for TimeoutError,
// ConnectionError with Timeout set, and context.DeadlineExceeded.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}

	var ce *ConnectionError
	if errors.As(err, &ce) && ce.Timeout {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// IsSessionExpired reports whether err carries a SessionExpiredError.
func IsSessionExpired(err error) bool {
	var se *SessionExpiredError
	return errors.As(err, &se)
}

// IsAuthentication reports whether err carries an AuthenticationError.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}
