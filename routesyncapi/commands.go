package routesyncapi

import (
	"context"
	"errors"
	"time"

	rserrors "github.com/xiaonanln/routesync/util/errors"
	"github.com/xiaonanln/routesync/util/metrics"
)

const (
	commandRoute      = "route"
	commandDisconnect = "disconnect"
)

// ExecuteRoute routes source to destination. It fails with ErrNotConnected
// when no session is active and otherwise returns nil or a
// *errors.ConnectionError. Commands are never retried.
func (r *Runtime) ExecuteRoute(ctx context.Context, source, destination string, strategy ConflictStrategy) error {
	cur, err := r.connected()
	if err != nil {
		return err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	unlock, err := r.destinations.lock(ctx, destination)
	if err == nil {
		err = cur.client.Connect(ctx, source, destination, strategy)
		unlock()
	} else {
		err = &rserrors.ConnectionError{From: source, To: destination, Err: err}
	}
	err = finishCommand(ctx, err, start, commandRoute, source+" -> "+destination)
	recordCommand(cur.host, commandRoute, err, start)
	if err != nil {
		r.logger.Warnf("Route %s -> %s failed: %v", source, destination, err)
	}
	return err
}

// ExecuteDisconnect tears down whatever is routed to destination. It fails
// without any network request when the destination has no connection.
func (r *Runtime) ExecuteDisconnect(ctx context.Context, destination string, strategy ConflictStrategy) error {
	cur, err := r.connected()
	if err != nil {
		return err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	unlock, err := r.destinations.lock(ctx, destination)
	if err != nil {
		err = finishCommand(ctx, &rserrors.ConnectionError{To: destination, Err: err}, start, commandDisconnect, destination)
		recordCommand(cur.host, commandDisconnect, err, start)
		return err
	}
	defer unlock()

	conn, ok := r.store.ConnectionForDestination(destination)
	if !ok {
		err := &rserrors.ConnectionError{To: destination, Message: "no active connection", Elapsed: time.Since(start)}
		recordCommand(cur.host, commandDisconnect, err, start)
		return err
	}

	err = cur.client.Disconnect(ctx, conn.ID, conn.Rev, strategy)
	err = finishCommand(ctx, err, start, commandDisconnect, conn.ID)
	var ce *rserrors.ConnectionError
	if errors.As(err, &ce) {
		ce.From = conn.From
		ce.To = destination
	}
	recordCommand(cur.host, commandDisconnect, err, start)
	if err != nil {
		r.logger.Warnf("Disconnect of %s (connection %s) failed: %v", destination, conn.ID, err)
	}
	return err
}

// connected returns the active run, or ErrNotConnected.
func (r *Runtime) connected() (*run, error) {
	cur := r.current()
	if cur == nil || !cur.supervisor.Connected() {
		return nil, ErrNotConnected
	}
	return cur, nil
}

// finishCommand stamps the elapsed time on a command failure and marks it as
// a timeout when the command deadline expired.
func finishCommand(ctx context.Context, err error, start time.Time, command, target string) error {
	if err == nil {
		return nil
	}
	var ce *rserrors.ConnectionError
	if !errors.As(err, &ce) {
		ce = &rserrors.ConnectionError{Err: err}
	}
	ce.Elapsed = time.Since(start)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		ce.Timeout = true
	}
	if ce.Timeout {
		var te *rserrors.TimeoutError
		if !errors.As(ce.Err, &te) {
			cause := ce.Err
			if cause == nil {
				cause = ctx.Err()
			}
			ce.Err = rserrors.NewTimeoutError(command, target, cause)
		}
	}
	return ce
}

func recordCommand(host, command string, err error, start time.Time) {
	status := "ok"
	switch {
	case err == nil:
	case rserrors.IsTimeout(err):
		status = "timeout"
	default:
		status = "failed"
	}
	metrics.RecordCommand(host, command, status, time.Since(start).Seconds())
}
