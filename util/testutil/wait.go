package testutil

import (
	"testing"
	"time"
)

// WaitFor polls a condition function until it returns true or times out.
// It's useful for waiting on callbacks fired by a background supervisor.
// The condition is checked every 10ms.
//
// Parameters:
//   - t: The testing.TB instance for the current test
//   - timeout: Maximum time to wait for the condition
//   - message: Error message to display if timeout occurs
//   - condition: A function that returns true when the desired state is reached
//
// Usage:
//
//	testutil.WaitFor(t, 5*time.Second, "initial state to load", func() bool {
//	    return len(store.Snapshot().Endpoints) == 3
//	})
func WaitFor(t testing.TB, timeout time.Duration, message string, condition func() bool) {
	t.Helper()

	start := time.Now()

	// Check immediately first
	if condition() {
		return
	}

	tickerInterval := 10 * time.Millisecond
	if timeout < tickerInterval {
		timeout = tickerInterval
	}

	deadline := start.Add(timeout)
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()

	checkCount := 1
	for range ticker.C {
		checkCount++
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s (waited %v, %d attempts)", message, time.Since(start).Round(time.Millisecond), checkCount)
		}
	}
}

// Never asserts that condition stays false for the whole duration.
func Never(t testing.TB, duration time.Duration, message string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if condition() {
			t.Fatalf("Unexpected: %s", message)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
