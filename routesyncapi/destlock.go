package routesyncapi

import (
	"context"
	"sync"
)

// destinationLockEntry is a one-slot semaphore shared by every command waiting
// on the same destination.
type destinationLockEntry struct {
	slot     chan struct{}
	refCount int
}

// destinationLocks serializes commands per destination so that a disconnect
// never races a route on the same output. Entries are created on demand and
// removed once no command holds or waits for them. Waiting honors ctx, so the
// command timeout also bounds time spent queued.
type destinationLocks struct {
	mu    sync.Mutex
	locks map[string]*destinationLockEntry
}

func newDestinationLocks() *destinationLocks {
	return &destinationLocks{
		locks: make(map[string]*destinationLockEntry),
	}
}

// lock acquires the destination. The returned unlock function must be called
// exactly once when err is nil.
func (dl *destinationLocks) lock(ctx context.Context, destination string) (unlock func(), err error) {
	dl.mu.Lock()
	entry, exists := dl.locks[destination]
	if !exists {
		entry = &destinationLockEntry{slot: make(chan struct{}, 1)}
		dl.locks[destination] = entry
	}
	entry.refCount++
	dl.mu.Unlock()

	select {
	case entry.slot <- struct{}{}:
	case <-ctx.Done():
		dl.release(destination)
		return nil, ctx.Err()
	}

	return func() {
		<-entry.slot
		dl.release(destination)
	}, nil
}

func (dl *destinationLocks) release(destination string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	entry, exists := dl.locks[destination]
	if !exists {
		return
	}
	entry.refCount--
	if entry.refCount == 0 {
		delete(dl.locks, destination)
	}
}

// size returns the number of tracked destinations (for testing)
func (dl *destinationLocks) size() int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return len(dl.locks)
}
