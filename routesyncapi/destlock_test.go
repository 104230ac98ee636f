package routesyncapi

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDestinationLocks_Serializes(t *testing.T) {
	dl := newDestinationLocks()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := dl.lock(context.Background(), "mon1")
			if !assert.NoError(t, err) {
				return
			}
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, 0, dl.size())
}

func TestDestinationLocks_IndependentDestinations(t *testing.T) {
	dl := newDestinationLocks()

	unlock1, err := dl.lock(context.Background(), "mon1")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock2, err := dl.lock(ctx, "mon2")
	require.NoError(t, err)
	assert.Equal(t, 2, dl.size())

	unlock1()
	unlock2()
	assert.Equal(t, 0, dl.size())
}

func TestDestinationLocks_ContextCancelledWhileWaiting(t *testing.T) {
	dl := newDestinationLocks()

	unlock, err := dl.lock(context.Background(), "mon1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = dl.lock(ctx, "mon1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, dl.size())

	unlock()
	assert.Equal(t, 0, dl.size())

	// The slot is free again.
	unlock, err = dl.lock(context.Background(), "mon1")
	require.NoError(t, err)
	unlock()
}
