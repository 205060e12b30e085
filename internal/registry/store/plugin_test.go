package store

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionCoalescesToLatest(t *testing.T) {
	sub := NewSubscription[int]()
	require.True(t, sub.Push(1))
	require.True(t, sub.Push(2))
	require.True(t, sub.Push(3))

	// Only the latest undelivered snapshot survives.
	assert.Equal(t, 3, <-sub.Snapshots())

	sub.Close()
	sub.FinishPushes()
	_, open := <-sub.Snapshots()
	assert.False(t, open)
	assert.NoError(t, sub.Err())
}

func TestPushAfterFinishPushesIsNoOp(t *testing.T) {
	sub := NewSubscription[int]()
	sub.Close()
	sub.FinishPushes()
	sub.FinishPushes() // idempotent

	assert.False(t, sub.Push(1))
	_, open := <-sub.Snapshots()
	assert.False(t, open)
}

func TestPushAfterCloseIsRejected(t *testing.T) {
	sub := NewSubscription[int]()
	sub.Close()
	assert.False(t, sub.Push(1))
}

func TestFailSurfacesError(t *testing.T) {
	sub := NewSubscription[int]()
	boom := errors.New("stream torn down")
	sub.Fail(boom)
	sub.FinishPushes()

	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), boom)
}

// Producers keep pushing while the consumer closes and the cleanup path
// finishes the stream. No send may land on the closed snapshot channel.
func TestConcurrentPushAndShutdown(t *testing.T) {
	for range 50 {
		sub := NewSubscription[int]()

		var wg sync.WaitGroup
		for i := range 4 {
			wg.Add(1)
			go func(v int) {
				defer wg.Done()
				for sub.Push(v) {
				}
			}(i)
		}

		go func() {
			for range sub.Snapshots() {
			}
		}()

		sub.Close()
		sub.FinishPushes()
		wg.Wait()
	}
}
