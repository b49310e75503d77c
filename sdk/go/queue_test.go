package planlinesdk

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsEverythingWithoutOverlap(t *testing.T) {
	var q saveQueue
	var inFlight, maxInFlight, runs int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.run(func() error {
				cur := atomic.AddInt32(&inFlight, 1)
				for {
					max := atomic.LoadInt32(&maxInFlight)
					if cur <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, cur) {
						break
					}
				}
				atomic.AddInt32(&runs, 1)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), runs, "no save attempt may be dropped")
	assert.Equal(t, int32(1), maxInFlight, "at most one save in flight")
}

func TestQueueLaterRunWaitsForEarlier(t *testing.T) {
	var q saveQueue
	gate := make(chan struct{})
	firstRunning := make(chan struct{})
	var secondRan atomic.Bool

	go func() {
		_ = q.run(func() error {
			close(firstRunning)
			<-gate
			return nil
		})
	}()
	<-firstRunning

	done := make(chan struct{})
	go func() {
		_ = q.run(func() error {
			secondRan.Store(true)
			return nil
		})
		close(done)
	}()

	assert.False(t, secondRan.Load(), "second run must wait for the first")
	close(gate)
	<-done
	assert.True(t, secondRan.Load())
}

func TestQueueErrorDoesNotPoisonLaterRuns(t *testing.T) {
	var q saveQueue
	boom := errors.New("boom")

	err := q.run(func() error { return boom })
	require.ErrorIs(t, err, boom)

	ran := false
	err = q.run(func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran, "a failed run must not block later runs")
}
