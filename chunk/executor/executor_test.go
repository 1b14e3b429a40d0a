package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsToCompletion(t *testing.T) {
	require := require.New(t)

	e := New(2)
	done := make(chan Outcome, 1)
	e.Submit("k", func(ctx context.Context) Outcome {
		return Completed
	}, func(o Outcome) { done <- o })

	select {
	case o := <-done:
		require.Equal(Completed, o)
	case <-time.After(time.Second):
		t.Fatal("task did not complete")
	}
}

func TestSupersessionCancelsPreviousTask(t *testing.T) {
	assert := assert.New(t)

	e := New(2)
	started := make(chan struct{})
	firstDone := make(chan Outcome, 1)
	secondDone := make(chan Outcome, 1)

	e.Submit("k", func(ctx context.Context) Outcome {
		close(started)
		<-ctx.Done()
		return Cancelled
	}, func(o Outcome) { firstDone <- o })

	<-started

	e.Submit("k", func(ctx context.Context) Outcome {
		return Completed
	}, func(o Outcome) { secondDone <- o })

	select {
	case o := <-firstDone:
		assert.Equal(Cancelled, o)
	case <-time.After(time.Second):
		t.Fatal("first task did not observe cancellation")
	}

	select {
	case o := <-secondDone:
		assert.Equal(Completed, o)
	case <-time.After(time.Second):
		t.Fatal("second task did not complete")
	}
}

func TestSupersessionWaitsForPriorTaskToFullyFinish(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	e := New(2)
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	var firstCallbackDone int32
	var secondSawFirstDone int32
	secondDone := make(chan Outcome, 1)

	e.Submit("k", func(ctx context.Context) Outcome {
		close(firstStarted)
		<-ctx.Done()
		<-releaseFirst
		return Cancelled
	}, func(o Outcome) {
		// Simulate the cleanup work manager.completeDownload does before
		// its caller is allowed to touch the same chunk's directory again.
		time.Sleep(20 * time.Millisecond)
		atomic.StoreInt32(&firstCallbackDone, 1)
	})

	<-firstStarted

	e.Submit("k", func(ctx context.Context) Outcome {
		if atomic.LoadInt32(&firstCallbackDone) == 1 {
			atomic.StoreInt32(&secondSawFirstDone, 1)
		}
		return Completed
	}, func(o Outcome) { secondDone <- o })

	close(releaseFirst)

	select {
	case o := <-secondDone:
		require.Equal(Completed, o)
	case <-time.After(2 * time.Second):
		t.Fatal("second task did not complete")
	}

	assert.Equal(int32(1), atomic.LoadInt32(&secondSawFirstDone),
		"second task's work ran before the superseded task's completion callback finished")
}

func TestCancelUnknownKeyIsNoop(t *testing.T) {
	e := New(1)
	e.Cancel("does-not-exist")
}

func TestShutdownWaitsForOutstandingTasks(t *testing.T) {
	require := require.New(t)

	e := New(1)
	var mu sync.Mutex
	completed := false

	e.Submit("k", func(ctx context.Context) Outcome {
		<-ctx.Done()
		return Cancelled
	}, func(o Outcome) {
		mu.Lock()
		completed = true
		mu.Unlock()
	})

	e.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	require.True(completed)
}

func TestConcurrencyLimitIsRespected(t *testing.T) {
	require := require.New(t)

	const limit = 2
	e := New(limit)

	var mu sync.Mutex
	current, max := 0, 0
	release := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		key := string(rune('a' + i))
		e.Submit(key, func(ctx context.Context) Outcome {
			mu.Lock()
			current++
			if current > max {
				max = current
			}
			mu.Unlock()

			<-release

			mu.Lock()
			current--
			mu.Unlock()
			return Completed
		}, func(o Outcome) { wg.Done() })
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(max, limit)
}
