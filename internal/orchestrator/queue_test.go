// internal/orchestrator/queue_test.go
package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/attache/internal/types"
)

func queuedRun(sessionID types.SessionID) *Run {
	return NewRun(sessionID, &types.InboundTurn{Text: "hi"})
}

func TestQueueProcessesSessionInOrder(t *testing.T) {
	q := NewQueue(4)
	q.Start(context.Background())
	defer q.Stop()

	var mu sync.Mutex
	var order []types.TurnID
	q.SetProcessor(func(run *Run) error {
		mu.Lock()
		order = append(order, run.ID)
		mu.Unlock()
		return nil
	})

	sessionID := types.NewSessionID()
	var want []types.TurnID
	for i := 0; i < 10; i++ {
		run := queuedRun(sessionID)
		want = append(want, run.ID)
		require.NoError(t, q.Enqueue(run))
	}

	require.True(t, q.WaitIdle(2*time.Second))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == len(want)
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, order)
}

func TestQueueLimitsGlobalConcurrency(t *testing.T) {
	q := NewQueue(2)
	q.Start(context.Background())
	defer q.Stop()

	var mu sync.Mutex
	inFlight, peak := 0, 0
	q.SetProcessor(func(run *Run) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})

	// Six sessions, one run each, so all lanes contend for two slots.
	for i := 0; i < 6; i++ {
		require.NoError(t, q.Enqueue(queuedRun(types.NewSessionID())))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return peak > 0 && inFlight == 0
	}, 3*time.Second, 10*time.Millisecond)
	require.True(t, q.WaitIdle(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestQueueRejectsWhenLaneBacklogFull(t *testing.T) {
	q := NewQueue(1)
	q.Start(context.Background())
	defer q.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	var startOnce sync.Once
	q.SetProcessor(func(run *Run) error {
		startOnce.Do(func() { close(started) })
		<-release
		return nil
	})

	sessionID := types.NewSessionID()
	require.NoError(t, q.Enqueue(queuedRun(sessionID)))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never started")
	}

	// The lane goroutine is parked in the processor, so these fill the
	// lane's buffer.
	for i := 0; i < laneBacklog; i++ {
		require.NoError(t, q.Enqueue(queuedRun(sessionID)))
	}

	err := q.Enqueue(queuedRun(sessionID))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backlog full")

	// Another session's lane is unaffected.
	assert.NoError(t, q.Enqueue(queuedRun(types.NewSessionID())))
	close(release)
	require.True(t, q.WaitIdle(2*time.Second))
}

func TestQueueFailureInvokesOnComplete(t *testing.T) {
	q := NewQueue(1)
	q.Start(context.Background())
	defer q.Stop()

	q.SetProcessor(func(run *Run) error {
		return assert.AnError
	})

	done := make(chan string, 1)
	run := queuedRun(types.NewSessionID())
	run.OnComplete = func(response string) { done <- response }
	require.NoError(t, q.Enqueue(run))

	select {
	case response := <-done:
		assert.Contains(t, response, "something went wrong")
	case <-time.After(2 * time.Second):
		t.Fatal("OnComplete never fired for failed run")
	}
}
