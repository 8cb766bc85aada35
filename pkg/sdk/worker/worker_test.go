package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyship/pkg/sdk/metrics"
)

func TestPoolRunsAllTasks(t *testing.T) {
	pool := NewPool("test", 4, 100, nil, nil)

	var count atomic.Int32
	for i := 0; i < 100; i++ {
		require.NoError(t, pool.Submit(func() { count.Add(1) }))
	}

	require.NoError(t, pool.Close())
	require.Equal(t, int32(100), count.Load())
	require.ErrorIs(t, pool.Submit(func() {}), ErrClosed)
}

func TestPoolQueueFull(t *testing.T) {
	pool := NewPool("tiny", 1, 1, nil, nil)
	defer pool.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(func() {
		close(started)
		<-block
	}))
	<-started

	require.NoError(t, pool.Submit(func() {}))
	require.ErrorIs(t, pool.Submit(func() {}), ErrQueueFull)
	close(block)
}

func TestPoolRecoversPanics(t *testing.T) {
	m := metrics.New(nil)
	pool := NewPool("panicky", 1, 10, nil, m)

	var ran atomic.Bool
	require.NoError(t, pool.Submit(func() { panic("boom") }))
	require.NoError(t, pool.Submit(func() { ran.Store(true) }))
	require.NoError(t, pool.Close())

	require.True(t, ran.Load(), "task after a panic must still run")
	require.Equal(t, 1.0, testutil.ToFloat64(m.TaskPanics.WithLabelValues("panicky")))
}

func TestPriorityWorkerPrefersHighLane(t *testing.T) {
	w := NewPriorityWorker("delivery", nil, nil)

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, w.Submit(PriorityNormal, func() {
		close(started)
		<-block
	}))
	<-started

	var mu sync.Mutex
	var order []string
	record := func(s string) func() {
		return func() {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}

	require.NoError(t, w.Submit(PriorityNormal, record("batch-1")))
	require.NoError(t, w.Submit(PriorityNormal, record("batch-2")))
	require.NoError(t, w.Submit(PriorityHigh, record("session")))
	require.Equal(t, 3, w.Pending())

	close(block)
	w.Close()

	require.Equal(t, []string{"session", "batch-1", "batch-2"}, order)
	require.ErrorIs(t, w.Submit(PriorityHigh, func() {}), ErrClosed)
}

func TestSchedulerRunsAfterDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock, nil, nil)

	var ran atomic.Bool
	task := s.Schedule(2*time.Second, func() { ran.Store(true) })
	require.True(t, task.Active())

	clock.Advance(time.Second)
	require.Never(t, ran.Load, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(time.Second)
	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
	require.False(t, task.Active())
	require.False(t, task.Cancel(), "cancel after firing reports false")
}

func TestSchedulerCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock, nil, nil)

	var ran atomic.Bool
	task := s.Schedule(time.Second, func() { ran.Store(true) })
	require.True(t, task.Cancel())
	require.False(t, task.Cancel())

	clock.Advance(2 * time.Second)
	require.Never(t, ran.Load, 50*time.Millisecond, 5*time.Millisecond)

	var nilTask *Task
	require.False(t, nilTask.Cancel())
}
