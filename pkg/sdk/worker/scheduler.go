package worker

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyship/pkg/logging"
	"github.com/nicktill/tinyship/pkg/sdk/metrics"
)

const (
	taskPending int32 = iota
	taskRunning
	taskCanceled
)

// Scheduler runs delayed one-shot tasks against an injectable clock.
type Scheduler struct {
	clock   clockwork.Clock
	logger  logrus.FieldLogger
	metrics *metrics.Pipeline
}

// NewScheduler creates a scheduler. A nil clock uses the real clock.
func NewScheduler(clock clockwork.Clock, logger logrus.FieldLogger, m *metrics.Pipeline) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock:   clock,
		logger:  logging.Component(logger, "scheduler"),
		metrics: metrics.OrNew(m),
	}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() clockwork.Clock {
	return s.clock
}

// Schedule runs task once after delay. Delays <= 0 run as soon as possible.
func (s *Scheduler) Schedule(delay time.Duration, task func()) *Task {
	t := &Task{}
	t.timer = s.clock.AfterFunc(delay, func() {
		if t.state.CompareAndSwap(taskPending, taskRunning) {
			runSafely("scheduler", task, s.logger, s.metrics)
		}
	})
	return t
}

// Task is a handle on a scheduled task.
type Task struct {
	timer clockwork.Timer
	state atomic.Int32
}

// Cancel prevents the task from running. It returns false if the task
// already started or was already canceled. Safe on a nil Task.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	if !t.state.CompareAndSwap(taskPending, taskCanceled) {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

// Active reports whether the task is still waiting to run.
func (t *Task) Active() bool {
	return t != nil && t.state.Load() == taskPending
}
