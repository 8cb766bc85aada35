package worker

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyship/pkg/logging"
	"github.com/nicktill/tinyship/pkg/sdk/metrics"
)

// Priority selects the lane a task is queued on.
type Priority int

const (
	// PriorityNormal is used for batched telemetry and retries.
	PriorityNormal Priority = iota
	// PriorityHigh jumps ahead of every queued normal task (sessions, IMMEDIATE records).
	PriorityHigh
)

// PriorityWorker runs tasks one at a time on a single goroutine, always
// preferring the high lane. Tasks within a lane run in submission order.
type PriorityWorker struct {
	name    string
	logger  logrus.FieldLogger
	metrics *metrics.Pipeline

	mu     sync.Mutex
	cond   *sync.Cond
	high   []func()
	normal []func()
	closed bool
	done   chan struct{}
}

// NewPriorityWorker starts the worker goroutine.
func NewPriorityWorker(name string, logger logrus.FieldLogger, m *metrics.Pipeline) *PriorityWorker {
	w := &PriorityWorker{
		name:    name,
		logger:  logging.Component(logger, "worker").WithField("worker", name),
		metrics: metrics.OrNew(m),
		done:    make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// Submit queues task on the given lane.
func (w *PriorityWorker) Submit(p Priority, task func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if p == PriorityHigh {
		w.high = append(w.high, task)
	} else {
		w.normal = append(w.normal, task)
	}
	w.cond.Signal()
	return nil
}

// Pending returns the number of queued tasks.
func (w *PriorityWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.high) + len(w.normal)
}

// Close drains queued tasks and stops the goroutine.
func (w *PriorityWorker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()

	<-w.done
}

func (w *PriorityWorker) run() {
	defer close(w.done)

	for {
		task, ok := w.next()
		if !ok {
			return
		}
		runSafely(w.name, task, w.logger, w.metrics)
	}
}

func (w *PriorityWorker) next() (func(), bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(w.high) == 0 && len(w.normal) == 0 {
		if w.closed {
			return nil, false
		}
		w.cond.Wait()
	}

	var task func()
	if len(w.high) > 0 {
		task = w.high[0]
		w.high[0] = nil
		w.high = w.high[1:]
	} else {
		task = w.normal[0]
		w.normal[0] = nil
		w.normal = w.normal[1:]
	}
	return task, true
}
