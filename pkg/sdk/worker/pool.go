package worker

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyship/pkg/logging"
	"github.com/nicktill/tinyship/pkg/sdk/metrics"
)

var (
	// ErrClosed is returned when submitting to a closed worker.
	ErrClosed = errors.New("worker closed")

	// ErrQueueFull is returned when a pool's queue has no room.
	ErrQueueFull = errors.New("worker queue full")
)

// Pool is a small fixed set of goroutines draining a bounded task queue.
// Submit never blocks the caller.
type Pool struct {
	name    string
	tasks   chan func()
	group   errgroup.Group
	logger  logrus.FieldLogger
	metrics *metrics.Pipeline

	mu     sync.RWMutex
	closed bool
}

// NewPool starts size goroutines serving a queue of queueSize tasks.
func NewPool(name string, size, queueSize int, logger logrus.FieldLogger, m *metrics.Pipeline) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}

	p := &Pool{
		name:    name,
		tasks:   make(chan func(), queueSize),
		logger:  logging.Component(logger, "worker").WithField("worker", name),
		metrics: metrics.OrNew(m),
	}

	for i := 0; i < size; i++ {
		p.group.Go(func() error {
			for task := range p.tasks {
				runSafely(p.name, task, p.logger, p.metrics)
			}
			return nil
		})
	}
	return p
}

// Submit queues task for execution.
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return fmt.Errorf("%s: %w", p.name, ErrQueueFull)
	}
}

// Close stops accepting tasks, runs what is already queued, then waits.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	return p.group.Wait()
}

// runSafely executes task, converting a panic into a log entry so one bad
// task cannot take the worker down.
func runSafely(name string, task func(), logger logrus.FieldLogger, m *metrics.Pipeline) {
	defer func() {
		if r := recover(); r != nil {
			m.TaskPanics.WithLabelValues(name).Inc()
			logger.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Recovered panic in background task")
		}
	}()
	task()
}
