// Package ratelimit tracks server throttling per endpoint and schedules the
// retry that lifts it.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyship/pkg/config"
	"github.com/nicktill/tinyship/pkg/logging"
	"github.com/nicktill/tinyship/pkg/sdk/metrics"
	"github.com/nicktill/tinyship/pkg/sdk/transport"
	"github.com/nicktill/tinyship/pkg/sdk/worker"
)

// Options controls local backoff when the server gives no Retry-After.
type Options struct {
	// Base is the exponential base; the delay is Base^retryCount seconds.
	Base float64
	// MaxBackoff caps the computed delay.
	MaxBackoff time.Duration
}

// DefaultOptions returns base 3 with a one hour ceiling.
func DefaultOptions() Options {
	return Options{Base: config.DefaultBackoffBase, MaxBackoff: config.DefaultMaxBackoff}
}

// Limiter is the throttling state of one endpoint.
type Limiter struct {
	endpoint  transport.Endpoint
	opts      Options
	scheduler *worker.Scheduler
	logger    logrus.FieldLogger
	metrics   *metrics.Pipeline

	mu         sync.Mutex
	limited    bool
	retryCount int
	task       *worker.Task
}

// Endpoint returns the endpoint the limiter guards.
func (l *Limiter) Endpoint() transport.Endpoint {
	return l.endpoint
}

// MarkRateLimited flags the endpoint as limited and counts one more retry.
func (l *Limiter) MarkRateLimited() {
	l.mu.Lock()
	l.limited = true
	l.retryCount++
	count := l.retryCount
	l.mu.Unlock()

	l.metrics.RateLimited.WithLabelValues(string(l.endpoint)).Set(1)
	l.logger.WithField("retry_count", count).Debug("Endpoint rate limited")
}

// Clear lifts the limit, resets the retry count and cancels a pending retry.
func (l *Limiter) Clear() {
	l.mu.Lock()
	wasLimited := l.limited
	l.limited = false
	l.retryCount = 0
	task := l.task
	l.task = nil
	l.mu.Unlock()

	task.Cancel()
	l.metrics.RateLimited.WithLabelValues(string(l.endpoint)).Set(0)
	if wasLimited {
		l.logger.Debug("Endpoint rate limit cleared")
	}
}

// IsRateLimited reports whether requests to the endpoint should be held back.
func (l *Limiter) IsRateLimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limited
}

// RetryCount returns the number of consecutive limited attempts.
func (l *Limiter) RetryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retryCount
}

// Backoff returns the delay before the next retry. A server Retry-After
// always wins over the local exponential backoff.
func (l *Limiter) Backoff(retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		return *retryAfter
	}

	l.mu.Lock()
	count := l.retryCount
	l.mu.Unlock()

	seconds := math.Pow(l.opts.Base, float64(count))
	if math.IsInf(seconds, 0) || seconds*float64(time.Second) > float64(l.opts.MaxBackoff) {
		return l.opts.MaxBackoff
	}
	return time.Duration(seconds * float64(time.Second))
}

// ScheduleRetry runs action once after Backoff(retryAfter). A retry that is
// still waiting is canceled and replaced.
func (l *Limiter) ScheduleRetry(retryAfter *time.Duration, action func()) time.Duration {
	delay := l.Backoff(retryAfter)

	l.mu.Lock()
	previous := l.task
	l.task = l.scheduler.Schedule(delay, action)
	l.mu.Unlock()

	previous.Cancel()
	l.logger.WithField("delay", delay).Debug("Retry scheduled")
	return delay
}

// Registry holds one Limiter per endpoint. Build it once and share it.
type Registry struct {
	opts      Options
	scheduler *worker.Scheduler
	logger    logrus.FieldLogger
	metrics   *metrics.Pipeline

	mu       sync.Mutex
	limiters map[transport.Endpoint]*Limiter
}

// NewRegistry creates an empty registry. Zero option fields take defaults.
func NewRegistry(opts Options, scheduler *worker.Scheduler, logger logrus.FieldLogger, m *metrics.Pipeline) *Registry {
	defaults := DefaultOptions()
	if opts.Base < 1 {
		opts.Base = defaults.Base
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaults.MaxBackoff
	}
	if scheduler == nil {
		scheduler = worker.NewScheduler(nil, logger, m)
	}

	return &Registry{
		opts:      opts,
		scheduler: scheduler,
		logger:    logging.Component(logger, "ratelimit"),
		metrics:   metrics.OrNew(m),
		limiters:  make(map[transport.Endpoint]*Limiter),
	}
}

// For returns the limiter for endpoint, creating it on first use.
func (r *Registry) For(endpoint transport.Endpoint) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[endpoint]
	if !ok {
		l = &Limiter{
			endpoint:  endpoint,
			opts:      r.opts,
			scheduler: r.scheduler,
			logger:    r.logger.WithField("endpoint", endpoint),
			metrics:   r.metrics,
		}
		r.limiters[endpoint] = l
	}
	return l
}

// IsRateLimited reports whether endpoint is currently limited.
func (r *Registry) IsRateLimited(endpoint transport.Endpoint) bool {
	return r.For(endpoint).IsRateLimited()
}

// ClearAll lifts every limit.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	limiters := make([]*Limiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	r.mu.Unlock()

	for _, l := range limiters {
		l.Clear()
	}
}
