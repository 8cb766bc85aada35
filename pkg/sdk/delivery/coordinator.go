// Package delivery sends payloads to the backend. It tries the network when
// it can and otherwise persists the call, retrying later under the
// endpoint's rate limit and a growing retry period.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyship/pkg/config"
	"github.com/nicktill/tinyship/pkg/logging"
	"github.com/nicktill/tinyship/pkg/sdk/cache"
	"github.com/nicktill/tinyship/pkg/sdk/metrics"
	"github.com/nicktill/tinyship/pkg/sdk/pending"
	"github.com/nicktill/tinyship/pkg/sdk/ratelimit"
	"github.com/nicktill/tinyship/pkg/sdk/telemetry"
	"github.com/nicktill/tinyship/pkg/sdk/transport"
	"github.com/nicktill/tinyship/pkg/sdk/worker"
)

// ErrClosed is returned by operations on a closed coordinator.
var ErrClosed = errors.New("delivery coordinator closed")

// Executor runs one request. *transport.Client implements it.
type Executor interface {
	Execute(ctx context.Context, req transport.Request) transport.Outcome
}

// Options tunes retry scheduling and the session cache.
type Options struct {
	RetryPeriod       time.Duration
	MaxRetryPeriod    time.Duration
	MaxCachedSessions int
}

// DefaultOptions returns 120s / 3600s / 64 sessions.
func DefaultOptions() Options {
	return Options{
		RetryPeriod:       config.DefaultRetryPeriod,
		MaxRetryPeriod:    config.DefaultMaxRetryPeriod,
		MaxCachedSessions: config.DefaultMaxCachedSessions,
	}
}

// Deps are the collaborators a Coordinator is built from.
type Deps struct {
	Executor  Executor
	Requests  transport.RequestFactory
	Limits    *ratelimit.Registry
	Cache     *cache.Cache
	Scheduler *worker.Scheduler
	// Pool runs cache writes off the producing goroutine. Nil runs them
	// inline.
	Pool    *worker.Pool
	Logger  logrus.FieldLogger
	Metrics *metrics.Pipeline
}

type result int

const (
	resultDelivered result = iota
	resultRetry
	resultDrop
)

// Coordinator is the composition point between batching, the delivery
// client, rate limiting and persistence.
type Coordinator struct {
	opts      Options
	executor  Executor
	requests  transport.RequestFactory
	limits    *ratelimit.Registry
	cache     *cache.Cache
	store     *pending.Store
	queue     *pending.Queue
	worker    *worker.PriorityWorker
	scheduler *worker.Scheduler
	clock     clockwork.Clock
	pool      *worker.Pool
	logger    logrus.FieldLogger
	metrics   *metrics.Pipeline

	ctx    context.Context
	cancel context.CancelFunc

	reachable atomic.Bool

	// mu guards the delivery schedule.
	mu           sync.Mutex
	deliveryTask *worker.Task
	closed       bool

	// saveMu orders snapshots of the queue with their writes.
	saveMu sync.Mutex

	// sessionMu orders running-session snapshots with session end.
	sessionMu sync.Mutex
	ended     map[string]struct{}
}

// New normalises the cache, loads persisted calls, recovers unindexed
// payloads and starts the delivery worker. Call Start to begin retrying what was loaded.
func New(opts Options, deps Deps) (*Coordinator, error) {
	if deps.Executor == nil {
		return nil, errors.New("delivery: executor is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("delivery: cache is required")
	}

	defaults := DefaultOptions()
	if opts.RetryPeriod <= 0 {
		opts.RetryPeriod = defaults.RetryPeriod
	}
	if opts.MaxRetryPeriod <= 0 {
		opts.MaxRetryPeriod = defaults.MaxRetryPeriod
	}
	if opts.MaxCachedSessions <= 0 {
		opts.MaxCachedSessions = defaults.MaxCachedSessions
	}

	m := metrics.OrNew(deps.Metrics)
	logger := logging.Component(deps.Logger, "delivery")
	if deps.Scheduler == nil {
		deps.Scheduler = worker.NewScheduler(nil, deps.Logger, m)
	}
	if deps.Limits == nil {
		deps.Limits = ratelimit.NewRegistry(ratelimit.DefaultOptions(), deps.Scheduler, deps.Logger, m)
	}

	if _, err := deps.Cache.Normalize(); err != nil {
		logger.WithError(err).Warn("Cache normalization incomplete")
	}
	store := pending.NewStore(deps.Cache, deps.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts:      opts,
		executor:  deps.Executor,
		requests:  deps.Requests,
		limits:    deps.Limits,
		cache:     deps.Cache,
		store:     store,
		queue:     store.Load(),
		worker:    worker.NewPriorityWorker("delivery", deps.Logger, m),
		scheduler: deps.Scheduler,
		clock:     deps.Scheduler.Clock(),
		pool:      deps.Pool,
		logger:    logger,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		ended:     make(map[string]struct{}),
	}
	c.reachable.Store(true)
	c.recoverPayloads()
	c.updateGauges()
	return c, nil
}

// Start re-queues cached sessions ahead of everything else and schedules
// an immediate delivery pass.
func (c *Coordinator) Start() {
	c.requeueCachedSessions()
	c.scheduleDelivery(0)
}

// Close stops scheduling, lets queued sends finish (in-flight requests are
// canceled and persisted) and writes the pending queue.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.deliveryTask.Cancel()
	c.deliveryTask = nil
	c.mu.Unlock()

	c.cancel()
	c.worker.Close()
	return c.saveQueue()
}

// Submit sends body to endpoint on the normal lane. With deferSend the call
// is persisted without a network attempt.
func (c *Coordinator) Submit(endpoint transport.Endpoint, body transport.SerializationAction, deferSend bool) error {
	return c.submit(c.requests.Post(endpoint, body), worker.PriorityNormal, deferSend)
}

// SubmitPriority is Submit on the high lane, ahead of queued batches.
func (c *Coordinator) SubmitPriority(endpoint transport.Endpoint, body transport.SerializationAction, deferSend bool) error {
	return c.submit(c.requests.Post(endpoint, body), worker.PriorityHigh, deferSend)
}

// Send queues a log batch.
func (c *Coordinator) Send(req telemetry.SendRequest[telemetry.LogEnvelope]) {
	if err := c.Submit(transport.EndpointLogs, transport.JSONAction(req.Payload), req.Defer); err != nil {
		c.logger.WithError(err).Warn("Log batch dropped")
	}
}

// SendImmediate queues a log envelope on the high lane.
func (c *Coordinator) SendImmediate(req telemetry.SendRequest[telemetry.LogEnvelope]) {
	if err := c.SubmitPriority(transport.EndpointLogs, transport.JSONAction(req.Payload), req.Defer); err != nil {
		c.logger.WithError(err).Warn("Log envelope dropped")
	}
}

// PendingCalls returns the number of persisted calls.
func (c *Coordinator) PendingCalls() int {
	return c.queue.Total()
}

func (c *Coordinator) submit(req transport.Request, priority worker.Priority, deferSend bool) error {
	if c.isClosed() {
		return ErrClosed
	}

	endpoint := req.Endpoint()
	if deferSend || !c.reachable.Load() || c.limits.IsRateLimited(endpoint) {
		c.logger.WithFields(logrus.Fields{
			"endpoint":     endpoint,
			"deferred":     deferSend,
			"reachable":    c.reachable.Load(),
			"rate_limited": c.limits.IsRateLimited(endpoint),
		}).Debug("Persisting call without send attempt")
		return c.persistAsync(req)
	}

	err := c.worker.Submit(priority, func() { c.attempt(req) })
	if err != nil {
		// The worker is shutting down; keep the payload for next start.
		return c.persistAsync(req)
	}
	return nil
}

// attempt runs on the delivery worker.
func (c *Coordinator) attempt(req transport.Request) {
	outcome := c.executor.Execute(c.ctx, req)
	if c.handleOutcome(req.Endpoint(), outcome) != resultRetry {
		return
	}
	if err := c.persist(req, c.nowMs()); err != nil {
		c.logger.WithError(err).Warn("Failed to persist call for retry")
	}
}

// handleOutcome applies rate limiting for outcome and says what to do with
// the payload.
func (c *Coordinator) handleOutcome(endpoint transport.Endpoint, outcome transport.Outcome) result {
	limiter := c.limits.For(endpoint)
	log := c.logger.WithFields(logrus.Fields{"endpoint": endpoint, "outcome": outcome.Label()})

	switch o := outcome.(type) {
	case transport.Success, transport.NotModified:
		limiter.Clear()
		return resultDelivered

	case transport.TooManyRequests:
		limiter.MarkRateLimited()
		delay := limiter.ScheduleRetry(o.RetryAfter, func() { c.retryLimited(endpoint) })
		log.WithField("retry_in", delay).Info("Endpoint rate limited")
		return resultRetry

	case transport.PayloadTooLarge:
		limiter.Clear()
		log.Warn("Payload too large, dropping")
		return resultDrop

	case transport.Failure:
		if !o.ShouldRetry() {
			limiter.Clear()
			log.WithField("status", o.StatusCode).Warn("Request rejected, dropping")
			return resultDrop
		}

	case transport.Incomplete:
		if errors.Is(o.Err, cache.ErrNotFound) {
			log.Warn("Cached payload missing, dropping call")
			return resultDrop
		}
		log.WithError(o.Err).Debug("Request incomplete")
	}

	// Transient failure. While limited, each one pushes the retry further out.
	if limiter.IsRateLimited() {
		limiter.MarkRateLimited()
		limiter.ScheduleRetry(nil, func() { c.retryLimited(endpoint) })
	}
	return resultRetry
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) nowMs() int64 {
	return c.clock.Now().UnixMilli()
}

func (c *Coordinator) updateGauges() {
	for _, e := range transport.Endpoints {
		c.metrics.PendingCalls.WithLabelValues(string(e)).Set(float64(c.queue.Len(e)))
	}
}

func (c *Coordinator) saveQueue() error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.updateGauges()
	if err := c.store.Save(c.queue); err != nil {
		c.logger.WithError(err).Warn("Failed to save pending calls")
		return fmt.Errorf("delivery: %w", err)
	}
	return nil
}
