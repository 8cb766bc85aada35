package delivery

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyship/pkg/config"
	"github.com/nicktill/tinyship/pkg/sdk/cache"
	"github.com/nicktill/tinyship/pkg/sdk/pending"
	"github.com/nicktill/tinyship/pkg/sdk/transport"
	"github.com/nicktill/tinyship/pkg/sdk/worker"
)

const payloadSchemaVersion = 1

// persistAsync hands persist to the background pool so the producing
// goroutine never waits on the disk. Without a pool, or when the pool will
// not take the task, it persists inline.
func (c *Coordinator) persistAsync(req transport.Request) error {
	queuedAtMs := c.nowMs()
	if c.pool != nil {
		err := c.pool.Submit(func() {
			if err := c.persist(req, queuedAtMs); err != nil {
				c.logger.WithError(err).WithField("endpoint", req.Endpoint()).Warn("Failed to persist call")
			}
		})
		if err == nil {
			return nil
		}
		c.logger.WithError(err).Debug("Persisting call inline")
	}
	return c.persist(req, queuedAtMs)
}

// persist writes the body to the cache and queues the call. The payload
// name carries the endpoint so an unindexed file can be recovered.
func (c *Coordinator) persist(req transport.Request, queuedAtMs int64) error {
	name := cache.CachedFile{
		Prefix:        config.PayloadFilePrefix,
		TimestampMs:   queuedAtMs,
		LogicalID:     string(req.Endpoint()) + "-" + uuid.NewString(),
		SchemaVersion: payloadSchemaVersion,
	}.Name()

	body := req.Body
	if body == nil {
		body = func(io.Writer) error { return nil }
	}
	if err := c.cache.CachePayload(name, body); err != nil {
		return fmt.Errorf("failed to cache payload: %w", err)
	}

	c.enqueue(pending.Call{
		Request:     req.WithBody(nil),
		PayloadName: name,
		QueuedAtMs:  queuedAtMs,
	})
	c.scheduleDelivery(c.opts.RetryPeriod)
	return nil
}

// recoverPayloads queues payload files that a previous process cached but
// never indexed. Files whose endpoint cannot be told are deleted.
func (c *Coordinator) recoverPayloads() {
	files, err := c.cache.ListCachedFiles(config.PayloadFilePrefix)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to list cached payloads")
		return
	}

	recovered := 0
	for _, f := range files {
		name := f.Name()
		if c.queue.Contains(name) {
			continue
		}
		endpoint, ok := payloadEndpoint(f)
		if !ok {
			c.logger.WithField("payload", name).Info("Deleting unindexed payload with unknown endpoint")
			_ = c.cache.Delete(name)
			continue
		}
		for _, ev := range c.queue.Add(pending.Call{
			Request:     c.requests.Post(endpoint, nil),
			PayloadName: name,
			QueuedAtMs:  f.TimestampMs,
		}) {
			_ = c.cache.Delete(ev.PayloadName)
		}
		recovered++
	}
	if recovered > 0 {
		c.logger.WithField("payloads", recovered).Info("Unindexed payloads queued for delivery")
		_ = c.saveQueue()
	}
}

func payloadEndpoint(f cache.CachedFile) (transport.Endpoint, bool) {
	prefix, _, ok := strings.Cut(f.LogicalID, "-")
	if !ok {
		return "", false
	}
	endpoint := transport.Endpoint(prefix)
	if endpoint == transport.EndpointUnknown || !slices.Contains(transport.Endpoints, endpoint) {
		return "", false
	}
	return endpoint, true
}

// enqueue adds call, deletes the payloads of evicted calls and saves.
func (c *Coordinator) enqueue(call pending.Call) {
	for _, ev := range c.queue.Add(call) {
		c.logger.WithFields(logrus.Fields{
			"endpoint": ev.Endpoint(),
			"payload":  ev.PayloadName,
		}).Info("Pending call limit reached, dropping oldest")
		_ = c.cache.Delete(ev.PayloadName)
	}
	_ = c.saveQueue()
}

// scheduleDelivery arranges a delivery pass after delay unless one is
// already waiting, the network is down or nothing is eligible.
func (c *Coordinator) scheduleDelivery(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || !c.reachable.Load() || c.deliveryTask.Active() {
		return
	}
	if !c.queue.HasPending(c.limits.IsRateLimited) {
		return
	}

	c.deliveryTask = c.scheduler.Schedule(delay, func() {
		if err := c.worker.Submit(worker.PriorityNormal, func() { c.deliverPending(delay) }); err != nil {
			c.logger.WithError(err).Debug("Delivery pass not run")
		}
	})
	c.logger.WithField("delay", delay).Debug("Delivery pass scheduled")
}

// deliverPending sends every eligible pending call once. A polled call
// stays in the saved index while it is on the wire. Calls that should be
// retried go back on the queue and the next pass is scheduled after the
// retry period, doubling from delay when a call came back incomplete. Once
// the doubled delay passes the maximum, retries stop until the next start
// or connectivity change.
func (c *Coordinator) deliverPending(delay time.Duration) {
	if !c.reachable.Load() {
		c.logger.Debug("Skipping delivery pass, network unreachable")
		return
	}

	var (
		retry     []pending.Call
		backoff   bool
		delivered int
	)
	for {
		call, ok := c.queue.Poll(c.limits.IsRateLimited)
		if !ok {
			break
		}

		outcome := c.sendCall(call)
		switch c.handleOutcome(call.Endpoint(), outcome) {
		case resultRetry:
			retry = append(retry, call)
			if _, incomplete := outcome.(transport.Incomplete); incomplete {
				backoff = true
			}
		default:
			delivered++
			c.queue.Done(call.PayloadName)
			_ = c.cache.Delete(call.PayloadName)
		}
	}

	for _, call := range retry {
		for _, ev := range c.queue.Return(call) {
			_ = c.cache.Delete(ev.PayloadName)
		}
	}
	_ = c.saveQueue()

	c.logger.WithFields(logrus.Fields{
		"completed": delivered,
		"retrying":  len(retry),
	}).Debug("Delivery pass finished")

	if !c.queue.HasPending(c.limits.IsRateLimited) {
		return
	}
	next := c.opts.RetryPeriod
	if backoff {
		next = max(c.opts.RetryPeriod, delay*2)
	}
	if next > c.opts.MaxRetryPeriod {
		c.logger.WithField("delay", next).Info("Retry period exhausted, waiting for restart or connectivity change")
		return
	}
	c.scheduleDelivery(next)
}

// retryLimited runs when an endpoint's rate-limit backoff expires. It sends
// the endpoint's oldest call; success lifts the limit and triggers a full
// pass.
func (c *Coordinator) retryLimited(endpoint transport.Endpoint) {
	err := c.worker.Submit(worker.PriorityNormal, func() {
		call, ok := c.queue.Poll(func(e transport.Endpoint) bool { return e != endpoint })
		if !ok {
			c.limits.For(endpoint).Clear()
			return
		}
		if !c.reachable.Load() {
			c.requeue(call)
			return
		}

		switch c.handleOutcome(endpoint, c.sendCall(call)) {
		case resultRetry:
			c.requeue(call)
		default:
			c.queue.Done(call.PayloadName)
			_ = c.cache.Delete(call.PayloadName)
			_ = c.saveQueue()
		}
		c.scheduleDelivery(0)
	})
	if err != nil {
		c.logger.WithError(err).Debug("Rate limit retry not run")
	}
}

// requeue returns an in-flight call to the queue and saves.
func (c *Coordinator) requeue(call pending.Call) {
	for _, ev := range c.queue.Return(call) {
		_ = c.cache.Delete(ev.PayloadName)
	}
	_ = c.saveQueue()
}

// sendCall loads the cached body and executes the call. A missing body
// yields Incomplete wrapping cache.ErrNotFound.
func (c *Coordinator) sendCall(call pending.Call) transport.Outcome {
	payload, err := c.cache.LoadPayload(call.PayloadName)
	if err != nil {
		return transport.Incomplete{Err: fmt.Errorf("load %s: %w", call.PayloadName, err)}
	}

	req := call.Request.WithBody(func(w io.Writer) error {
		_, err := w.Write(payload)
		return err
	})
	return c.executor.Execute(c.ctx, req)
}
