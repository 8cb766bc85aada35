// Package batch decides when buffered log records become a batch and hands
// each batch to delivery.
package batch

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyship/pkg/config"
	"github.com/nicktill/tinyship/pkg/logging"
	"github.com/nicktill/tinyship/pkg/sdk/metrics"
	"github.com/nicktill/tinyship/pkg/sdk/sink"
	"github.com/nicktill/tinyship/pkg/sdk/telemetry"
	"github.com/nicktill/tinyship/pkg/sdk/worker"
)

// Config holds the flush triggers. A batch is flushed when any one fires.
type Config struct {
	MaxBatchSize  int
	MaxBatchAge   time.Duration
	MaxInactivity time.Duration
}

// DefaultConfig returns 50 records / 5s / 2s.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:  config.DefaultMaxBatchSize,
		MaxBatchAge:   config.DefaultMaxBatchAge,
		MaxInactivity: config.DefaultMaxInactivity,
	}
}

// Sender receives flushed envelopes. Both methods are called without the
// orchestrator's lock held and must return without waiting for the network
// or the disk.
type Sender interface {
	// Send queues a batch. When req.Defer is set it is persisted only.
	Send(req telemetry.SendRequest[telemetry.LogEnvelope])
	// SendImmediate queues an envelope ahead of any pending batches.
	SendImmediate(req telemetry.SendRequest[telemetry.LogEnvelope])
}

// Orchestrator watches a Sink and flushes it on size, age or inactivity.
type Orchestrator struct {
	cfg       Config
	sink      *sink.Sink
	sender    Sender
	envelopes telemetry.EnvelopeFactory
	scheduler *worker.Scheduler
	clock     clockwork.Clock
	pool      *worker.Pool
	logger    logrus.FieldLogger
	metrics   *metrics.Pipeline

	// mu makes trigger evaluation and sink flush one critical section.
	// Envelopes are handed to the sender after it is released.
	mu           sync.Mutex
	lastRecord   time.Time
	firstInBatch time.Time
	check        *worker.Task
	closed       bool
}

// New creates an orchestrator and registers it as s's stored listener.
// Priority records are drained on pool; a nil pool drains inline.
func New(
	cfg Config,
	s *sink.Sink,
	sender Sender,
	envelopes telemetry.EnvelopeFactory,
	scheduler *worker.Scheduler,
	pool *worker.Pool,
	logger logrus.FieldLogger,
	m *metrics.Pipeline,
) *Orchestrator {
	defaults := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaults.MaxBatchSize
	}
	if cfg.MaxBatchAge <= 0 {
		cfg.MaxBatchAge = defaults.MaxBatchAge
	}
	if cfg.MaxInactivity <= 0 {
		cfg.MaxInactivity = defaults.MaxInactivity
	}
	if scheduler == nil {
		scheduler = worker.NewScheduler(nil, logger, m)
	}

	o := &Orchestrator{
		cfg:       cfg,
		sink:      s,
		sender:    sender,
		envelopes: envelopes,
		scheduler: scheduler,
		clock:     scheduler.Clock(),
		pool:      pool,
		logger:    logging.Component(logger, "batch"),
		metrics:   metrics.OrNew(m),
	}
	s.OnStored(o.onLogsAdded)
	return o
}

// Flush sends everything buffered regardless of triggers. With saveOnly the
// envelopes are persisted without a send attempt; used when the process is
// about to be suspended or killed.
func (o *Orchestrator) Flush(saveOnly bool) {
	o.drainPriority(saveOnly)

	o.mu.Lock()
	batches := o.flushLocked(metrics.TriggerManual, saveOnly)
	o.mu.Unlock()

	o.send(batches)
}

// Close cancels the pending check. Buffered records stay in the sink.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.closed = true
	o.check.Cancel()
	o.check = nil
}

func (o *Orchestrator) onLogsAdded() {
	o.dispatchPriority()
	o.send(o.recordsAdded())
}

func (o *Orchestrator) recordsAdded() []telemetry.SendRequest[telemetry.LogEnvelope] {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}

	now := o.clock.Now()
	o.lastRecord = now
	if o.firstInBatch.IsZero() {
		o.firstInBatch = now
	}
	return o.evaluate(now)
}

func (o *Orchestrator) scheduledCheck() {
	o.send(o.checkDue())
}

func (o *Orchestrator) checkDue() []telemetry.SendRequest[telemetry.LogEnvelope] {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.check = nil
	return o.evaluate(o.clock.Now())
}

// evaluate flushes if a trigger fires, otherwise schedules the next check.
// Caller holds mu.
func (o *Orchestrator) evaluate(now time.Time) []telemetry.SendRequest[telemetry.LogEnvelope] {
	if o.sink.Len() == 0 {
		// Only priority records arrived, or a flush already took everything.
		o.check.Cancel()
		o.check = nil
		o.firstInBatch = time.Time{}
		return nil
	}

	if trigger, ok := o.trigger(now); ok {
		return o.flushLocked(trigger, false)
	}
	o.reschedule(now)
	return nil
}

func (o *Orchestrator) trigger(now time.Time) (string, bool) {
	switch {
	case o.sink.Len() >= o.cfg.MaxBatchSize:
		return metrics.TriggerSize, true
	case now.Sub(o.firstInBatch) >= o.cfg.MaxBatchAge:
		return metrics.TriggerAge, true
	case now.Sub(o.lastRecord) >= o.cfg.MaxInactivity:
		return metrics.TriggerInactivity, true
	default:
		return "", false
	}
}

// reschedule replaces the pending check with one due when the earlier of
// the age and inactivity limits is reached. Caller holds mu.
func (o *Orchestrator) reschedule(now time.Time) {
	delay := min(
		o.cfg.MaxBatchAge-now.Sub(o.firstInBatch),
		o.cfg.MaxInactivity-now.Sub(o.lastRecord),
	)

	o.check.Cancel()
	o.check = o.scheduler.Schedule(delay, o.scheduledCheck)
}

// flushLocked moves records out of the sink in batches of at most
// MaxBatchSize and returns them as envelopes. A size trigger only takes
// full batches; the other triggers take everything. Caller holds mu.
func (o *Orchestrator) flushLocked(trigger string, saveOnly bool) []telemetry.SendRequest[telemetry.LogEnvelope] {
	var batches []telemetry.SendRequest[telemetry.LogEnvelope]

	o.check.Cancel()
	o.check = nil
	o.firstInBatch = time.Time{}

	for {
		if trigger == metrics.TriggerSize && o.sink.Len() < o.cfg.MaxBatchSize {
			break
		}
		records := o.sink.Flush(o.cfg.MaxBatchSize)
		if len(records) == 0 {
			break
		}

		o.metrics.BatchesFlushed.WithLabelValues(trigger).Inc()
		o.metrics.BatchSize.Observe(float64(len(records)))
		o.logger.WithFields(logrus.Fields{
			"trigger":   trigger,
			"records":   len(records),
			"save_only": saveOnly,
		}).Debug("Batch flushed")

		batches = append(batches, telemetry.SendRequest[telemetry.LogEnvelope]{
			Payload: o.envelopes.Logs(records),
			Defer:   saveOnly,
		})
	}

	// Leftovers start a new batch.
	if !o.closed && o.sink.Len() > 0 {
		now := o.clock.Now()
		o.firstInBatch = now
		if o.lastRecord.IsZero() {
			o.lastRecord = now
		}
		o.reschedule(now)
	}
	return batches
}

// send hands flushed envelopes to delivery in flush order. Caller must not
// hold mu.
func (o *Orchestrator) send(batches []telemetry.SendRequest[telemetry.LogEnvelope]) {
	for _, req := range batches {
		o.sender.Send(req)
	}
}

func (o *Orchestrator) dispatchPriority() {
	if o.pool == nil {
		o.drainPriority(false)
		return
	}
	if err := o.pool.Submit(func() { o.drainPriority(false) }); err != nil {
		o.logger.WithError(err).Debug("Draining priority records inline")
		o.drainPriority(false)
	}
}

// drainPriority sends each non-batchable record in its own envelope. DEFER
// records, and every record when saveOnly is set, are persisted only.
func (o *Orchestrator) drainPriority(saveOnly bool) {
	for {
		req, ok := o.sink.PollPriority()
		if !ok {
			return
		}

		envelope := telemetry.SendRequest[telemetry.LogEnvelope]{
			Payload: o.envelopes.Logs([]telemetry.Record{req.Payload}),
			Defer:   req.Defer || saveOnly,
		}
		if envelope.Defer {
			o.sender.Send(envelope)
		} else {
			o.sender.SendImmediate(envelope)
		}
	}
}
