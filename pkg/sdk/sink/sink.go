package sink

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyship/pkg/logging"
	"github.com/nicktill/tinyship/pkg/sdk/metrics"
	"github.com/nicktill/tinyship/pkg/sdk/telemetry"
)

// ErrInvalidSendMode is returned by Store for a record with an unknown send mode.
var ErrInvalidSendMode = errors.New("invalid send mode")

// Sink holds completed telemetry records until they are flushed.
// DEFAULT records go to the batchable store; IMMEDIATE and DEFER records go
// to a FIFO priority queue. A record is in exactly one of the two.
type Sink struct {
	mu        sync.Mutex
	batchable []telemetry.Record
	priority  []telemetry.SendRequest[telemetry.Record]

	listenerMu sync.RWMutex
	onStored   func()

	logger  logrus.FieldLogger
	metrics *metrics.Pipeline
}

// New creates an empty sink.
func New(logger logrus.FieldLogger, m *metrics.Pipeline) *Sink {
	return &Sink{
		batchable: make([]telemetry.Record, 0, 64),
		logger:    logging.Component(logger, "sink"),
		metrics:   metrics.OrNew(m),
	}
}

// OnStored registers the single listener called after every successful Store.
// Registering again replaces the previous listener.
func (s *Sink) OnStored(fn func()) {
	s.listenerMu.Lock()
	s.onStored = fn
	s.listenerMu.Unlock()
}

// Store appends records. It is safe for concurrent use.
// Writes are not transactional: on error, records before the offending one
// have already been stored and the listener is not called.
func (s *Sink) Store(records []telemetry.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	stored := 0
	var err error
	for i, r := range records {
		switch r.SendMode {
		case telemetry.SendModeDefault:
			s.batchable = append(s.batchable, r)
		case telemetry.SendModeImmediate, telemetry.SendModeDefer:
			s.priority = append(s.priority, telemetry.SendRequest[telemetry.Record]{
				Payload: r,
				Defer:   r.SendMode == telemetry.SendModeDefer,
			})
		default:
			err = fmt.Errorf("record %d: %w: %v", i, ErrInvalidSendMode, r.SendMode)
		}
		if err != nil {
			break
		}
		stored++
	}
	s.mu.Unlock()

	s.metrics.RecordsStored.Add(float64(stored))
	if err != nil {
		s.metrics.RecordsRejected.Add(float64(len(records) - stored))
		s.logger.WithError(err).Warn("Failed to store telemetry records")
		return err
	}

	s.notify()
	return nil
}

// notify calls the listener outside of the store lock. A panicking listener is
// logged and swallowed so one bad callback cannot break producers.
func (s *Sink) notify() {
	s.listenerMu.RLock()
	fn := s.onStored
	s.listenerMu.RUnlock()
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Stored-records listener panicked")
		}
	}()
	fn()
}

// Batchable returns a snapshot of the batchable records in insertion order.
// The returned slice is a copy and is unaffected by later stores or flushes.
func (s *Sink) Batchable() []telemetry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]telemetry.Record, len(s.batchable))
	copy(snapshot, s.batchable)
	return snapshot
}

// Len returns the number of batchable records.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batchable)
}

// Flush atomically removes and returns up to limit of the oldest batchable
// records. limit <= 0 flushes everything.
func (s *Sink) Flush(limit int) []telemetry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.batchable)
	if limit > 0 && n > limit {
		n = limit
	}
	if n == 0 {
		return nil
	}

	flushed := make([]telemetry.Record, n)
	copy(flushed, s.batchable[:n])

	remaining := len(s.batchable) - n
	rest := make([]telemetry.Record, remaining, max(remaining, 64))
	copy(rest, s.batchable[n:])
	s.batchable = rest

	return flushed
}

// PollPriority pops the oldest non-batchable record.
func (s *Sink) PollPriority() (telemetry.SendRequest[telemetry.Record], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.priority) == 0 {
		return telemetry.SendRequest[telemetry.Record]{}, false
	}
	req := s.priority[0]
	s.priority[0] = telemetry.SendRequest[telemetry.Record]{}
	s.priority = s.priority[1:]
	return req, true
}
