package delivery

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyship/pkg/config"
	"github.com/nicktill/tinyship/pkg/sdk/cache"
	"github.com/nicktill/tinyship/pkg/sdk/pending"
	"github.com/nicktill/tinyship/pkg/sdk/telemetry"
	"github.com/nicktill/tinyship/pkg/sdk/transport"
	"github.com/nicktill/tinyship/pkg/sdk/worker"
)

const sessionSchemaVersion = 1

// SnapshotType says how urgently a session snapshot must reach disk.
type SnapshotType int

const (
	// SnapshotPeriodic is written in the background while the session runs.
	SnapshotPeriodic SnapshotType = iota
	// SnapshotNormalEnd is written when the session ends normally.
	SnapshotNormalEnd
	// SnapshotCrash is written on the caller's goroutine; the process is
	// about to die.
	SnapshotCrash
)

func (t SnapshotType) String() string {
	switch t {
	case SnapshotPeriodic:
		return "periodic"
	case SnapshotNormalEnd:
		return "normal_end"
	case SnapshotCrash:
		return "crash"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// SessionFileName is the cache name of a session's snapshot.
func SessionFileName(env telemetry.SessionEnvelope) string {
	return cache.CachedFile{
		Prefix:        config.SessionFilePrefix,
		TimestampMs:   env.Data.StartTime.UnixMilli(),
		LogicalID:     env.Data.SessionID,
		SchemaVersion: sessionSchemaVersion,
	}.Name()
}

// SaveSession snapshots a running session so it survives process death.
func (c *Coordinator) SaveSession(env telemetry.SessionEnvelope, snapshot SnapshotType) error {
	if c.isClosed() {
		return ErrClosed
	}

	write := func() {
		if err := c.writeRunningSession(env); err != nil {
			c.logger.WithError(err).WithField("session", env.Data.SessionID).Warn("Failed to save session")
		}
	}

	switch snapshot {
	case SnapshotCrash:
		return c.writeSession(env)
	case SnapshotNormalEnd:
		return c.worker.Submit(worker.PriorityHigh, write)
	default:
		if c.pool == nil {
			write()
			return nil
		}
		return c.pool.Submit(write)
	}
}

// SendSession snapshots the session and delivers it ahead of other
// telemetry. The snapshot is removed once the backend has answered for
// good. Crash snapshots are only persisted and go out on the next start.
func (c *Coordinator) SendSession(env telemetry.SessionEnvelope, snapshot SnapshotType) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.endSession(env.Data.SessionID)

	if snapshot == SnapshotCrash {
		if err := c.writeSession(env); err != nil {
			return err
		}
		c.enqueueSession(SessionFileName(env), c.nowMs())
		return nil
	}

	return c.worker.Submit(worker.PriorityHigh, func() {
		name := SessionFileName(env)
		log := c.logger.WithField("session", env.Data.SessionID)

		if err := c.writeSession(env); err != nil {
			log.WithError(err).Warn("Failed to cache session before sending")
		}

		if !c.reachable.Load() || c.limits.IsRateLimited(transport.EndpointSessions) {
			c.enqueueSession(name, c.nowMs())
			return
		}

		req := c.requests.Post(transport.EndpointSessions, transport.JSONAction(env))
		switch c.handleOutcome(transport.EndpointSessions, c.executor.Execute(c.ctx, req)) {
		case resultRetry:
			c.enqueueSession(name, c.nowMs())
		default:
			_ = c.cache.Delete(name)
			if c.queue.Remove(name) {
				_ = c.saveQueue()
			}
			log.Debug("Session finished")
		}
	})
}

// DeleteSession removes every cached snapshot of sessionID.
func (c *Coordinator) DeleteSession(sessionID string) error {
	files, err := c.cache.ListCachedFiles(config.SessionFilePrefix)
	if err != nil {
		return err
	}

	removed := false
	for _, f := range files {
		if f.LogicalID != sessionID {
			continue
		}
		if err := c.cache.Delete(f.Name()); err != nil {
			return err
		}
		removed = c.queue.Remove(f.Name()) || removed
	}
	if removed {
		return c.saveQueue()
	}
	return nil
}

// endSession marks sessionID as ended. Snapshots of a running session
// queued before this point are dropped instead of recreating a file that
// delivery already removed.
func (c *Coordinator) endSession(sessionID string) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	c.ended[sessionID] = struct{}{}
}

func (c *Coordinator) writeRunningSession(env telemetry.SessionEnvelope) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if _, ok := c.ended[env.Data.SessionID]; ok {
		c.logger.WithField("session", env.Data.SessionID).Debug("Session already ended, snapshot dropped")
		return nil
	}
	return c.writeSession(env)
}

func (c *Coordinator) writeSession(env telemetry.SessionEnvelope) error {
	name := SessionFileName(env)
	if err := c.cache.WriteSnapshot(name, env); err != nil {
		return err
	}
	c.purgeSessions(name)
	return nil
}

// purgeSessions deletes the oldest snapshots beyond MaxCachedSessions,
// never the one just written.
func (c *Coordinator) purgeSessions(keep string) {
	files, err := c.cache.ListCachedFiles(config.SessionFilePrefix)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to list cached sessions")
		return
	}

	excess := len(files) - c.opts.MaxCachedSessions
	changed := false
	for _, f := range files {
		if excess <= 0 {
			break
		}
		name := f.Name()
		if name == keep {
			continue
		}
		c.logger.WithField("file", name).Info("Too many cached sessions, purging oldest")
		_ = c.cache.Delete(name)
		changed = c.queue.Remove(name) || changed
		excess--
	}
	if changed {
		_ = c.saveQueue()
	}
}

func (c *Coordinator) enqueueSession(name string, queuedAtMs int64) {
	if c.queue.Contains(name) {
		return
	}
	c.enqueue(pending.Call{
		Request:     c.requests.Post(transport.EndpointSessions, nil),
		PayloadName: name,
		QueuedAtMs:  queuedAtMs,
	})
	c.scheduleDelivery(c.opts.RetryPeriod)
}

// requeueCachedSessions queues every session left on disk by a previous
// process that is not already pending.
func (c *Coordinator) requeueCachedSessions() {
	files, err := c.cache.ListCachedFiles(config.SessionFilePrefix)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to list cached sessions")
		return
	}

	queued := 0
	for _, f := range files {
		name := f.Name()
		if c.queue.Contains(name) {
			continue
		}
		for _, ev := range c.queue.Add(pending.Call{
			Request:     c.requests.Post(transport.EndpointSessions, nil),
			PayloadName: name,
			QueuedAtMs:  f.TimestampMs,
		}) {
			_ = c.cache.Delete(ev.PayloadName)
		}
		queued++
	}
	if queued > 0 {
		c.logger.WithFields(logrus.Fields{"sessions": queued}).Info("Cached sessions queued for delivery")
		_ = c.saveQueue()
	}
}
