package pending

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyship/pkg/codec"
	"github.com/nicktill/tinyship/pkg/config"
	"github.com/nicktill/tinyship/pkg/logging"
	"github.com/nicktill/tinyship/pkg/sdk/cache"
)

const storeVersion = 1

type snapshot struct {
	Version int    `cbor:"version"`
	Calls   []Call `cbor:"calls"`
}

// Store persists a Queue as a single CBOR file in the cache directory.
type Store struct {
	cache  *cache.Cache
	name   string
	logger logrus.FieldLogger
}

// NewStore creates a store writing config.PendingCallsFileName through c.
func NewStore(c *cache.Cache, logger logrus.FieldLogger) *Store {
	return &Store{
		cache:  c.WithSerializer(codec.CBOR{}),
		name:   config.PendingCallsFileName,
		logger: logging.Component(logger, "pending"),
	}
}

// Load reads the persisted queue. A missing or unreadable file yields an
// empty queue.
func (s *Store) Load() *Queue {
	q := NewQueue()

	var snap snapshot
	if err := s.cache.LoadObject(s.name, &snap); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.WithError(err).Warn("Failed to load pending calls")
		}
		return q
	}

	for _, call := range snap.Calls {
		// Limits may have changed since the file was written.
		for _, ev := range q.Add(call) {
			s.logger.WithField("payload", ev.PayloadName).Debug("Dropped pending call over limit on load")
			_ = s.cache.Delete(ev.PayloadName)
		}
	}
	s.logger.WithField("calls", q.Total()).Debug("Pending calls loaded")
	return q
}

// Save writes the full queue.
func (s *Store) Save(q *Queue) error {
	snap := snapshot{Version: storeVersion, Calls: q.Calls()}
	if err := s.cache.CacheObject(s.name, snap); err != nil {
		return fmt.Errorf("failed to save pending calls: %w", err)
	}
	return nil
}
