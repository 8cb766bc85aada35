package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyship/pkg/sdk/telemetry"
)

type recordingStore struct {
	mu      sync.Mutex
	records []telemetry.Record
	err     error
}

func (s *recordingStore) StoreLogs(records ...telemetry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return s.err
}

func (s *recordingStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestSnapshot(t *testing.T) {
	now := time.Now()
	rec := Snapshot(now)

	assert.Equal(t, RecordKind, rec.Kind)
	assert.Equal(t, now, rec.Timestamp)
	assert.Equal(t, telemetry.SendModeDefault, rec.SendMode)
	assert.NotEmpty(t, rec.Attributes["go.goroutines"])
	assert.NotEmpty(t, rec.Attributes["go.memory.heap_bytes"])
}

// run starts c and returns a stop func that waits for it to exit.
func run(c *Collector) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestCollectorStart(t *testing.T) {
	store := &recordingStore{}
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	c := NewCollector(store, 10*time.Second, clock, nil)

	stop := run(c)
	defer stop()

	// First snapshot is taken right away.
	require.Eventually(t, func() bool { return store.len() == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		if store.len() >= 3 {
			return true
		}
		clock.Advance(10 * time.Second)
		return store.len() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, time.Unix(1_700_000_000, 0), store.records[0].Timestamp)
	assert.True(t, store.records[2].Timestamp.After(store.records[0].Timestamp))
}

func TestCollectorLogsStoreErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	store := &recordingStore{err: errors.New("sink closed")}

	stop := run(NewCollector(store, time.Hour, clockwork.NewFakeClock(), logger))
	defer stop()

	require.Eventually(t, func() bool {
		entry := hook.LastEntry()
		return entry != nil && entry.Message == "Runtime stats not stored"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)
}
