package batch

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyship/pkg/sdk/metrics"
	"github.com/nicktill/tinyship/pkg/sdk/sink"
	"github.com/nicktill/tinyship/pkg/sdk/telemetry"
	"github.com/nicktill/tinyship/pkg/sdk/worker"
)

// mockSender records everything handed to delivery.
type mockSender struct {
	mu        sync.Mutex
	batches   []telemetry.SendRequest[telemetry.LogEnvelope]
	immediate []telemetry.SendRequest[telemetry.LogEnvelope]
}

func (m *mockSender) Send(req telemetry.SendRequest[telemetry.LogEnvelope]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, req)
}

func (m *mockSender) SendImmediate(req telemetry.SendRequest[telemetry.LogEnvelope]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.immediate = append(m.immediate, req)
}

func (m *mockSender) getBatches() []telemetry.SendRequest[telemetry.LogEnvelope] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]telemetry.SendRequest[telemetry.LogEnvelope](nil), m.batches...)
}

func (m *mockSender) getImmediate() []telemetry.SendRequest[telemetry.LogEnvelope] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]telemetry.SendRequest[telemetry.LogEnvelope](nil), m.immediate...)
}

type fixture struct {
	sink    *sink.Sink
	sender  *mockSender
	clock   clockwork.FakeClock
	orch    *Orchestrator
	metrics *metrics.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := metrics.New(nil)
	clock := clockwork.NewFakeClock()
	s := sink.New(nil, m)
	sender := &mockSender{}
	orch := New(DefaultConfig(), s, sender, telemetry.EnvelopeFactory{}, worker.NewScheduler(clock, nil, m), nil, nil, m)
	t.Cleanup(orch.Close)
	return &fixture{sink: s, sender: sender, clock: clock, orch: orch, metrics: m}
}

func logs(n int, mode telemetry.SendMode) []telemetry.Record {
	out := make([]telemetry.Record, n)
	for i := range out {
		out[i] = telemetry.Record{
			Kind:     "log",
			Severity: telemetry.SeverityInfo,
			Body:     fmt.Sprintf("message %d", i),
			SendMode: mode,
		}
	}
	return out
}

func TestOrchestrator_SizeTrigger(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sink.Store(logs(20, telemetry.SendModeDefault)))
	require.NoError(t, f.sink.Store(logs(29, telemetry.SendModeDefault)))
	assert.Empty(t, f.sender.getBatches())

	require.NoError(t, f.sink.Store(logs(1, telemetry.SendModeDefault)))

	batches := f.sender.getBatches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Payload.Data.Logs, 50)
	assert.False(t, batches[0].Defer)
	assert.Equal(t, telemetry.EnvelopeTypeLogs, batches[0].Payload.Type)
	assert.Equal(t, 0, f.sink.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BatchesFlushed.WithLabelValues(metrics.TriggerSize)))
}

func TestOrchestrator_SizeTriggerKeepsRemainder(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sink.Store(logs(120, telemetry.SendModeDefault)))

	batches := f.sender.getBatches()
	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Payload.Data.Logs, 50)
	assert.Len(t, batches[1].Payload.Data.Logs, 50)
	assert.Equal(t, 20, f.sink.Len())

	// The remainder goes out once the inactivity limit passes.
	f.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return len(f.sender.getBatches()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Len(t, f.sender.getBatches()[2].Payload.Data.Logs, 20)
}

func TestOrchestrator_InactivityTrigger(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sink.Store(logs(1, telemetry.SendModeDefault)))
	f.clock.Advance(1999 * time.Millisecond)
	require.Never(t, func() bool { return len(f.sender.getBatches()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	f.clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return len(f.sender.getBatches()) == 1 }, time.Second, 5*time.Millisecond)

	batch := f.sender.getBatches()[0]
	assert.Len(t, batch.Payload.Data.Logs, 1)
	assert.Equal(t, 0, f.sink.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BatchesFlushed.WithLabelValues(metrics.TriggerInactivity)))
}

func TestOrchestrator_AgeTrigger(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 9; i++ {
		if i > 0 {
			f.clock.Advance(500 * time.Millisecond)
		}
		require.NoError(t, f.sink.Store(logs(1, telemetry.SendModeDefault)))
	}
	f.clock.Advance(500 * time.Millisecond)
	// 4500ms since the first record.
	require.Never(t, func() bool { return len(f.sender.getBatches()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	f.clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return len(f.sender.getBatches()) == 1 }, time.Second, 5*time.Millisecond)

	assert.Len(t, f.sender.getBatches()[0].Payload.Data.Logs, 9)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BatchesFlushed.WithLabelValues(metrics.TriggerAge)))
}

func TestOrchestrator_ManualFlushSaveOnly(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sink.Store(logs(4, telemetry.SendModeDefault)))
	f.orch.Flush(true)

	batches := f.sender.getBatches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Payload.Data.Logs, 4)
	assert.True(t, batches[0].Defer)
	assert.Equal(t, 0, f.sink.Len())

	// The scheduled check was canceled by the flush.
	f.clock.Advance(time.Minute)
	require.Never(t, func() bool { return len(f.sender.getBatches()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestOrchestrator_ManualFlushEmpty(t *testing.T) {
	f := newFixture(t)
	f.orch.Flush(false)
	assert.Empty(t, f.sender.getBatches())
}

func TestOrchestrator_ConcurrentStoresFlushOnce(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sink.Store(logs(49, telemetry.SendModeDefault)))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 49; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, f.sink.Store(logs(1, telemetry.SendModeDefault)))
		}()
	}
	close(start)
	wg.Wait()

	batches := f.sender.getBatches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Payload.Data.Logs, 50)
	assert.Equal(t, 48, f.sink.Len())
}

func TestOrchestrator_ImmediateRecordsBypassBatching(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sink.Store(logs(2, telemetry.SendModeImmediate)))

	immediate := f.sender.getImmediate()
	require.Len(t, immediate, 2)
	for _, req := range immediate {
		assert.Len(t, req.Payload.Data.Logs, 1)
		assert.False(t, req.Defer)
	}
	assert.Empty(t, f.sender.getBatches())
	assert.Equal(t, 0, f.sink.Len())
}

func TestOrchestrator_DeferredRecordsArePersistedOnly(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sink.Store(logs(1, telemetry.SendModeDefer)))

	batches := f.sender.getBatches()
	require.Len(t, batches, 1)
	assert.True(t, batches[0].Defer)
	assert.Empty(t, f.sender.getImmediate())
}

func TestOrchestrator_PriorityDrainOnPool(t *testing.T) {
	m := metrics.New(nil)
	s := sink.New(nil, m)
	sender := &mockSender{}
	pool := worker.NewPool("test", 1, 8, nil, m)
	t.Cleanup(func() { pool.Close() })

	orch := New(DefaultConfig(), s, sender, telemetry.EnvelopeFactory{}, worker.NewScheduler(clockwork.NewFakeClock(), nil, m), pool, nil, m)
	t.Cleanup(orch.Close)

	require.NoError(t, s.Store(logs(3, telemetry.SendModeImmediate)))
	require.Eventually(t, func() bool { return len(sender.getImmediate()) == 3 }, time.Second, 5*time.Millisecond)
}

// lockCheckingSender records whether the orchestrator lock was free while a
// batch was being handed over.
type lockCheckingSender struct {
	mockSender
	orch       *Orchestrator
	lockedSend bool
}

func (l *lockCheckingSender) Send(req telemetry.SendRequest[telemetry.LogEnvelope]) {
	if l.orch.mu.TryLock() {
		l.orch.mu.Unlock()
	} else {
		l.mu.Lock()
		l.lockedSend = true
		l.mu.Unlock()
	}
	l.mockSender.Send(req)
}

func TestOrchestrator_SendsOutsideLock(t *testing.T) {
	m := metrics.New(nil)
	clock := clockwork.NewFakeClock()
	s := sink.New(nil, m)
	sender := &lockCheckingSender{}
	orch := New(Config{MaxBatchSize: 2}, s, sender, telemetry.EnvelopeFactory{}, worker.NewScheduler(clock, nil, m), nil, nil, m)
	sender.orch = orch
	t.Cleanup(orch.Close)

	// Size trigger on the producing goroutine.
	require.NoError(t, s.Store(logs(2, telemetry.SendModeDefault)))
	// Inactivity trigger on the scheduler.
	require.NoError(t, s.Store(logs(1, telemetry.SendModeDefault)))
	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return len(sender.getBatches()) == 2 }, time.Second, 5*time.Millisecond)
	// Manual flush.
	require.NoError(t, s.Store(logs(1, telemetry.SendModeDefault)))
	orch.Flush(true)

	require.Len(t, sender.getBatches(), 3)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.False(t, sender.lockedSend)
}
