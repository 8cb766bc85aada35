package runtime

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyship/pkg/logging"
	"github.com/nicktill/tinyship/pkg/sdk/telemetry"
)

// RecordKind is the Kind of records produced by the collector.
const RecordKind = "runtime"

// RecordStore accepts telemetry records. *sdk.Client satisfies it.
type RecordStore interface {
	StoreLogs(records ...telemetry.Record) error
}

// Collector periodically stores a snapshot of Go runtime stats.
type Collector struct {
	store    RecordStore
	interval time.Duration
	clock    clockwork.Clock
	logger   logrus.FieldLogger
}

// NewCollector creates a collector. A zero interval means 15s and a nil
// clock the real one.
func NewCollector(store RecordStore, interval time.Duration, clock clockwork.Clock, logger logrus.FieldLogger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Collector{
		store:    store,
		interval: interval,
		clock:    clock,
		logger:   logging.Component(logger, "runtime"),
	}
}

// Start collects immediately and then every interval until ctx is done.
func (c *Collector) Start(ctx context.Context) {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	if err := c.store.StoreLogs(Snapshot(c.clock.Now())); err != nil {
		c.logger.WithError(err).Debug("Runtime stats not stored")
	}
}

// Snapshot reads runtime stats into a record.
func Snapshot(now time.Time) telemetry.Record {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	attrs := map[string]string{
		"go.goroutines":         strconv.Itoa(runtime.NumGoroutine()),
		"go.cpu_count":          strconv.Itoa(runtime.NumCPU()),
		"go.memory.heap_bytes":  strconv.FormatUint(m.HeapAlloc, 10),
		"go.memory.stack_bytes": strconv.FormatUint(m.StackInuse, 10),
		"go.memory.sys_bytes":   strconv.FormatUint(m.Sys, 10),
		"go.gc.count":           strconv.FormatUint(uint64(m.NumGC), 10),
	}
	if m.NumGC > 0 {
		attrs["go.gc.pause_seconds"] = strconv.FormatFloat(float64(m.PauseTotalNs)/1e9, 'f', 6, 64)
	}

	return telemetry.Record{
		Kind:       RecordKind,
		Severity:   telemetry.SeverityDebug,
		Body:       "runtime stats",
		Timestamp:  now,
		Attributes: attrs,
	}
}
