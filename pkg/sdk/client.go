package sdk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyship/pkg/config"
	"github.com/nicktill/tinyship/pkg/logging"
	"github.com/nicktill/tinyship/pkg/sdk/batch"
	"github.com/nicktill/tinyship/pkg/sdk/cache"
	"github.com/nicktill/tinyship/pkg/sdk/delivery"
	"github.com/nicktill/tinyship/pkg/sdk/metrics"
	"github.com/nicktill/tinyship/pkg/sdk/ratelimit"
	"github.com/nicktill/tinyship/pkg/sdk/sink"
	"github.com/nicktill/tinyship/pkg/sdk/telemetry"
	"github.com/nicktill/tinyship/pkg/sdk/transport"
	"github.com/nicktill/tinyship/pkg/sdk/worker"
)

// ErrNotStarted is returned by operations that need a started client.
var ErrNotStarted = errors.New("client not started")

// Options configures a Client.
type Options struct {
	Config   config.Config
	Resource telemetry.Resource
	Metadata telemetry.Metadata

	// Logger defaults to a discarding logger.
	Logger logrus.FieldLogger
	// Registerer receives the pipeline metrics. Nil keeps them private.
	Registerer prometheus.Registerer
	// Clock drives batching and retry timers. Nil uses the real clock.
	Clock clockwork.Clock
}

// Client wires the sink, batch orchestrator and delivery coordinator.
type Client struct {
	cfg       config.Config
	logger    logrus.FieldLogger
	metrics   *metrics.Pipeline
	envelopes telemetry.EnvelopeFactory
	requests  transport.RequestFactory
	transport *transport.Client

	sink         *sink.Sink
	orchestrator *batch.Orchestrator
	coordinator  *delivery.Coordinator
	pool         *worker.Pool

	mu         sync.Mutex
	started    bool
	stopped    bool
	configETag string
	configBody []byte
}

// New builds the pipeline. Persisted calls from a previous run are loaded
// but not sent until Start.
func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.AppID == "" {
		return nil, fmt.Errorf("app id is required")
	}

	logger := logging.OrDiscard(opts.Logger)
	m := metrics.New(opts.Registerer)
	scheduler := worker.NewScheduler(opts.Clock, logger, m)
	pool := worker.NewPool("background", cfg.BackgroundWorkers, config.DefaultWorkerQueueSize, logger, m)

	store, err := cache.New(cfg.CacheDir, nil, logger, m)
	if err != nil {
		pool.Close()
		return nil, err
	}

	resource := opts.Resource
	if resource.AppID == "" {
		resource.AppID = cfg.AppID
	}
	if resource.DeviceID == "" {
		resource.DeviceID = cfg.DeviceID
	}
	envelopes := telemetry.EnvelopeFactory{Resource: resource, Metadata: opts.Metadata}
	requests := transport.RequestFactory{
		BaseURL:   cfg.BaseURL,
		AppID:     cfg.AppID,
		DeviceID:  cfg.DeviceID,
		UserAgent: cfg.UserAgent,
	}
	client := transport.NewClient(cfg.RequestTimeout, logger, m)

	coordinator, err := delivery.New(delivery.Options{
		RetryPeriod:       cfg.RetryPeriod,
		MaxRetryPeriod:    cfg.MaxRetryPeriod,
		MaxCachedSessions: cfg.MaxCachedSessions,
	}, delivery.Deps{
		Executor: client,
		Requests: requests,
		Limits: ratelimit.NewRegistry(ratelimit.Options{
			Base:       cfg.BackoffBase,
			MaxBackoff: cfg.MaxBackoff,
		}, scheduler, logger, m),
		Cache:     store,
		Scheduler: scheduler,
		Pool:      pool,
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create delivery coordinator: %w", err)
	}

	s := sink.New(logger, m)
	orchestrator := batch.New(batch.Config{
		MaxBatchSize:  cfg.MaxBatchSize,
		MaxBatchAge:   cfg.MaxBatchAge,
		MaxInactivity: cfg.MaxInactivity,
	}, s, coordinator, envelopes, scheduler, pool, logger, m)

	return &Client{
		cfg:          cfg,
		logger:       logging.Component(logger, "sdk"),
		metrics:      m,
		envelopes:    envelopes,
		requests:     requests,
		transport:    client,
		sink:         s,
		orchestrator: orchestrator,
		coordinator:  coordinator,
		pool:         pool,
	}, nil
}

// Start begins delivering persisted calls, cached sessions first.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return fmt.Errorf("client stopped")
	}
	if c.started {
		return fmt.Errorf("client already started")
	}
	c.started = true
	c.coordinator.Start()
	c.logger.WithField("pending_calls", c.coordinator.PendingCalls()).Info("Telemetry pipeline started")
	return nil
}

// Stop persists everything still buffered, to be delivered on the next
// Start, and shuts the pipeline down.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.orchestrator.Flush(true)
	c.orchestrator.Close()

	var errs []error
	if err := c.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.coordinator.Close(); err != nil {
		errs = append(errs, err)
	}
	c.logger.Info("Telemetry pipeline stopped")
	return errors.Join(errs...)
}

// StoreLogs hands records to the sink. It never waits on the network or
// the disk; persisting for later delivery runs on the background pool.
func (c *Client) StoreLogs(records ...telemetry.Record) error {
	return c.sink.Store(records)
}

// Flush sends everything buffered now. With saveOnly it is persisted
// instead, for when the process is about to be suspended.
func (c *Client) Flush(saveOnly bool) {
	c.orchestrator.Flush(saveOnly)
}

// Submit sends v as JSON to endpoint outside of batching.
func (c *Client) Submit(endpoint transport.Endpoint, v any, deferSend bool) error {
	return c.coordinator.Submit(endpoint, transport.JSONAction(v), deferSend)
}

// SaveSession snapshots a running session.
func (c *Client) SaveSession(payload telemetry.SessionPayload, snapshot delivery.SnapshotType) error {
	return c.coordinator.SaveSession(c.envelopes.Session(payload), snapshot)
}

// SendSession delivers a finished session ahead of other telemetry.
func (c *Client) SendSession(payload telemetry.SessionPayload, snapshot delivery.SnapshotType) error {
	return c.coordinator.SendSession(c.envelopes.Session(payload), snapshot)
}

// SetConnectivity forwards the host's network signal.
func (c *Client) SetConnectivity(reachable bool) {
	status := delivery.NetworkReachable
	if !reachable {
		status = delivery.NetworkUnreachable
	}
	c.coordinator.OnNetworkConnectivityStatusChanged(status)
}

// PendingCalls returns the number of persisted calls awaiting delivery.
func (c *Client) PendingCalls() int {
	return c.coordinator.PendingCalls()
}

// Metrics returns the pipeline's self-instrumentation.
func (c *Client) Metrics() *metrics.Pipeline {
	return c.metrics
}

// FetchConfig fetches remote configuration, revalidating the previous
// response with its ETag. A 304 returns the cached body.
func (c *Client) FetchConfig(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	etag := c.configETag
	c.mu.Unlock()

	outcome := c.transport.Execute(ctx, c.requests.Get(transport.EndpointConfig, etag))
	switch o := outcome.(type) {
	case transport.Success:
		c.mu.Lock()
		c.configETag = o.Header.Get("ETag")
		c.configBody = o.Body
		c.mu.Unlock()
		return o.Body, nil
	case transport.NotModified:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.configBody, nil
	case transport.Incomplete:
		return nil, fmt.Errorf("failed to fetch config: %w", o.Err)
	default:
		return nil, fmt.Errorf("failed to fetch config: %s", outcome.Label())
	}
}
