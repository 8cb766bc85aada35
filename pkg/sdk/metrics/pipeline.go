package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Flush triggers, used as the "trigger" label on BatchesFlushed
const (
	TriggerSize       = "size"
	TriggerAge        = "age"
	TriggerInactivity = "inactivity"
	TriggerManual     = "manual"
)

// Pipeline holds the SDK's self-instrumentation.
// Each Pipeline registers against its own registerer so tests can build many.
type Pipeline struct {
	RecordsStored    prometheus.Counter
	RecordsRejected  prometheus.Counter
	BatchesFlushed   *prometheus.CounterVec
	BatchSize        prometheus.Histogram
	Deliveries       *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	PendingCalls     *prometheus.GaugeVec
	RateLimited      *prometheus.GaugeVec
	CacheErrors      *prometheus.CounterVec
	TaskPanics       *prometheus.CounterVec
}

// New registers the pipeline metrics with reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Pipeline {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Pipeline{
		RecordsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "tinyship_records_stored_total",
			Help: "Telemetry records accepted by the sink",
		}),
		RecordsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "tinyship_records_rejected_total",
			Help: "Telemetry records rejected by the sink",
		}),
		BatchesFlushed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tinyship_batches_flushed_total",
			Help: "Batches flushed by trigger",
		}, []string{"trigger"}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tinyship_batch_size_records",
			Help:    "Records per flushed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tinyship_deliveries_total",
			Help: "Delivery attempts by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		DeliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tinyship_delivery_duration_seconds",
			Help:    "Delivery request latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}, []string{"endpoint"}),
		PendingCalls: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tinyship_pending_calls",
			Help: "Persisted calls awaiting delivery",
		}, []string{"endpoint"}),
		RateLimited: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tinyship_endpoint_rate_limited",
			Help: "1 while the endpoint is rate limited",
		}, []string{"endpoint"}),
		CacheErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tinyship_cache_errors_total",
			Help: "Cache failures by operation",
		}, []string{"op"}),
		TaskPanics: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tinyship_task_panics_total",
			Help: "Recovered panics in background tasks",
		}, []string{"worker"}),
	}
}

// OrNew returns p, or a fresh unregistered Pipeline when p is nil.
func OrNew(p *Pipeline) *Pipeline {
	if p == nil {
		return New(nil)
	}
	return p
}
