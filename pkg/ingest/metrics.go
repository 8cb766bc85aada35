package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the collector.
type Metrics struct {
	Envelopes *prometheus.CounterVec
	Records   *prometheus.CounterVec
	BodyBytes prometheus.Histogram

	FeedDropped prometheus.Counter
}

// NewMetrics registers collector metrics with reg. A nil reg uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Envelopes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tinyship_collector_envelopes_total",
			Help: "Envelopes received by endpoint and result",
		}, []string{"endpoint", "result"}),
		Records: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tinyship_collector_records_total",
			Help: "Telemetry records accepted, duplicates excluded",
		}, []string{"endpoint"}),
		BodyBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tinyship_collector_body_bytes",
			Help:    "Decompressed envelope size",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8), // 256B to 4MB
		}),
		FeedDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tinyship_collector_feed_dropped_total",
			Help: "Live feed notices dropped for subscribers that fell behind",
		}),
	}
}
