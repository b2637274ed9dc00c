// Package metrics exposes ingestion counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "telemetry"

// Batch outcomes.
const (
	OutcomeStored    = "stored"
	OutcomeDegraded  = "degraded"
	OutcomeMalformed = "malformed"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
)

// Collector is a prometheus.Collector for the ingestion pipeline. A nil
// *Collector records nothing.
type Collector struct {
	batches     *prometheus.CounterVec
	records     *prometheus.CounterVec
	cacheErrors *prometheus.CounterVec
	duration    prometheus.Histogram
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "ingest_batches_total",
				Help:      "The number of ingested batches by outcome.",
			}, []string{"outcome"},
		),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "ingest_records_total",
				Help:      "The number of records durably written by collection.",
			}, []string{"collection"},
		),
		cacheErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cache_errors_total",
				Help:      "The number of failed state cache operations.",
			}, []string{"op"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "ingest_duration_seconds",
				Help:      "The time taken to ingest one batch.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.batches.Describe(ch)
	c.records.Describe(ch)
	c.cacheErrors.Describe(ch)
	c.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.batches.Collect(ch)
	c.records.Collect(ch)
	c.cacheErrors.Collect(ch)
	c.duration.Collect(ch)
}

// ObserveBatch records one finished batch.
func (c *Collector) ObserveBatch(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.batches.WithLabelValues(outcome).Inc()
	c.duration.Observe(elapsed.Seconds())
}

// AddRecords counts records written to a collection.
func (c *Collector) AddRecords(collection string, n int) {
	if c == nil {
		return
	}
	c.records.WithLabelValues(collection).Add(float64(n))
}

// CacheError counts a failed cache operation ("get" or "set").
func (c *Collector) CacheError(op string) {
	if c == nil {
		return
	}
	c.cacheErrors.WithLabelValues(op).Inc()
}

// Handler returns an HTTP handler serving the metrics in reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
