// Package telemetry holds silt's Prometheus metrics and OpenTelemetry
// tracer setup.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics silt exposes.
type Metrics struct {
	RequestTotal        *prometheus.CounterVec
	RequestWaitMs        *prometheus.HistogramVec
	PendingQueueDepth    prometheus.Gauge
	DispatchLatencyMs    prometheus.Histogram
	BatchSize            prometheus.Histogram
	PollOutcomeTotal     *prometheus.CounterVec
	WakeLatencyMs        prometheus.Histogram
	FilterActionTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "silt_request_total",
			Help: "Total number of chat-completion requests handled, by outcome.",
		}, []string{"status"}),

		RequestWaitMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "silt_request_wait_ms",
			Help:    "Time a request handler spent waiting between admission and a terminal result.",
			Buckets: []float64{100, 500, 1000, 5000, 15000, 30000, 60000, 120000, 300000},
		}, []string{"status"}),

		PendingQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "silt_pending_queue_depth",
			Help: "Number of requests observed in the pending index at the last dispatcher tick.",
		}),

		DispatchLatencyMs: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "silt_dispatch_latency_ms",
			Help:    "Time a dispatcher tick took to upload and create an upstream batch.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),

		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "silt_batch_size",
			Help:    "Number of requests submitted per upstream batch.",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 50000},
		}),

		PollOutcomeTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "silt_poll_outcome_total",
			Help: "Total poller ticks by the batch status they observed.",
		}, []string{"status"}),

		WakeLatencyMs: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "silt_wake_latency_ms",
			Help:    "Time between a terminal write and a subscribed handler observing it.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		FilterActionTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "silt_filter_action_total",
			Help: "Total admission filter actions taken.",
		}, []string{"filter", "action"}),
	}
}

// RecordRequest records the outcome and wait time of one handled request.
func (m *Metrics) RecordRequest(status string, waitMs float64) {
	m.RequestTotal.WithLabelValues(status).Inc()
	m.RequestWaitMs.WithLabelValues(status).Observe(waitMs)
}

// RecordDispatch records one dispatcher submission.
func (m *Metrics) RecordDispatch(latencyMs float64, batchSize int) {
	m.DispatchLatencyMs.Observe(latencyMs)
	m.BatchSize.Observe(float64(batchSize))
}

// RecordPollOutcome records the batch status observed on one poller tick.
func (m *Metrics) RecordPollOutcome(status string) {
	m.PollOutcomeTotal.WithLabelValues(status).Inc()
}

// RecordWakeLatency records the gap between a terminal write and a
// subscriber observing it.
func (m *Metrics) RecordWakeLatency(latencyMs float64) {
	m.WakeLatencyMs.Observe(latencyMs)
}

// RecordFilterAction records an admission filter action.
func (m *Metrics) RecordFilterAction(filter, action string) {
	m.FilterActionTotal.WithLabelValues(filter, action).Inc()
}

// SetPendingQueueDepth reports the pending index size observed at a tick.
func (m *Metrics) SetPendingQueueDepth(depth int) {
	m.PendingQueueDepth.Set(float64(depth))
}
