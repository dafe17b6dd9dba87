package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event outcomes recorded by EventsTotal.
const (
	OutcomeAccepted  = "accepted"
	OutcomeMalformed = "malformed"
	OutcomeInvalid   = "invalid"
	OutcomeFiltered  = "filtered"
	OutcomeOversized = "oversized"
	OutcomeRejected  = "rejected"
	OutcomeDelivered = "delivered"
)

// Metrics holds all seq-import Prometheus metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	EventsTotal     *prometheus.CounterVec
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	BytesSent       prometheus.Counter
	Checkpoint      prometheus.Gauge
	SingleMode      prometheus.Gauge
}

// NewMetrics creates and registers all seq-import metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "seq_import_events_total",
			Help: "Input events by outcome.",
		}, []string{"outcome"}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "seq_import_requests_total",
			Help: "Ingestion requests by shipping mode and HTTP status.",
		}, []string{"mode", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seq_import_request_duration_seconds",
			Help:    "Ingestion request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),

		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "seq_import_bytes_sent_total",
			Help: "Payload bytes accepted by the server.",
		}),

		Checkpoint: factory.NewGauge(prometheus.GaugeOpts{
			Name: "seq_import_checkpoint",
			Help: "Highest sequence id confirmed delivered.",
		}),

		SingleMode: factory.NewGauge(prometheus.GaugeOpts{
			Name: "seq_import_single_mode",
			Help: "1 while events are shipped one at a time to isolate a rejected event.",
		}),
	}
}

// RecordEvent counts one event with the given outcome.
func (m *Metrics) RecordEvent(outcome string) {
	m.RecordEvents(outcome, 1)
}

// RecordEvents counts n events with the given outcome.
func (m *Metrics) RecordEvents(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsTotal.WithLabelValues(outcome).Add(float64(n))
}

// RecordRequest records one ingestion request. status is 0 for requests
// that never received a response.
func (m *Metrics) RecordRequest(mode string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.RequestsTotal.WithLabelValues(mode, label).Inc()
	m.RequestDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordDelivery records bytes accepted by the server and the new checkpoint.
func (m *Metrics) RecordDelivery(bytes int, checkpoint uint64) {
	if m == nil {
		return
	}
	m.BytesSent.Add(float64(bytes))
	m.Checkpoint.Set(float64(checkpoint))
}

// SetSingleMode reports whether the shipper is isolating events.
func (m *Metrics) SetSingleMode(on bool) {
	if m == nil {
		return
	}
	if on {
		m.SingleMode.Set(1)
	} else {
		m.SingleMode.Set(0)
	}
}
