// Package metrics holds the Prometheus collectors for deliverytrack. Every
// recording method is safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors on a private registry.
type Metrics struct {
	StatusTransitions *prometheus.CounterVec
	DuplicateUpdates  *prometheus.CounterVec
	Suppressions      *prometheus.CounterVec
	SuppressionWrites *prometheus.CounterVec
	SuppressionChecks *prometheus.CounterVec
	EngagementEvents  *prometheus.CounterVec
	TransportSends    *prometheus.CounterVec
	RetryQueueDepth   prometheus.Gauge
	Subscribers       prometheus.Gauge
	DroppedMessages   *prometheus.CounterVec
	SweepDeleted      *prometheus.CounterVec

	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		StatusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deliverytrack_status_transitions_total",
				Help: "Delivery status transitions that stamped a new timestamp",
			},
			[]string{"status"},
		),
		DuplicateUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deliverytrack_duplicate_updates_total",
				Help: "Status updates that found the timestamp already set",
			},
			[]string{"status"},
		),
		Suppressions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deliverytrack_suppressions_total",
				Help: "Suppression entries written, by type and permanence",
			},
			[]string{"type", "permanent"},
		),
		SuppressionWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deliverytrack_suppression_write_results_total",
				Help: "Outcome of suppression writes on the bounce path",
			},
			[]string{"result"},
		),
		SuppressionChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deliverytrack_send_gate_total",
				Help: "Pre-send policy decisions",
			},
			[]string{"decision"},
		),
		EngagementEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deliverytrack_engagement_events_total",
				Help: "Engagement events recorded, by type and first occurrence",
			},
			[]string{"type", "first"},
		),
		TransportSends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deliverytrack_transport_sends_total",
				Help: "Transport hand-offs by transport and result",
			},
			[]string{"transport", "result"},
		),
		RetryQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "deliverytrack_suppression_retry_queue_depth",
				Help: "Pending suppression writes awaiting retry",
			},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "deliverytrack_realtime_subscribers",
				Help: "Connected realtime subscribers",
			},
		),
		DroppedMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deliverytrack_realtime_dropped_total",
				Help: "Realtime messages dropped or subscribers disconnected on a full buffer",
			},
			[]string{"policy"},
		),
		SweepDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deliverytrack_sweep_deleted_total",
				Help: "Rows removed by the cleanup sweeps",
			},
			[]string{"sweep"},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deliverytrack_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deliverytrack_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.StatusTransitions,
		m.DuplicateUpdates,
		m.Suppressions,
		m.SuppressionWrites,
		m.SuppressionChecks,
		m.EngagementEvents,
		m.TransportSends,
		m.RetryQueueDepth,
		m.Subscribers,
		m.DroppedMessages,
		m.SweepDeleted,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// StatusTransition counts a committed status change.
func (m *Metrics) StatusTransition(status string, stamped bool) {
	if m == nil {
		return
	}
	if stamped {
		m.StatusTransitions.WithLabelValues(status).Inc()
		return
	}
	m.DuplicateUpdates.WithLabelValues(status).Inc()
}

// SuppressionWritten counts a suppression upsert.
func (m *Metrics) SuppressionWritten(kind string, permanent bool) {
	if m == nil {
		return
	}
	m.Suppressions.WithLabelValues(kind, boolLabel(permanent)).Inc()
}

// SuppressionWriteResult records "ok", "failed", "queued", "retried" or
// "dead_letter".
func (m *Metrics) SuppressionWriteResult(result string) {
	if m == nil {
		return
	}
	m.SuppressionWrites.WithLabelValues(result).Inc()
}

// SendGate counts allow/deny decisions.
func (m *Metrics) SendGate(allowed bool) {
	if m == nil {
		return
	}
	d := "deny"
	if allowed {
		d = "allow"
	}
	m.SuppressionChecks.WithLabelValues(d).Inc()
}

// Engagement counts a recorded engagement event.
func (m *Metrics) Engagement(kind string, first bool) {
	if m == nil {
		return
	}
	m.EngagementEvents.WithLabelValues(kind, boolLabel(first)).Inc()
}

// TransportSend counts a transport result ("ok" or "error").
func (m *Metrics) TransportSend(transport, result string) {
	if m == nil {
		return
	}
	m.TransportSends.WithLabelValues(transport, result).Inc()
}

// SetRetryQueueDepth sets the retry queue gauge.
func (m *Metrics) SetRetryQueueDepth(n int64) {
	if m == nil {
		return
	}
	m.RetryQueueDepth.Set(float64(n))
}

// SetSubscribers sets the subscriber gauge.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// Dropped counts an overflow handled under policy.
func (m *Metrics) Dropped(policy string) {
	if m == nil {
		return
	}
	m.DroppedMessages.WithLabelValues(policy).Inc()
}

// Swept counts rows removed by a sweep.
func (m *Metrics) Swept(sweep string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweepDeleted.WithLabelValues(sweep).Add(float64(n))
}
