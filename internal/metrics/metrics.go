// Package metrics defines the Prometheus instruments for the engine.
// Everything hangs off an owned registry so tests construct a fresh set
// instead of fighting a global one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the engine exports.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested     *prometheus.CounterVec
	EventsDeduplicated *prometheus.CounterVec
	EventsOrphaned     *prometheus.CounterVec
	EventsDeadLettered *prometheus.CounterVec
	WebhookRequests    *prometheus.CounterVec
	SignatureFailures  *prometheus.CounterVec

	SendsTotal   *prometheus.CounterVec
	SendDuration *prometheus.HistogramVec

	BreakerState *prometheus.GaugeVec

	DLQDepth         *prometheus.GaugeVec
	DLQReplays       *prometheus.CounterVec
	OrphanQueueDepth prometheus.Gauge

	HTTPDuration    *prometheus.HistogramVec
	SchedulerTicks  prometheus.Counter
	SchedulerClaims prometheus.Counter
}

// New builds a metrics set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_events_ingested_total",
			Help: "Canonical events recorded, by provider and event type.",
		}, []string{"provider", "event_type"}),
		EventsDeduplicated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_events_deduplicated_total",
			Help: "Webhook deliveries suppressed as duplicates.",
		}, []string{"provider"}),
		EventsOrphaned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_events_orphaned_total",
			Help: "Events parked awaiting an enrollment match.",
		}, []string{"provider"}),
		EventsDeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_events_dead_lettered_total",
			Help: "Events written to the dead letter queue, by source.",
		}, []string{"source"}),
		WebhookRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_webhook_requests_total",
			Help: "Webhook deliveries received, by provider and status code.",
		}, []string{"provider", "code"}),
		SignatureFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_webhook_signature_failures_total",
			Help: "Webhook deliveries rejected by signature verification.",
		}, []string{"provider"}),

		SendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_sends_total",
			Help: "Dispatch outcomes, by provider and result.",
		}, []string{"provider", "result"}),
		SendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outreach_send_duration_seconds",
			Help:    "Provider dispatch latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outreach_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
		}, []string{"provider"}),

		DLQDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outreach_dlq_depth",
			Help: "Dead letter entries by status.",
		}, []string{"status"}),
		DLQReplays: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_dlq_replays_total",
			Help: "DLQ replay attempts, by result.",
		}, []string{"result"}),
		OrphanQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "outreach_orphan_queue_depth",
			Help: "Events waiting in the orphan retry queue.",
		}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outreach_http_request_duration_seconds",
			Help:    "API request latency by route.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route", "code"}),
		SchedulerTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "outreach_scheduler_ticks_total",
			Help: "Scheduler passes executed.",
		}),
		SchedulerClaims: factory.NewCounter(prometheus.CounterOpts{
			Name: "outreach_scheduler_claims_total",
			Help: "Enrollments claimed for dispatch.",
		}),
	}
}

// SetBreakerState records a breaker transition on the gauge.
func (m *Metrics) SetBreakerState(provider, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(provider).Set(v)
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
