// Package metrics holds the Prometheus instrumentation for checkout
// reconciliation, plan changes, webhooks and seat sync. All methods are safe
// on a nil *Metrics so callers and tests can skip instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "billing"

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	verifications   *prometheus.CounterVec
	verifyDuration  prometheus.Histogram
	organizations   prometheus.Counter
	subscriptions   prometheus.Counter
	planChanges     *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
	seatSyncs       *prometheus.CounterVec
	lockWaitTimeout prometheus.Counter
}

// New registers every collector plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "checkout",
				Name:      "verifications_total",
				Help:      "Checkout session verifications partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		verifyDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "checkout",
				Name:      "verification_duration_seconds",
				Help:      "Duration of checkout session verifications.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		organizations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "checkout",
				Name:      "organizations_bootstrapped_total",
				Help:      "Organizations created by checkout reconciliation.",
			},
		),
		subscriptions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "checkout",
				Name:      "subscriptions_created_total",
				Help:      "Local subscription records created by checkout reconciliation.",
			},
		),
		planChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "plans",
				Name:      "changes_total",
				Help:      "Plan change attempts partitioned by result.",
			},
			[]string{"result"},
		),
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhooks",
				Name:      "events_total",
				Help:      "Stripe webhook events partitioned by type and result.",
			},
			[]string{"type", "result"},
		),
		seatSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "seats",
				Name:      "syncs_total",
				Help:      "Seat sync jobs partitioned by result.",
			},
			[]string{"result"},
		),
		lockWaitTimeout: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "checkout",
				Name:      "lock_timeouts_total",
				Help:      "Verifications that gave up waiting for the checkout session lock.",
			},
		),
	}

	m.registry.MustRegister(
		m.verifications,
		m.verifyDuration,
		m.organizations,
		m.subscriptions,
		m.planChanges,
		m.webhookEvents,
		m.seatSyncs,
		m.lockWaitTimeout,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveVerification(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
	m.verifyDuration.Observe(took.Seconds())
}

func (m *Metrics) OrganizationBootstrapped() {
	if m == nil {
		return
	}
	m.organizations.Inc()
}

func (m *Metrics) SubscriptionCreated() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

func (m *Metrics) LockTimeout() {
	if m == nil {
		return
	}
	m.lockWaitTimeout.Inc()
}

func (m *Metrics) PlanChange(result string) {
	if m == nil {
		return
	}
	m.planChanges.WithLabelValues(result).Inc()
}

func (m *Metrics) WebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) SeatSync(result string) {
	if m == nil {
		return
	}
	m.seatSyncs.WithLabelValues(result).Inc()
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
