// ABOUTME: Prometheus instruments for connections, admissions, transitions, and delivery
// ABOUTME: Registered on a private registry so tests and multiple gateways never collide

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "switchboard"

// Rejection reasons used as label values.
const (
	ReasonRateLimited  = "rate_limited"
	ReasonUnauthorized = "unauthorized"
	ReasonForbidden    = "forbidden"
	ReasonNotFound     = "not_found"
)

// Metrics holds all gateway instruments.
type Metrics struct {
	registry *prometheus.Registry

	// Connections is the number of live connections per pool.
	Connections *prometheus.GaugeVec
	// Admissions counts accepted connections per transport.
	Admissions *prometheus.CounterVec
	// Rejections counts refused connections per transport and reason.
	Rejections *prometheus.CounterVec
	// Transitions counts accepted handoff transitions.
	Transitions *prometheus.CounterVec
	// Deliveries counts pushes per pool and outcome (sent, dropped).
	Deliveries *prometheus.CounterVec
	// PublishFailures counts bus publish errors.
	PublishFailures prometheus.Counter
	// BusReconnects counts re-established bus subscriptions.
	BusReconnects prometheus.Counter
	// PresenceDrift counts corrected active chat counters.
	PresenceDrift prometheus.Counter
	// DuplicateMessages counts collaborator messages dropped by dedupe.
	DuplicateMessages prometheus.Counter
}

// New creates and registers all instruments on a fresh registry, along with
// the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections by pool",
		}, []string{"pool"}),
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Accepted connections by transport",
		}, []string{"transport"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Refused connections by transport and reason",
		}, []string{"transport", "reason"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "transitions_total",
			Help:      "Accepted handoff transitions",
		}, []string{"from", "to"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "pushes_total",
			Help:      "Event pushes by pool and outcome",
		}, []string{"pool", "outcome"}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "publish_failures_total",
			Help:      "Failed bus publishes",
		}),
		BusReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "reconnects_total",
			Help:      "Re-established bus subscriptions",
		}),
		PresenceDrift: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "drift_corrections_total",
			Help:      "Active chat counters corrected by reconciliation",
		}),
		DuplicateMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "duplicate_messages_total",
			Help:      "Collaborator messages dropped as duplicates",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ConnectionChanged adjusts the per-pool gauge.
func (m *Metrics) ConnectionChanged(pool string, delta int) {
	m.Connections.WithLabelValues(pool).Add(float64(delta))
}

// Transition records one accepted handoff transition.
func (m *Metrics) Transition(from, to string) {
	m.Transitions.WithLabelValues(from, to).Inc()
}

// Delivered records one push outcome.
func (m *Metrics) Delivered(pool string, sent bool) {
	outcome := "sent"
	if !sent {
		outcome = "dropped"
	}
	m.Deliveries.WithLabelValues(pool, outcome).Inc()
}
