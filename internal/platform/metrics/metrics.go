package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	AuthorizationDecisions *prometheus.CounterVec
	PolicyLatency          prometheus.Histogram
	RiskScore              prometheus.Histogram
	AuditDropped           prometheus.Counter
	AuditWriteFailures     prometheus.Counter
	EventSubscribers       prometheus.Gauge
	EventsEmitted          *prometheus.CounterVec
	LoginsInitiated        prometheus.Counter
	CallbackFailures       *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		AuthorizationDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "anybank_authorization_decisions_total",
			Help: "Authorization gateway decisions by outcome",
		}, []string{"outcome"}),
		PolicyLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "anybank_policy_call_duration_seconds",
			Help:    "Latency of policy engine calls",
			Buckets: prometheus.DefBuckets,
		}),
		RiskScore: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "anybank_risk_score",
			Help:    "Distribution of computed risk scores",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		AuditDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "anybank_audit_events_dropped_total",
			Help: "Audit events dropped because the recorder buffer was full",
		}),
		AuditWriteFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "anybank_audit_write_failures_total",
			Help: "Audit store append failures (logged, never propagated)",
		}),
		EventSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "anybank_debug_event_subscribers",
			Help: "Current number of live debug event subscribers",
		}),
		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "anybank_debug_events_emitted_total",
			Help: "Debug events emitted by type",
		}, []string{"type"}),
		LoginsInitiated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "anybank_logins_initiated_total",
			Help: "BFF login flows initiated",
		}),
		CallbackFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "anybank_callback_failures_total",
			Help: "OAuth callback failures by reason",
		}, []string{"reason"}),
	}
}
