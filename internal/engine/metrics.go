package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Action outcomes used as metric labels.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

type Metrics struct {
	// Latency of a router entry point, lock wait included.
	ActionDuration *prometheus.HistogramVec

	Actions *prometheus.CounterVec

	// Rejections by error code.
	Violations *prometheus.CounterVec

	BreakerTrips prometheus.Counter

	// State of the registry call breaker (0 closed, 1 half-open, 2 open).
	RegistryBreakerState *prometheus.GaugeVec

	AuditBufferFill prometheus.Gauge

	OutboxPending prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Unregistered local registry when none is given.
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		ActionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_router_action_duration_seconds",
			Help:    "Histogram of router action latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"action", "outcome"}),

		Actions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agent_router_actions_total",
			Help: "Total number of router actions by outcome.",
		}, []string{"action", "outcome"}),

		Violations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agent_router_policy_violations_total",
			Help: "Rejected actions by error code.",
		}, []string{"code"}),

		BreakerTrips: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agent_router_circuit_breaker_trips_total",
			Help: "Policies disabled by the drawdown circuit breaker.",
		}),

		RegistryBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_router_registry_breaker_state",
			Help: "State of the registry call breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"registry"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agent_router_audit_buffer_utilization",
			Help: "Current number of events in the audit buffer.",
		}),

		OutboxPending: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agent_router_outbox_pending",
			Help: "Registry submissions waiting for retry.",
		}),
	}
}
