package access

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the controller's operational counters.
type Metrics struct {
	registrations      prometheus.Counter
	authAttempts       *prometheus.CounterVec
	authzDecisions     *prometheus.CounterVec
	lockdownEngaged    prometheus.Counter
	activeSessions     prometheus.Gauge
	activeTokens       prometheus.Gauge
	alertsTriggered    prometheus.Counter
	trustEvaluations   prometheus.Counter
	reverifiedEntities prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// initMetrics registers the collectors once; promauto panics on
// duplicate registration.
func initMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = newMetrics()
	})
	return metrics
}

func newMetrics() *Metrics {
	return &Metrics{
		registrations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "zerotrust_entity_registrations_total",
			Help: "Total number of entity registrations",
		}),
		authAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "zerotrust_authentication_attempts_total",
			Help: "Authentication attempts by outcome",
		}, []string{"outcome"}),
		authzDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "zerotrust_authorization_decisions_total",
			Help: "Authorization decisions by action",
		}, []string{"action"}),
		lockdownEngaged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "zerotrust_lockdowns_total",
			Help: "Total number of emergency lockdowns initiated",
		}),
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "zerotrust_active_sessions",
			Help: "Number of active sessions",
		}),
		activeTokens: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "zerotrust_active_tokens",
			Help: "Number of live access tokens",
		}),
		alertsTriggered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "zerotrust_security_alerts_total",
			Help: "Total number of security alerts triggered",
		}),
		trustEvaluations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "zerotrust_trust_evaluations_total",
			Help: "Total number of trust evaluations performed",
		}),
		reverifiedEntities: promauto.NewCounter(prometheus.CounterOpts{
			Name: "zerotrust_reverified_entities_total",
			Help: "Entities re-evaluated by the continuous verification sweep",
		}),
	}
}
