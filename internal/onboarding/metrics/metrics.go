package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the onboarding lifecycle.
type Metrics struct {
	SessionsCreated   prometheus.Counter
	SessionsCompleted prometheus.Counter
	CapEvictions      prometheus.Counter
	DecryptFailures   prometheus.Counter
	SessionsSwept     *prometheus.CounterVec
}

// New creates and registers all onboarding metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "onboarding_sessions_created_total",
			Help: "Total number of onboarding sessions created",
		}),
		SessionsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "onboarding_sessions_completed_total",
			Help: "Total number of onboarding sessions marked completed",
		}),
		CapEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "onboarding_cap_evictions_total",
			Help: "Sessions evicted by the per-address cap at creation time",
		}),
		DecryptFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "onboarding_state_decrypt_failures_total",
			Help: "Stored state blobs that failed authenticated decryption",
		}),
		SessionsSwept: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "onboarding_sessions_swept_total",
			Help: "Sessions removed by cleanup, labeled by policy",
		}, []string{"policy"}),
	}
}
