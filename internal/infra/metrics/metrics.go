package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AuthMetrics exposes Prometheus collectors for authentication flows.
type AuthMetrics struct {
	Logins           *prometheus.CounterVec
	Rotations        *prometheus.CounterVec
	ReuseDetections  prometheus.Counter
	MfaVerifications *prometheus.CounterVec
	SessionEvictions prometheus.Counter
}

// NewAuthMetrics constructs collectors and registers them with the provided
// registerer (prometheus.DefaultRegisterer when nil).
func NewAuthMetrics(reg prometheus.Registerer) (*AuthMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &AuthMetrics{
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity",
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Total login attempts partitioned by result.",
		}, []string{"result"}),
		Rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity",
			Subsystem: "auth",
			Name:      "token_rotations_total",
			Help:      "Total refresh token rotations partitioned by result.",
		}, []string{"result"}),
		ReuseDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "identity",
			Subsystem: "auth",
			Name:      "token_reuse_detections_total",
			Help:      "Total refresh token reuse events that forced a family revocation.",
		}),
		MfaVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity",
			Subsystem: "auth",
			Name:      "mfa_verifications_total",
			Help:      "Total MFA code verifications partitioned by result.",
		}, []string{"result"}),
		SessionEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "identity",
			Subsystem: "auth",
			Name:      "session_evictions_total",
			Help:      "Total sessions evicted by the per-user session cap.",
		}),
	}

	collectors := []prometheus.Collector{
		m.Logins, m.Rotations, m.ReuseDetections, m.MfaVerifications, m.SessionEvictions,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}

	return m, nil
}
