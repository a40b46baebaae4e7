package session

import (
	"github.com/jrsteele09/school-console/internal/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Login surfaces, used as metric labels.
const (
	SurfaceStandard = "standard"
	SurfaceElevated = "elevated"
)

// Metrics counts session lifecycle events.
type Metrics struct {
	logins        *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	refreshJoins  prometheus.Counter
	forcedLogouts prometheus.Counter
}

// NewMetrics registers the session metrics with reg. A nil reg creates unregistered
// collectors, which keeps tests independent of the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "console",
			Subsystem: "session",
			Name:      "logins_total",
			Help:      "Login attempts by surface and outcome",
		}, []string{"surface", "outcome"}),
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "console",
			Subsystem: "session",
			Name:      "refresh_total",
			Help:      "Refresh calls made to the backend by outcome",
		}, []string{"outcome"}),
		refreshJoins: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "console",
			Subsystem: "session",
			Name:      "refresh_joins_total",
			Help:      "Callers that joined a refresh already in flight",
		}),
		forcedLogouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "console",
			Subsystem: "session",
			Name:      "forced_logouts_total",
			Help:      "Sessions cleared because a refresh failed",
		}),
	}
}

// ObserveLogin records the outcome of a login attempt on surface.
func (m *Metrics) ObserveLogin(surface string, err error) {
	m.logins.WithLabelValues(surface, outcome(err)).Inc()
}

func (m *Metrics) observeRefresh(err error) {
	m.refreshes.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, errors.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, errors.ErrElevatedVerificationFailed):
		return "verification_failed"
	case errors.Is(err, errors.ErrRoleMismatch):
		return "role_mismatch"
	case errors.Is(err, errors.ErrNetworkUnavailable):
		return "network"
	case errors.Is(err, errors.ErrSessionExpired):
		return "expired"
	}
	return "error"
}
