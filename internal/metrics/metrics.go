package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the session core.
type Metrics struct {
	Logins          *prometheus.CounterVec
	Refreshes       *prometheus.CounterVec
	ReuseDetections prometheus.Counter
	RevokedTokens   prometheus.Counter
	SweptTokens     prometheus.Counter
}

// New registers the collectors on reg. Tests pass their own prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "accounts_logins_total",
			Help: "Login attempts by outcome",
		}, []string{"result"}),
		Refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "accounts_token_refreshes_total",
			Help: "Refresh token exchanges by outcome",
		}, []string{"result"}),
		ReuseDetections: factory.NewCounter(prometheus.CounterOpts{
			Name: "accounts_refresh_token_reuse_total",
			Help: "Presentations of already rotated refresh tokens",
		}),
		RevokedTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "accounts_refresh_tokens_revoked_total",
			Help: "Refresh tokens revoked by logout, reset or reuse detection",
		}),
		SweptTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "accounts_refresh_tokens_swept_total",
			Help: "Expired refresh token records deleted by the sweeper",
		}),
	}
}

func (m *Metrics) ObserveLogin(result string) {
	m.Logins.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRefresh(result string) {
	m.Refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) AddRevoked(n int) {
	m.RevokedTokens.Add(float64(n))
}
