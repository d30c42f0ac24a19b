package core

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for authentication activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	logins          *prometheus.CounterVec
	lockouts        prometheus.Counter
	rateLimitHits   *prometheus.CounterVec
	csrfFailures    prometheus.Counter
	sessionsCreated prometheus.Counter
	sweptRows       *prometheus.CounterVec
	passwordResets  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sanctuary_logins_total",
			Help: "Login attempts by outcome",
		}, []string{"outcome"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sanctuary_login_lockouts_total",
			Help: "Login attempts rejected by the failed-login lockout",
		}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sanctuary_rate_limited_total",
			Help: "Requests rejected by the rate limiter by action",
		}, []string{"action"}),
		csrfFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sanctuary_csrf_failures_total",
			Help: "Requests rejected for a missing or invalid CSRF token",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sanctuary_sessions_created_total",
			Help: "Sessions issued",
		}),
		sweptRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sanctuary_swept_rows_total",
			Help: "Expired rows removed by the sweeper by table",
		}, []string{"table"}),
		passwordResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sanctuary_password_resets_total",
			Help: "Password reset activity by stage",
		}, []string{"stage"}),
	}

	reg.MustRegister(
		m.logins,
		m.lockouts,
		m.rateLimitHits,
		m.csrfFailures,
		m.sessionsCreated,
		m.sweptRows,
		m.passwordResets,
	)

	return m
}

func (m *Metrics) login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) lockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

func (m *Metrics) rateLimited(action string) {
	if m == nil {
		return
	}
	m.rateLimitHits.WithLabelValues(action).Inc()
}

func (m *Metrics) csrfRejected() {
	if m == nil {
		return
	}
	m.csrfFailures.Inc()
}

func (m *Metrics) sessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) swept(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptRows.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) passwordReset(stage string) {
	if m == nil {
		return
	}
	m.passwordResets.WithLabelValues(stage).Inc()
}

// MetricsHandler returns the Prometheus scrape handler for gatherer.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
