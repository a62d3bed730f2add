package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/dashgate/auth"
	"github.com/jmcleod/dashgate/profile"
	"github.com/jmcleod/dashgate/session"
)

const metricsNamespace = "dashgate"

// Metrics holds the Prometheus collectors exported on /metrics. Each API
// gets its own registry so tests can build servers side by side.
type Metrics struct {
	registry *prometheus.Registry

	resolutions   *prometheus.CounterVec
	logins        *prometheus.CounterVec
	sessionTier   *prometheus.GaugeVec
	sessionOnline prometheus.Gauge
	profileCache  *prometheus.CounterVec
}

// NewMetrics creates and registers the dashgate collectors plus the Go and
// process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "resolutions_total",
			Help:      "Caller resolutions by winning credential source.",
		}, []string{"source"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Login attempts by outcome and session status.",
		}, []string{"outcome", "session_status"}),
		sessionTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "tier",
			Help:      "1 for the active session store tier, 0 otherwise.",
		}, []string{"tier"}),
		sessionOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "connected",
			Help:      "Whether the active session tier is connected.",
		}),
		profileCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "profile",
			Name:      "cache_requests_total",
			Help:      "Profile proxy requests by kind and cache outcome.",
		}, []string{"kind", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.resolutions,
		m.logins,
		m.sessionTier,
		m.sessionOnline,
		m.profileCache,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSessionState is a session.WithObserver callback.
func (m *Metrics) ObserveSessionState(s session.State) {
	if m == nil {
		return
	}
	for _, t := range []session.Tier{session.TierPrimary, session.TierDegraded, session.TierEphemeral} {
		v := 0.0
		if t == s.Tier {
			v = 1
		}
		m.sessionTier.WithLabelValues(t.String()).Set(v)
	}
	if s.Connected {
		m.sessionOnline.Set(1)
	} else {
		m.sessionOnline.Set(0)
	}
}

// ObserveProfile is a profile.WithObserver callback.
func (m *Metrics) ObserveProfile(kind profile.Kind, outcome profile.Outcome) {
	if m == nil {
		return
	}
	m.profileCache.WithLabelValues(kind.String(), string(outcome)).Inc()
}

func (m *Metrics) observeResolution(source auth.Source, err error) {
	if m == nil {
		return
	}
	if err != nil {
		source = auth.SourceNone
	}
	m.resolutions.WithLabelValues(source.String()).Inc()
}

func (m *Metrics) observeLogin(outcome string, status SessionStatus) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome, string(status)).Inc()
}
