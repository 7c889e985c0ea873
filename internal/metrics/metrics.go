// Package metrics exposes the server's Prometheus counters and gauges,
// replacing the teacher's ad hoc log-ticker (see the root metrics.go this
// superseded) with the client_golang registry the rest of the pack already
// depends on.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Metrics holds every counter/gauge the server updates. Construct one with
// New and register its Handler on the admin HTTP surface's /metrics route.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	RoomsActive      prometheus.Gauge
	RoomsCreatedTotal prometheus.Counter

	TouchesForwarded prometheus.Counter
	JudgesForwarded  prometheus.Counter

	IdentityCallDuration *prometheus.HistogramVec
	IdentityCallErrors   *prometheus.CounterVec

	handler http.Handler
}

// New constructs and registers every metric against its own registry, so
// multiple Metrics instances (e.g. in tests) never collide with the global
// default registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartmp_sessions_active",
			Help: "Number of currently connected client sessions.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartmp_sessions_total",
			Help: "Total number of sessions that have authenticated.",
		}),
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartmp_rooms_active",
			Help: "Number of currently open rooms.",
		}),
		RoomsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartmp_rooms_created_total",
			Help: "Total number of rooms ever created.",
		}),
		TouchesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartmp_touches_forwarded_total",
			Help: "Total number of touch frames forwarded between players.",
		}),
		JudgesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartmp_judges_forwarded_total",
			Help: "Total number of judge events forwarded between players.",
		}),
		IdentityCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chartmp_identity_call_duration_seconds",
			Help:    "Latency of calls to the upstream identity service, by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		IdentityCallErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartmp_identity_call_errors_total",
			Help: "Total failed calls to the upstream identity service, by endpoint.",
		}, []string{"endpoint"}),
	}
	reg.MustRegister(
		m.SessionsActive, m.SessionsTotal, m.RoomsActive, m.RoomsCreatedTotal,
		m.TouchesForwarded, m.JudgesForwarded, m.IdentityCallDuration, m.IdentityCallErrors,
	)
	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return m
}

// Handler returns the http.Handler serving this registry's /metrics output.
func (m *Metrics) Handler() http.Handler { return m.handler }
