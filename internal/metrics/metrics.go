// Package metrics holds the Prometheus instrumentation for mingled.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all mingle Prometheus collectors. It uses an isolated
// registry so tests can create independent instances without colliding
// with the global default registry.
type Metrics struct {
	Registry *prometheus.Registry

	MatchesTotal        prometheus.Counter
	SignalsRelayedTotal prometheus.Counter
	ReportsTotal        prometheus.Counter
	BansTotal           prometheus.Counter
	EventsTotal         *prometheus.CounterVec

	Connections prometheus.Gauge
}

// New creates a Metrics instance with all collectors registered on an
// isolated registry. queueDepth, when non-nil, is sampled on scrape.
func New(queueDepth func() float64) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		MatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mingle_matches_total",
			Help: "Total number of pairs formed.",
		}),
		SignalsRelayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mingle_signals_relayed_total",
			Help: "Total number of signal payloads relayed between peers.",
		}),
		ReportsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mingle_reports_total",
			Help: "Total number of abuse reports accepted.",
		}),
		BansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mingle_bans_total",
			Help: "Total number of IP bans issued by this instance.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mingle_events_total",
			Help: "Total inbound client events by type.",
		}, []string{"type"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mingle_connections",
			Help: "Number of client connections owned by this instance.",
		}),
	}

	reg.MustRegister(
		m.MatchesTotal,
		m.SignalsRelayedTotal,
		m.ReportsTotal,
		m.BansTotal,
		m.EventsTotal,
		m.Connections,
	)

	if queueDepth != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mingle_queue_depth",
			Help: "Current length of the shared waiting queue.",
		}, queueDepth))
	}

	return m
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
