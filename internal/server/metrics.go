package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the server's Prometheus instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	OpsPushed      prometheus.Counter
	OpsRejected    prometheus.Counter
	OpsPulled      prometheus.Counter
	Conflicts      prometheus.Counter
	PushRequests   prometheus.Counter
	PullRequests   prometheus.Counter
	ConnectedWS    prometheus.Gauge
	OplogAppendErr prometheus.Counter
}

// NewMetrics builds a metrics set on its own registry so tests can run
// several servers in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		OpsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftsync", Name: "ops_pushed_total",
			Help: "Operations accepted through push.",
		}),
		OpsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftsync", Name: "ops_rejected_total",
			Help: "Operations rejected during push reconciliation.",
		}),
		OpsPulled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftsync", Name: "ops_pulled_total",
			Help: "Operations served through pull.",
		}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftsync", Name: "conflicts_total",
			Help: "Conflicts resolved during push reconciliation.",
		}),
		PushRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftsync", Name: "push_requests_total",
			Help: "Push requests handled.",
		}),
		PullRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftsync", Name: "pull_requests_total",
			Help: "Pull requests handled.",
		}),
		ConnectedWS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "driftsync", Name: "websocket_clients",
			Help: "Currently connected websocket clients.",
		}),
		OplogAppendErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftsync", Name: "oplog_append_errors_total",
			Help: "Failed durable log appends.",
		}),
	}
	reg.MustRegister(
		m.OpsPushed, m.OpsRejected, m.OpsPulled, m.Conflicts,
		m.PushRequests, m.PullRequests, m.ConnectedWS, m.OplogAppendErr,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
