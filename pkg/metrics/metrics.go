// Package metrics holds the prometheus collectors exported by a daemon.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ttp_daemon"

const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultUnknown = "unknown"
	ResultSkipped = "skipped"
)

type Metrics struct {
	registry       *prometheus.Registry
	commands       *prometheus.CounterVec
	advertisements *prometheus.CounterVec
	reloads        *prometheus.CounterVec
	connections    prometheus.Counter
}

// New registers the daemon collectors on registry. The daemon name is
// attached as a constant label so several daemons can share one scraper.
func New(registry *prometheus.Registry, daemon string) *Metrics {
	labels := prometheus.Labels{"daemon": daemon}

	m := &Metrics{
		registry: registry,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "commands_total",
			Help:        "Commands received on the control socket.",
			ConstLabels: labels,
		}, []string{"command", "result"}),
		advertisements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "advertisements_total",
			Help:        "Status advertisements, by outcome.",
			ConstLabels: labels,
		}, []string{"result"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "config_reloads_total",
			Help:        "Configuration evaluations, by outcome.",
			ConstLabels: labels,
		}, []string{"result"}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "connections_total",
			Help:        "Connections accepted on the control socket.",
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(m.commands, m.advertisements, m.reloads, m.connections)
	return m
}

func (m *Metrics) Command(command, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) Advertisement(result string) {
	if m == nil {
		return
	}
	m.advertisements.WithLabelValues(result).Inc()
}

func (m *Metrics) Reload(result string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(result).Inc()
}

func (m *Metrics) Connection() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// CommandCount exposes the counter for one command/result pair, for tests
// and for the status command of daemons that want to report it.
func (m *Metrics) CommandCount(command, result string) prometheus.Counter {
	return m.commands.WithLabelValues(command, result)
}

func (m *Metrics) AdvertisementCount(result string) prometheus.Counter {
	return m.advertisements.WithLabelValues(result)
}

func (m *Metrics) ReloadCount(result string) prometheus.Counter {
	return m.reloads.WithLabelValues(result)
}
