// Package metrics holds the gateway's Prometheus collectors. Everything is
// constructed explicitly against a private registry so test suites can run
// isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway collectors.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive *prometheus.GaugeVec
	MessagesSent      prometheus.Counter
	MessagesDropped   *prometheus.CounterVec

	CommandsEnqueued  prometheus.Counter
	CommandsClaimed   prometheus.Counter
	CommandsCompleted *prometheus.CounterVec
	CommandsExpired   prometheus.Counter

	Approvals *prometheus.CounterVec
}

// New builds and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetgate_connections_active",
			Help: "Open sessions by kind.",
		}, []string{"kind"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_messages_sent_total",
			Help: "Outbound messages handed to a transport.",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetgate_messages_dropped_total",
			Help: "Outbound messages dropped before delivery.",
		}, []string{"reason"}),
		CommandsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_commands_enqueued_total",
			Help: "Commands admitted to a device queue.",
		}),
		CommandsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_commands_claimed_total",
			Help: "Commands leased to devices.",
		}),
		CommandsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetgate_commands_completed_total",
			Help: "Command results accepted, by final status.",
		}, []string{"status"}),
		CommandsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_commands_expired_total",
			Help: "Claimed commands recycled by the reaper.",
		}),
		Approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetgate_approvals_total",
			Help: "Approval requests resolved, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.ConnectionsActive, m.MessagesSent, m.MessagesDropped,
		m.CommandsEnqueued, m.CommandsClaimed, m.CommandsCompleted,
		m.CommandsExpired, m.Approvals,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
