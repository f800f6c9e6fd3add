// Package metrics holds the Prometheus instruments shared by the relay and
// the device agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LiveSessions is the number of sessions with a live connection.
	LiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dasher_relay_live_sessions",
			Help: "Number of sessions with a live WebSocket connection.",
		},
	)

	// MessagesRouted counts inbound relay messages by type and outcome.
	// result: forwarded, answered, no_peer, dropped.
	MessagesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dasher_relay_messages_total",
			Help: "Messages received by the relay, by type and routing result.",
		},
		[]string{"type", "result"},
	)

	// Commands counts command injections. kind: rules, toggle, control;
	// result: sent, not_connected, failed.
	Commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dasher_relay_commands_total",
			Help: "Commands pushed to devices, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// Verdicts counts device-side decisions by outcome and deciding rule.
	Verdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dasher_agent_verdicts_total",
			Help: "Offer verdicts produced on the device, by decision and rule.",
		},
		[]string{"decision", "rule"},
	)

	// LinkReconnects counts device link reconnect attempts.
	LinkReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dasher_agent_link_reconnects_total",
			Help: "Reconnect attempts made by the device link.",
		},
	)
)

func init() {
	prometheus.MustRegister(LiveSessions)
	prometheus.MustRegister(MessagesRouted)
	prometheus.MustRegister(Commands)
	prometheus.MustRegister(Verdicts)
	prometheus.MustRegister(LinkReconnects)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
