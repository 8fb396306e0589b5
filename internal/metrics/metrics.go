// Package metrics exposes Prometheus counters and gauges for the gateway's
// envelope throughput, capability decisions, proposal lifecycle, and
// connection state (SPEC_FULL.md §6 "Metrics endpoint").
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the gateway registers. A single instance
// is constructed at startup and threaded through the Connection Manager
// and Router.
type Metrics struct {
	EnvelopesRouted        *prometheus.CounterVec
	EnvelopesDenied        prometheus.Counter
	EnvelopesUndeliverable prometheus.Counter

	ProposalsOpened    prometheus.Counter
	ProposalsFulfilled prometheus.Counter
	ProposalsWithdrawn prometheus.Counter
	ProposalsRejected  prometheus.Counter

	ActiveConnections prometheus.Gauge

	BackpressureDisconnects prometheus.Counter
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EnvelopesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mew",
			Subsystem: "gateway",
			Name:      "envelopes_routed_total",
			Help:      "Envelopes successfully fanned out, by kind.",
		}, []string{"kind"}),
		EnvelopesDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mew",
			Subsystem: "gateway",
			Name:      "envelopes_denied_total",
			Help:      "Envelopes rejected by a capability check.",
		}),
		EnvelopesUndeliverable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mew",
			Subsystem: "gateway",
			Name:      "envelopes_undeliverable_total",
			Help:      "Unicast envelopes whose recipient was not connected.",
		}),
		ProposalsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mew",
			Subsystem: "proposals",
			Name:      "opened_total",
			Help:      "mcp/proposal envelopes accepted into the pipeline.",
		}),
		ProposalsFulfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mew",
			Subsystem: "proposals",
			Name:      "fulfilled_total",
			Help:      "Proposals that transitioned to fulfilled.",
		}),
		ProposalsWithdrawn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mew",
			Subsystem: "proposals",
			Name:      "withdrawn_total",
			Help:      "Proposals that transitioned to withdrawn.",
		}),
		ProposalsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mew",
			Subsystem: "proposals",
			Name:      "rejected_total",
			Help:      "Proposals that transitioned to rejected.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mew",
			Subsystem: "gateway",
			Name:      "active_connections",
			Help:      "Currently joined WebSocket connections.",
		}),
		BackpressureDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mew",
			Subsystem: "gateway",
			Name:      "backpressure_disconnects_total",
			Help:      "Connections closed 1013 for a saturated send queue.",
		}),
	}

	reg.MustRegister(
		m.EnvelopesRouted,
		m.EnvelopesDenied,
		m.EnvelopesUndeliverable,
		m.ProposalsOpened,
		m.ProposalsFulfilled,
		m.ProposalsWithdrawn,
		m.ProposalsRejected,
		m.ActiveConnections,
		m.BackpressureDisconnects,
	)
	return m
}
