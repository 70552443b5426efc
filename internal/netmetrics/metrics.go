// Package netmetrics exposes per-connection counters through the
// Prometheus client library, in place of the original engine's
// hand-rolled atomic counters and hand-formatted text output.
package netmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of counters/gauges one process-wide registry tracks
// across all connections. Register it once and pass it to every
// connection (or share one Metrics across a whole Interface).
type Metrics struct {
	PacketsSent     *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec
	PacketsLost     *prometheus.CounterVec
	PacketsTimedOut *prometheus.CounterVec

	GhostsCreated   *prometheus.CounterVec
	GhostsUpdated   *prometheus.CounterVec
	GhostsDestroyed *prometheus.CounterVec

	EventQueueDepth *prometheus.GaugeVec
}

// NewMetrics creates a Metrics and registers every collector with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tnlgo_packets_sent_total",
			Help: "Datagrams sent per connection.",
		}, []string{"connection"}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tnlgo_packets_received_total",
			Help: "Datagrams received per connection.",
		}, []string{"connection"}),
		PacketsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tnlgo_packets_lost_total",
			Help: "Notify entries declared lost per connection.",
		}, []string{"connection"}),
		PacketsTimedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tnlgo_packets_timed_out_total",
			Help: "Notify entries declared lost via entry timeout per connection.",
		}, []string{"connection"}),
		GhostsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tnlgo_ghosts_created_total",
			Help: "Ghost create messages sent per connection.",
		}, []string{"connection"}),
		GhostsUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tnlgo_ghosts_updated_total",
			Help: "Ghost update messages sent per connection.",
		}, []string{"connection"}),
		GhostsDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tnlgo_ghosts_destroyed_total",
			Help: "Ghost destroy messages sent per connection.",
		}, []string{"connection"}),
		EventQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tnlgo_event_queue_depth",
			Help: "Queued outgoing events per connection and discipline.",
		}, []string{"connection", "discipline"}),
	}
	reg.MustRegister(
		m.PacketsSent, m.PacketsReceived, m.PacketsLost, m.PacketsTimedOut,
		m.GhostsCreated, m.GhostsUpdated, m.GhostsDestroyed,
		m.EventQueueDepth,
	)
	return m
}
