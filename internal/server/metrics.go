package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

type relayMetrics struct {
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	framesTotal       *prometheus.CounterVec
	droppedClients    *prometheus.CounterVec
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsrelay_connections_active",
			Help: "Current number of open client connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsrelay_connections_total",
			Help: "Total number of client connections accepted since start.",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsrelay_frames_total",
			Help: "Frames processed, grouped by direction and type.",
		}, []string{"direction", "type"}),
		droppedClients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsrelay_dropped_clients_total",
			Help: "Connections terminated by the server, grouped by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.connectionsTotal,
		m.framesTotal,
		m.droppedClients,
	)
	return m
}

// registerEngineGauges exposes the relay engine's table sizes. Kept separate
// from the struct because they read live state instead of being bumped.
func registerEngineGauges(reg prometheus.Registerer, users, realms, buffers func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wsrelay_users",
		Help: "Connected users registered with the relay engine.",
	}, func() float64 { return float64(users()) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wsrelay_realms",
		Help: "Realms currently registered, public realms included.",
	}, func() float64 { return float64(realms()) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wsrelay_resident_buffers",
		Help: "Shared buffers currently resident in memory.",
	}, func() float64 { return float64(buffers()) }))
}

func (m *relayMetrics) incConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.connectionsTotal.Inc()
}

func (m *relayMetrics) decConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *relayMetrics) recordFrame(direction, kind string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(direction, kind).Inc()
}

func (m *relayMetrics) recordDrop(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.droppedClients.WithLabelValues(reason).Inc()
}
