package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the gateway's Prometheus collectors.
type Metrics struct {
	Connections       *prometheus.CounterVec
	Errors            *prometheus.CounterVec
	ProxyInfo         *prometheus.CounterVec
	Bytes             *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. reg may be
// nil, in which case nothing is registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsgate",
			Name:      "connections_total",
			Help:      "Connections that committed to a branch, by mode.",
		}, []string{"mode"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsgate",
			Name:      "connection_errors_total",
			Help:      "Connections closed because of an error, by kind.",
		}, []string{"kind"}),
		ProxyInfo: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsgate",
			Name:      "proxy_info_total",
			Help:      "Resolved client identities, by source.",
		}, []string{"source"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsgate",
			Name:      "backend_bytes_total",
			Help:      "Application bytes relayed, by direction.",
		}, []string{"direction"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsgate",
			Name:      "active_connections",
			Help:      "Currently open client connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Errors, m.ProxyInfo, m.Bytes, m.ActiveConnections)
	}
	return m
}
