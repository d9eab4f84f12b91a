// Package metrics holds the hub's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the hub exposes. Pass to the
// components that need to record them.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	UpstreamCallsTotal *prometheus.CounterVec
	UpstreamInFlight   *prometheus.GaugeVec
	ServerStateGauge   *prometheus.GaugeVec
	ActiveSessions     prometheus.Gauge
	RegistrySize       *prometheus.GaugeVec
	SSEClients         prometheus.Gauge
}

// New creates and registers every hub metric with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcphub",
				Name:      "requests_total",
				Help:      "Total number of downstream MCP requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcphub",
				Name:      "request_duration_seconds",
				Help:      "Downstream request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		UpstreamCallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcphub",
				Name:      "upstream_calls_total",
				Help:      "Total calls forwarded to upstream servers",
			},
			[]string{"server_id", "status"},
		),
		UpstreamInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mcphub",
				Name:      "upstream_in_flight",
				Help:      "Number of in-flight requests per upstream server",
			},
			[]string{"server_id"},
		),
		ServerStateGauge: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mcphub",
				Name:      "server_state",
				Help:      "Current lifecycle state per upstream server (1 = current state)",
			},
			[]string{"server_id", "state"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mcphub",
				Name:      "active_sessions",
				Help:      "Number of active downstream sessions",
			},
		),
		RegistrySize: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "mcphub",
				Name:      "registry_size",
				Help:      "Number of registered capabilities by kind",
			},
			[]string{"kind"},
		),
		SSEClients: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mcphub",
				Name:      "sse_clients",
				Help:      "Number of connected downstream SSE clients",
			},
		),
	}
}

// RecordServerTransition sets the one-hot state gauge for serverID: the
// new state to 1, clearing the known prior state to 0.
func (m *Metrics) RecordServerTransition(serverID, from, to string) {
	if from != "" {
		m.ServerStateGauge.WithLabelValues(serverID, from).Set(0)
	}
	m.ServerStateGauge.WithLabelValues(serverID, to).Set(1)
}
