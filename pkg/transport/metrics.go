package transport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus metrics for a transport.
type Metrics struct {
	registry *prometheus.Registry

	FramesSentTotal     *prometheus.CounterVec
	FramesReceivedTotal *prometheus.CounterVec
	FramesDroppedTotal  *prometheus.CounterVec
	ConnectsTotal       *prometheus.CounterVec
	ConnectionActive    prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "companion"
	}

	registry := prometheus.NewRegistry()

	framesSent := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total outbound frames by envelope type",
		},
		[]string{"strategy", "type"},
	)

	framesReceived := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total inbound frames",
		},
		[]string{"strategy"},
	)

	framesDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped as malformed",
		},
		[]string{"strategy"},
	)

	connectsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Connection attempts by outcome",
		},
		[]string{"strategy", "status"},
	)

	connectionActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_active",
			Help:      "Whether a connection is currently open",
		},
	)

	registry.MustRegister(
		framesSent,
		framesReceived,
		framesDropped,
		connectsTotal,
		connectionActive,
	)

	return &Metrics{
		registry:            registry,
		FramesSentTotal:     framesSent,
		FramesReceivedTotal: framesReceived,
		FramesDroppedTotal:  framesDropped,
		ConnectsTotal:       connectsTotal,
		ConnectionActive:    connectionActive,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) recordSend(strategy, frameType string) {
	if m == nil {
		return
	}
	m.FramesSentTotal.WithLabelValues(strategy, frameType).Inc()
}

func (m *Metrics) recordReceive(strategy string) {
	if m == nil {
		return
	}
	m.FramesReceivedTotal.WithLabelValues(strategy).Inc()
}

func (m *Metrics) recordDrop(strategy string) {
	if m == nil {
		return
	}
	m.FramesDroppedTotal.WithLabelValues(strategy).Inc()
}

func (m *Metrics) recordConnect(strategy, status string) {
	if m == nil {
		return
	}
	m.ConnectsTotal.WithLabelValues(strategy, status).Inc()
	if status == "ok" {
		m.ConnectionActive.Set(1)
	}
}

func (m *Metrics) recordDisconnect() {
	if m == nil {
		return
	}
	m.ConnectionActive.Set(0)
}
