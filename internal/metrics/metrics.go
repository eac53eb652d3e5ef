// Package metrics exposes Prometheus collectors for the realtime core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Rate-limit phases.
const (
	PhaseHandshake = "handshake"
	PhaseMessage   = "message"
)

// Metrics groups the service collectors behind one registry.
type Metrics struct {
	registry *prometheus.Registry

	Connections      prometheus.Gauge
	Rooms            prometheus.Gauge
	Handshakes       *prometheus.CounterVec
	InboundFrames    *prometheus.CounterVec
	RateLimited      *prometheus.CounterVec
	Evictions        prometheus.Counter
	DeliveryFailures prometheus.Counter
	BrokerMessages   *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Active websocket connections",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_active_rooms",
			Help: "Rooms with at least one member",
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_handshakes_total",
			Help: "Handshake attempts by outcome",
		}, []string{"outcome"}),
		InboundFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_inbound_frames_total",
			Help: "Inbound client frames by type",
		}, []string{"type"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_rate_limited_total",
			Help: "Actions refused by the rate limiter",
		}, []string{"phase"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_heartbeat_evictions_total",
			Help: "Connections evicted by the heartbeat sweep",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_delivery_failures_total",
			Help: "Socket writes that failed and removed their connection",
		}),
		BrokerMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_broker_messages_total",
			Help: "Broker messages consumed by envelope type",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.Rooms,
		m.Handshakes,
		m.InboundFrames,
		m.RateLimited,
		m.Evictions,
		m.DeliveryFailures,
		m.BrokerMessages,
	)
	return m
}

// Handler serves the registry for Prometheus scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetIndexSizes records the current connection and room counts.
func (m *Metrics) SetIndexSizes(connections, rooms int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(connections))
	m.Rooms.Set(float64(rooms))
}

// Handshake counts a handshake by outcome.
func (m *Metrics) Handshake(outcome string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(outcome).Inc()
}

// InboundFrame counts a client frame by message type.
func (m *Metrics) InboundFrame(kind string) {
	if m == nil {
		return
	}
	m.InboundFrames.WithLabelValues(kind).Inc()
}

// RateLimit counts a refusal in the handshake or message phase.
func (m *Metrics) RateLimit(phase string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(phase).Inc()
}

// Eviction counts a connection removed by the heartbeat sweep.
func (m *Metrics) Eviction() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}

// DeliveryFailure counts a send that removed its connection.
func (m *Metrics) DeliveryFailure() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

// BrokerMessage counts a broker envelope by kind.
func (m *Metrics) BrokerMessage(kind string) {
	if m == nil {
		return
	}
	m.BrokerMessages.WithLabelValues(kind).Inc()
}
