package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the relay's Prometheus collector. Each instance owns its own
// registry so several relays can live in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	activeClients  prometheus.Gauge
	activeSessions prometheus.Gauge
	connections    prometheus.Counter
	disconnects    prometheus.Counter

	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	fanout           prometheus.Histogram
	messageSize      prometheus.Histogram
}

// NewMetrics creates a collector registered on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		activeClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_clients",
			Help: "Number of connected signaling clients",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of sessions with at least one client",
		}),
		connections: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_client_connections_total",
			Help: "Total number of accepted WebSocket connections",
		}),
		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_client_disconnects_total",
			Help: "Total number of closed WebSocket connections",
		}),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_received_total",
				Help: "Signal messages accepted for fan-out, by kind",
			},
			[]string{"kind"},
		),
		messagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_dropped_total",
				Help: "Inbound frames discarded, by reason",
			},
			[]string{"reason"},
		),
		fanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_fanout_recipients",
			Help:    "Recipients per relayed message",
			Buckets: []float64{1, 2, 3, 4, 8, 16},
		}),
		messageSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_message_size_bytes",
			Help:    "Size of relayed signal messages",
			Buckets: prometheus.ExponentialBuckets(64, 4, 7),
		}),
	}
}

func (m *Metrics) clientConnected()    { m.activeClients.Inc(); m.connections.Inc() }
func (m *Metrics) clientDisconnected() { m.activeClients.Dec(); m.disconnects.Inc() }
func (m *Metrics) sessionOpened()      { m.activeSessions.Inc() }
func (m *Metrics) sessionClosed()      { m.activeSessions.Dec() }
func (m *Metrics) dropped(reason string) {
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) relayed(kind string, size, recipients int) {
	m.messagesReceived.WithLabelValues(kind).Inc()
	m.messageSize.Observe(float64(size))
	m.fanout.Observe(float64(recipients))
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
