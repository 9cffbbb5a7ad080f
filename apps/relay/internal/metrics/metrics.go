package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "collabsync"
	subsystem = "relay"
)

// Metrics holds all Prometheus metrics for the relay
type Metrics struct {
	// Connection metrics
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ActiveRooms       prometheus.Gauge

	// Message metrics
	MessagesReceived  *prometheus.CounterVec
	MessagesForwarded *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	SyntheticLeaves   prometheus.Counter

	// Bridge metrics
	BridgeMessages *prometheus.CounterVec
	BreakerState   prometheus.Gauge
}

// New creates the relay collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_connections",
			Help:      "Number of open client connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_total",
			Help:      "Total number of accepted client connections",
		}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_rooms",
			Help:      "Number of rooms with at least one connection",
		}),
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "messages_received_total",
				Help:      "Envelopes received from clients by type",
			},
			[]string{"type"},
		),
		MessagesForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "messages_forwarded_total",
				Help:      "Envelopes written to clients by type",
			},
			[]string{"type"},
		),
		MessagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "messages_dropped_total",
				Help:      "Envelopes dropped by reason",
			},
			[]string{"reason"},
		),
		SyntheticLeaves: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "synthetic_leaves_total",
			Help:      "Leave envelopes sent on behalf of vanished connections",
		}),
		BridgeMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "bridge_messages_total",
				Help:      "Envelopes exchanged with other relay instances",
			},
			[]string{"direction"},
		),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bridge_breaker_state",
			Help:      "Circuit breaker state of the Redis bridge (0 closed, 1 half-open, 2 open)",
		}),
	}
}

// Connected records an accepted connection
func (m *Metrics) Connected() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
	m.ConnectionsTotal.Inc()
}

// Disconnected records a closed connection
func (m *Metrics) Disconnected() {
	if m != nil {
		m.ActiveConnections.Dec()
	}
}

// Rooms sets the number of active rooms
func (m *Metrics) Rooms(n int) {
	if m != nil {
		m.ActiveRooms.Set(float64(n))
	}
}

// Received counts an inbound envelope
func (m *Metrics) Received(msgType string) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(msgType).Inc()
	}
}

// Forwarded counts envelopes written to n clients
func (m *Metrics) Forwarded(msgType string, n int) {
	if m != nil && n > 0 {
		m.MessagesForwarded.WithLabelValues(msgType).Add(float64(n))
	}
}

// Dropped counts a discarded envelope
func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.MessagesDropped.WithLabelValues(reason).Inc()
	}
}

// SyntheticLeave counts a leave sent for a vanished replica
func (m *Metrics) SyntheticLeave() {
	if m != nil {
		m.SyntheticLeaves.Inc()
	}
}

// Bridged counts an envelope published to or received from Redis
func (m *Metrics) Bridged(direction string) {
	if m != nil {
		m.BridgeMessages.WithLabelValues(direction).Inc()
	}
}

// Breaker records the bridge circuit breaker state
func (m *Metrics) Breaker(state int) {
	if m != nil {
		m.BreakerState.Set(float64(state))
	}
}
