package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "collabsync"
)

// Metrics holds the Prometheus collectors for documents, awareness, and
// transports. All helper methods are safe to call on a nil *Metrics, so
// components can take one optionally.
type Metrics struct {
	// Document metrics
	UpdatesApplied  *prometheus.CounterVec
	UpdatesRejected prometheus.Counter
	ItemsIntegrated prometheus.Counter
	PendingItems    prometheus.Gauge

	// Awareness metrics
	AwarenessPeers     prometheus.Gauge
	AwarenessEvictions prometheus.Counter

	// Transport metrics
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	Reconnects       prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.NewRegistry() in tests to keep them isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		UpdatesApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "updates_applied_total",
				Help:      "Total number of document updates applied",
			},
			[]string{"origin"},
		),
		UpdatesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_rejected_total",
			Help:      "Total number of malformed updates rejected",
		}),
		ItemsIntegrated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_integrated_total",
			Help:      "Total number of items integrated into documents",
		}),
		PendingItems: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_items",
			Help:      "Items waiting for missing dependencies",
		}),
		AwarenessPeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "awareness_peers",
			Help:      "Number of peers with a present awareness state",
		}),
		AwarenessEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "awareness_evictions_total",
			Help:      "Total number of peers evicted after the liveness timeout",
		}),
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of envelopes sent",
			},
			[]string{"type"},
		),
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of envelopes received",
			},
			[]string{"type"},
		),
		MessagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Total number of envelopes dropped",
			},
			[]string{"reason"},
		),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of transport reconnect attempts",
		}),
	}
}

// UpdateApplied records an applied update.
func (m *Metrics) UpdateApplied(local bool) {
	if m == nil {
		return
	}
	origin := "remote"
	if local {
		origin = "local"
	}
	m.UpdatesApplied.WithLabelValues(origin).Inc()
}

// UpdateRejected records a malformed update.
func (m *Metrics) UpdateRejected() {
	if m != nil {
		m.UpdatesRejected.Inc()
	}
}

// Integrated records n newly integrated items and the pending backlog.
func (m *Metrics) Integrated(n, pending int) {
	if m == nil {
		return
	}
	m.ItemsIntegrated.Add(float64(n))
	m.PendingItems.Set(float64(pending))
}

// Peers sets the number of present awareness peers.
func (m *Metrics) Peers(n int) {
	if m != nil {
		m.AwarenessPeers.Set(float64(n))
	}
}

// Evicted records peers removed by the liveness sweep.
func (m *Metrics) Evicted(n int) {
	if m != nil {
		m.AwarenessEvictions.Add(float64(n))
	}
}

// Sent records an outgoing envelope.
func (m *Metrics) Sent(msgType string) {
	if m != nil {
		m.MessagesSent.WithLabelValues(msgType).Inc()
	}
}

// Received records an incoming envelope.
func (m *Metrics) Received(msgType string) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(msgType).Inc()
	}
}

// Dropped records an envelope that was discarded.
func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.MessagesDropped.WithLabelValues(reason).Inc()
	}
}

// Reconnected records a reconnect attempt.
func (m *Metrics) Reconnected() {
	if m != nil {
		m.Reconnects.Inc()
	}
}
