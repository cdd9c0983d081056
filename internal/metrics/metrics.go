// Package metrics defines the Prometheus collectors exported by the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection reasons recorded by ConnectionRejected.
const (
	ReasonUnauthorized   = "unauthorized"
	ReasonDuplicate      = "duplicate_identity"
	ReasonShuttingDown   = "shutting_down"
	ReasonHandshakeError = "handshake_failed"
)

// Command results recorded by CommandHandled.
const (
	ResultOK          = "ok"
	ResultMalformed   = "malformed"
	ResultRateLimited = "rate_limited"
)

// Metrics holds the relay collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	activeSessions      prometheus.Gauge
	sessionsTotal       prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	eventsBroadcast     *prometheus.CounterVec
	deliveriesDropped   prometheus.Counter
	commandsTotal       *prometheus.CounterVec
}

// New registers the relay collectors with reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently registered",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions admitted",
		}),
		connectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connection attempts refused by the gate, by reason",
		}, []string{"reason"}),
		eventsBroadcast: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_broadcast_total",
			Help:      "Events fanned out to all sessions, by payload type",
		}, []string{"type"}),
		deliveriesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Payloads that could not be queued for a recipient",
		}),
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Inbound frames handled, by command type and result",
		}, []string{"type", "result"}),
	}
}

// SessionOpened records an admitted session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionsTotal.Inc()
}

// SessionClosed records a session leaving the registry.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// SessionsCleared resets the active gauge after a bulk teardown.
func (m *Metrics) SessionsCleared() {
	if m == nil {
		return
	}
	m.activeSessions.Set(0)
}

// ConnectionRejected records a refused connection attempt.
func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

// EventBroadcast records one broadcast of an event of the given type.
func (m *Metrics) EventBroadcast(payloadType string) {
	if m == nil {
		return
	}
	m.eventsBroadcast.WithLabelValues(payloadType).Inc()
}

// DeliveryDropped records a payload that a recipient could not accept.
func (m *Metrics) DeliveryDropped() {
	if m == nil {
		return
	}
	m.deliveriesDropped.Inc()
}

// CommandHandled records the outcome of one inbound frame.
func (m *Metrics) CommandHandled(commandType, result string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(commandType, result).Inc()
}
