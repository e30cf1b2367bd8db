package cdpmux

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Command and waiter outcome label values.
const (
	outcomeOK           = "ok"
	outcomeRemoteError  = "remote_error"
	outcomeDisconnected = "disconnected"
	outcomeCanceled     = "canceled"
	outcomeWriteError   = "write_error"
	outcomeMatch        = "match"
	outcomeTimeout      = "timeout"
)

// Metrics holds the Prometheus collectors for a Connection. A nil *Metrics
// records nothing.
type Metrics struct {
	commands        *prometheus.CounterVec
	pending         prometheus.Gauge
	sessions        prometheus.Gauge
	waiters         prometheus.Gauge
	waiterOutcomes  *prometheus.CounterVec
	droppedMessages prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. Passing a
// nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdpmux",
			Name:      "commands_total",
			Help:      "Commands sent, by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cdpmux",
			Name:      "pending_commands",
			Help:      "Commands waiting for a response.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cdpmux",
			Name:      "sessions",
			Help:      "Attached sessions.",
		}),
		waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cdpmux",
			Name:      "waiters",
			Help:      "Registered waiters not yet resolved.",
		}),
		waiterOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdpmux",
			Name:      "waiters_resolved_total",
			Help:      "Resolved waiters, by outcome.",
		}, []string{"outcome"}),
		droppedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cdpmux",
			Name:      "dropped_messages_total",
			Help:      "Incoming messages that matched no pending command or session.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.commands,
			m.pending,
			m.sessions,
			m.waiters,
			m.waiterOutcomes,
			m.droppedMessages,
		)
	}
	return m
}

func (m *Metrics) commandSent() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

func (m *Metrics) commandDone(outcome string) {
	if m == nil {
		return
	}
	m.pending.Dec()
	m.commands.WithLabelValues(outcome).Inc()
}

func (m *Metrics) sessionAdded() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) sessionRemoved() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) waiterAdded() {
	if m == nil {
		return
	}
	m.waiters.Inc()
}

func (m *Metrics) waiterDone(outcome string, registered bool) {
	if m == nil {
		return
	}
	if registered {
		m.waiters.Dec()
	}
	m.waiterOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) messageDropped() {
	if m == nil {
		return
	}
	m.droppedMessages.Inc()
}
