package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initSignalMetrics(cfg Config) {
	m.signalsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "signals_emitted_total",
			Help:      "Total number of signals emitted by dispatchers",
		},
		[]string{"dispatcher"},
	)

	m.signalsInterrupted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "signals_interrupted_total",
			Help:      "Total number of in-flight signals superseded by a newer emit",
		},
		[]string{"dispatcher"},
	)

	m.signalsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "signals_completed_total",
			Help:      "Total number of signals that reached a terminal status, by outcome",
		},
		[]string{"dispatcher", "outcome"},
	)

	m.consumerDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "consumer_decisions_total",
			Help:      "Total number of consumer observations by decision",
		},
		[]string{"owner", "decision"},
	)

	m.handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "handler_duration_seconds",
			Help:      "Signal handler duration in seconds, by outcome",
			Buckets:   cfg.HandlerDurationBuckets,
		},
		[]string{"owner", "outcome"},
	)

	m.handlersInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "handlers_in_flight",
			Help:      "Current number of claimed signals whose handler has not returned",
		},
		[]string{"owner"},
	)

	m.registry.MustRegister(m.signalsEmitted)
	m.registry.MustRegister(m.signalsInterrupted)
	m.registry.MustRegister(m.signalsCompleted)
	m.registry.MustRegister(m.consumerDecisions)
	m.registry.MustRegister(m.handlerDuration)
	m.registry.MustRegister(m.handlersInFlight)
}

// RecordSignalEmitted records a new signal written by a dispatcher.
func (m *Manager) RecordSignalEmitted(dispatcher string) {
	if !m.enabled {
		return
	}
	m.signalsEmitted.WithLabelValues(dispatcher).Inc()
}

// RecordSignalInterrupted records a forced completion.
func (m *Manager) RecordSignalInterrupted(dispatcher string) {
	if !m.enabled {
		return
	}
	m.signalsInterrupted.WithLabelValues(dispatcher).Inc()
}

// RecordSignalCompleted records a terminal status reaching the slot.
func (m *Manager) RecordSignalCompleted(dispatcher string, outcome string) {
	if !m.enabled {
		return
	}
	m.signalsCompleted.WithLabelValues(dispatcher, outcome).Inc()
}

// RecordConsumerDecision records the branch a consumer took for an observation.
func (m *Manager) RecordConsumerDecision(owner string, decision string) {
	if !m.enabled {
		return
	}
	m.consumerDecisions.WithLabelValues(owner, decision).Inc()
}

// RecordHandlerDuration records how long a handler ran.
func (m *Manager) RecordHandlerDuration(owner string, outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.handlerDuration.WithLabelValues(owner, outcome).Observe(duration.Seconds())
}

// AddHandlersInFlight adjusts the in-flight handler gauge.
func (m *Manager) AddHandlersInFlight(owner string, delta float64) {
	if !m.enabled {
		return
	}
	m.handlersInFlight.WithLabelValues(owner).Add(delta)
}
