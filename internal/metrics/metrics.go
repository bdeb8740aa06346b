// Package metrics exposes prometheus counters for the order lifecycle.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	sagaStarts        *prometheus.CounterVec
	sagaCompletions   *prometheus.CounterVec
	sagaFailures      *prometheus.CounterVec
	sagaCompensations *prometheus.CounterVec
	sagaStepFailures  *prometheus.CounterVec

	outboxEvents *prometheus.CounterVec

	engineOrders  *prometheus.CounterVec
	engineTrades  *prometheus.CounterVec
	engineQueue   prometheus.Gauge
	brokerPublish *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sagaStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerx", Subsystem: "saga", Name: "started_total",
			Help: "Trading sagas started.",
		}, []string{"variant"}),
		sagaCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerx", Subsystem: "saga", Name: "completed_total",
			Help: "Trading sagas completed successfully.",
		}, []string{"variant"}),
		sagaFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerx", Subsystem: "saga", Name: "failed_total",
			Help: "Trading sagas that ended in failure.",
		}, []string{"variant"}),
		sagaCompensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerx", Subsystem: "saga", Name: "compensations_total",
			Help: "Trading sagas that ran compensation.",
		}, []string{"variant"}),
		sagaStepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerx", Subsystem: "saga", Name: "step_failures_total",
			Help: "Saga step failures by step.",
		}, []string{"variant", "step"}),
		outboxEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerx", Subsystem: "outbox", Name: "events_total",
			Help: "Outbox events handled by outcome.",
		}, []string{"event_type", "outcome"}),
		engineOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerx", Subsystem: "matching", Name: "orders_total",
			Help: "Orders processed by the matching engine by outcome.",
		}, []string{"outcome"}),
		engineTrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerx", Subsystem: "matching", Name: "trades_total",
			Help: "Matches executed by symbol.",
		}, []string{"symbol"}),
		engineQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "brokerx", Subsystem: "matching", Name: "queue_depth",
			Help: "Orders waiting in the matching queue.",
		}),
		brokerPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerx", Subsystem: "eventbus", Name: "published_total",
			Help: "Messages published on the event bus by topic and outcome.",
		}, []string{"topic", "outcome"}),
	}

	reg.MustRegister(
		m.sagaStarts,
		m.sagaCompletions,
		m.sagaFailures,
		m.sagaCompensations,
		m.sagaStepFailures,
		m.outboxEvents,
		m.engineOrders,
		m.engineTrades,
		m.engineQueue,
		m.brokerPublish,
	)
	return m
}

func (m *Metrics) SagaStarted(variant string) {
	if m == nil {
		return
	}
	m.sagaStarts.WithLabelValues(variant).Inc()
}

func (m *Metrics) SagaCompleted(variant string) {
	if m == nil {
		return
	}
	m.sagaCompletions.WithLabelValues(variant).Inc()
}

func (m *Metrics) SagaFailed(variant string) {
	if m == nil {
		return
	}
	m.sagaFailures.WithLabelValues(variant).Inc()
}

func (m *Metrics) SagaCompensating(variant string) {
	if m == nil {
		return
	}
	m.sagaCompensations.WithLabelValues(variant).Inc()
}

func (m *Metrics) SagaStepFailed(variant, step string) {
	if m == nil {
		return
	}
	m.sagaStepFailures.WithLabelValues(variant, step).Inc()
}

func (m *Metrics) OutboxProcessed(eventType string) { m.outbox(eventType, "processed") }
func (m *Metrics) OutboxFailed(eventType string)    { m.outbox(eventType, "failed") }
func (m *Metrics) OutboxDead(eventType string)      { m.outbox(eventType, "dead") }

func (m *Metrics) outbox(eventType, outcome string) {
	if m == nil {
		return
	}
	m.outboxEvents.WithLabelValues(eventType, outcome).Inc()
}

// EngineOrder counts one processed order; outcome is the order's resulting status.
func (m *Metrics) EngineOrder(outcome string) {
	if m == nil {
		return
	}
	m.engineOrders.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EngineTrade(symbol string) {
	if m == nil {
		return
	}
	m.engineTrades.WithLabelValues(symbol).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.engineQueue.Set(float64(n))
}

func (m *Metrics) BrokerPublish(topic string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.brokerPublish.WithLabelValues(topic, outcome).Inc()
}

// SagaCounter returns the saga collector with the given short name.
func (m *Metrics) SagaCounter(name string) *prometheus.CounterVec {
	switch name {
	case "started":
		return m.sagaStarts
	case "completed":
		return m.sagaCompletions
	case "failed":
		return m.sagaFailures
	case "compensations":
		return m.sagaCompensations
	case "step_failures":
		return m.sagaStepFailures
	}
	return nil
}

// OutboxCounter exposes the outbox collector.
func (m *Metrics) OutboxCounter() *prometheus.CounterVec {
	return m.outboxEvents
}
