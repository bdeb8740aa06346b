// Package notify routes committed outbox events to their consumers: the
// matching engine, the event bus, saga metrics and the live update streams.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ksred/brokerx/internal/broadcast"
	"github.com/ksred/brokerx/internal/eventbus"
	"github.com/ksred/brokerx/internal/metrics"
	"github.com/ksred/brokerx/internal/outbox"
)

// Submitter enqueues an order for matching.
type Submitter interface {
	Submit(orderID string) error
}

type Router struct {
	engine      Submitter
	bus         eventbus.Bus
	broadcaster broadcast.Broadcaster
	metrics     *metrics.Metrics
}

// NewRouter builds a router. bus may be nil when the choreographed flow is
// not in use; broadcaster may be nil to drop live updates.
func NewRouter(engine Submitter, bus eventbus.Bus, b broadcast.Broadcaster, m *metrics.Metrics) *Router {
	if b == nil {
		b = broadcast.Nop{}
	}
	return &Router{engine: engine, bus: bus, broadcaster: b, metrics: m}
}

// Register installs a handler for every event type the router understands.
func (r *Router) Register(d *outbox.Dispatcher) {
	d.Register(outbox.EventOrderCreated, r.OrderCreated)
	d.Register(outbox.EventExecutionReport, r.ExecutionReport)
	d.Register(outbox.EventOrderCancelled, r.OrderUpdate)
	d.Register(outbox.EventOrderRejected, r.OrderUpdate)
	d.Register(outbox.EventOrderModified, r.OrderUpdate)
	for _, t := range outbox.SagaEventTypes {
		d.Register(t, r.Saga)
	}

	if r.bus == nil {
		return
	}
	for _, t := range []outbox.EventType{
		outbox.EventOrderRequested,
		outbox.EventFundsReserved,
		outbox.EventFundsReservationFailed,
		outbox.EventFundsReleased,
	} {
		d.Register(t, r.Relay)
	}
}

// OrderCreated hands the order to the engine. A full queue fails the event
// so the dispatcher retries it later; the engine ignores orders it has
// already processed.
func (r *Router) OrderCreated(ctx context.Context, evt *outbox.Event) error {
	var created outbox.OrderCreated
	if err := evt.Decode(&created); err != nil {
		return err
	}
	if err := r.engine.Submit(created.OrderID); err != nil {
		return fmt.Errorf("failed to submit order %s: %w", created.OrderID, err)
	}
	return nil
}

// ExecutionReport pushes the report to the order and account streams.
func (r *Router) ExecutionReport(ctx context.Context, evt *outbox.Event) error {
	var report outbox.ExecutionReport
	if err := evt.Decode(&report); err != nil {
		return err
	}
	broadcast.Send(ctx, r.broadcaster, broadcast.OrderStream(report.OrderID), report)
	broadcast.Send(ctx, r.broadcaster, broadcast.AccountStream(report.AccountID), report)
	return nil
}

// orderNotice is the live update for lifecycle events without a report.
type orderNotice struct {
	Event     outbox.EventType `json:"event"`
	OrderID   string           `json:"order_id"`
	AccountID string           `json:"account_id"`
	Reason    string           `json:"reason,omitempty"`
}

// OrderUpdate pushes cancellations, rejections and modifications to the
// order and account streams.
func (r *Router) OrderUpdate(ctx context.Context, evt *outbox.Event) error {
	var n orderNotice
	if err := evt.Decode(&n); err != nil {
		return err
	}
	n.Event = evt.EventType
	broadcast.Send(ctx, r.broadcaster, broadcast.OrderStream(n.OrderID), n)
	if n.AccountID != "" {
		broadcast.Send(ctx, r.broadcaster, broadcast.AccountStream(n.AccountID), n)
	}
	return nil
}

type sagaNotice struct {
	Event outbox.EventType `json:"event"`
	outbox.SagaEvent
}

// Saga updates the saga counters and publishes to the saga stream.
func (r *Router) Saga(ctx context.Context, evt *outbox.Event) error {
	var e outbox.SagaEvent
	if err := evt.Decode(&e); err != nil {
		return err
	}

	switch evt.EventType {
	case outbox.EventSagaStarted:
		r.metrics.SagaStarted(e.Variant)
	case outbox.EventSagaCompleted:
		r.metrics.SagaCompleted(e.Variant)
	case outbox.EventSagaFailed:
		r.metrics.SagaFailed(e.Variant)
	case outbox.EventSagaCompensating:
		r.metrics.SagaCompensating(e.Variant)
	case outbox.EventSagaStepFailed:
		r.metrics.SagaStepFailed(e.Variant, e.Step)
	}

	broadcast.Send(ctx, r.broadcaster, broadcast.StreamSagas, sagaNotice{Event: evt.EventType, SagaEvent: e})
	return nil
}

// Relay forwards the event to the bus under its own type as topic, keyed by
// the entity so one order's events stay in one partition.
func (r *Router) Relay(ctx context.Context, evt *outbox.Event) error {
	msg := eventbus.Message{
		Topic:   string(evt.EventType),
		Key:     evt.EntityID,
		Payload: []byte(evt.Payload),
		Headers: map[string]string{
			"event_id":       fmt.Sprint(evt.ID),
			"correlation_id": evt.CorrelationID,
		},
	}
	if err := r.bus.Publish(ctx, msg); err != nil {
		return err
	}
	log.Debug().
		Str("component", "notify").
		Str("topic", msg.Topic).
		Str("key", msg.Key).
		Msg("event relayed")
	return nil
}
