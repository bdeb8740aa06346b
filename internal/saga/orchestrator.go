package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/brokerx/internal/outbox"
	"github.com/ksred/brokerx/internal/types"
)

// Step names, in execution order.
const (
	StepValidate = "validate_order"
	StepReserve  = "reserve_funds"
	StepCreate   = "create_order"
	StepSubmit   = "submit_to_matching"
)

// errDuplicate stops the saga when create_order finds an order already
// placed under the same idempotency key.
var errDuplicate = errors.New("order already placed under idempotency key")

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

// Orchestrator runs the placement steps in order inside the caller's
// request and undoes completed steps in reverse order when one fails.
type Orchestrator struct {
	validator
	orders OrderStore
	events EventLog
}

func NewOrchestrator(funds Funds, orders OrderStore, matcher Matcher, events EventLog, cfg Config) *Orchestrator {
	return &Orchestrator{
		validator: validator{cfg: cfg, funds: funds, matcher: matcher},
		orders:    orders,
		events:    events,
	}
}

// run is the state of one saga execution.
type run struct {
	SagaID        string
	CorrelationID string
	AccountID     string
	OrderID       string

	compensations []compensation
	logger        zerolog.Logger
}

func (r *run) event(t outbox.EventType, stepName string, err error) outbox.Message {
	e := outbox.SagaEvent{
		SagaID:        r.SagaID,
		CorrelationID: r.CorrelationID,
		Variant:       string(VariantOrchestrated),
		Step:          stepName,
		OrderID:       r.OrderID,
		AccountID:     r.AccountID,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if t == outbox.EventSagaFailed {
		e.Compensated = true
	}
	return sagaMessage(t, e)
}

// emit records a saga event. Losing one only costs observability, so
// failures are logged and the saga carries on.
func (o *Orchestrator) emit(ctx context.Context, r *run, t outbox.EventType, stepName string, err error) {
	if appendErr := o.events.Append(ctx, r.event(t, stepName, err)); appendErr != nil {
		r.logger.Error().Err(appendErr).Str("event_type", string(t)).Msg("failed to record saga event")
	}
}

// PlaceOrder runs validate_order, reserve_funds, create_order and
// submit_to_matching. A failed step triggers compensation of the completed
// steps in LIFO order, and the returned error is the step's error.
func (o *Orchestrator) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Result, error) {
	if prior, err := existing(ctx, o.orders, req); err != nil {
		return nil, err
	} else if prior != nil {
		return &Result{
			CorrelationID: prior.CorrelationID,
			Variant:       VariantOrchestrated,
			Success:       true,
			Duplicate:     true,
			Status:        StatusAccepted,
			Order:         prior,
		}, nil
	}

	r := &run{
		SagaID:        newID(),
		CorrelationID: req.CorrelationID,
		AccountID:     req.AccountID,
		OrderID:       newID(),
	}
	if r.CorrelationID == "" {
		r.CorrelationID = newID()
	}
	r.logger = log.With().
		Str("component", "saga").
		Str("variant", string(VariantOrchestrated)).
		Str("saga_id", r.SagaID).
		Str("correlation_id", r.CorrelationID).
		Str("order_id", r.OrderID).
		Logger()

	o.emit(ctx, r, outbox.EventSagaStarted, "", nil)
	r.logger.Info().Str("account_id", req.AccountID).Str("symbol", req.Symbol).Msg("saga started")

	var (
		order     = req.order(r.OrderID, r.CorrelationID)
		cost      decimal.Decimal
		placed    *types.Order
		duplicate *types.Order
	)

	steps := []step{
		{name: StepValidate, run: func(ctx context.Context) error {
			var err error
			cost, err = o.check(ctx, order)
			return err
		}},
		{name: StepReserve, run: func(ctx context.Context) error {
			if order.Direction != types.Buy {
				return nil
			}
			if _, _, err := o.funds.ReserveForOrder(ctx, order.ID, order.AccountID, cost, r.CorrelationID); err != nil {
				return err
			}
			r.compensations = append(r.compensations, compensation{name: "release_funds", fn: func(ctx context.Context) error {
				_, err := o.funds.ReleaseForOrder(ctx, order.ID, cost, "saga compensation")
				return err
			}})
			return nil
		}},
		{name: StepCreate, run: func(ctx context.Context) error {
			order.Status = types.StatusNew
			order.ReservedAmount = cost
			created, isNew, err := o.orders.Create(ctx, order)
			if err != nil {
				return err
			}
			if !isNew {
				duplicate = created
				return errDuplicate
			}
			placed = created
			r.compensations = append(r.compensations, compensation{name: "cancel_order", fn: func(ctx context.Context) error {
				_, err := o.orders.UpdateStatus(ctx, order.ID, types.StatusCancelled, "saga compensation", outbox.Message{
					Type:          outbox.EventOrderCancelled,
					CorrelationID: r.CorrelationID,
					EntityType:    outbox.EntityOrder,
					EntityID:      order.ID,
					Payload: outbox.OrderCancelled{
						OrderID:   order.ID,
						AccountID: order.AccountID,
						Reason:    "saga compensation",
					},
				})
				return err
			}})
			return nil
		}},
		{name: StepSubmit, run: func(ctx context.Context) error {
			if err := o.events.Append(ctx, orderCreated(placed, r.SagaID)); err != nil {
				return err
			}
			submit(o.matcher, placed.ID)
			return nil
		}},
	}

	for _, s := range steps {
		err := s.run(ctx)
		if err == nil {
			o.emit(ctx, r, outbox.EventSagaStepCompleted, s.name, nil)
			continue
		}

		if errors.Is(err, errDuplicate) {
			r.logger.Info().Str("existing_order_id", duplicate.ID).Msg("duplicate placement detected, compensating")
			o.compensate(ctx, r)
			o.emit(ctx, r, outbox.EventSagaCompleted, s.name, nil)
			return &Result{
				SagaID:        r.SagaID,
				CorrelationID: duplicate.CorrelationID,
				Variant:       VariantOrchestrated,
				Success:       true,
				Duplicate:     true,
				Compensated:   true,
				Status:        StatusAccepted,
				Order:         duplicate,
			}, nil
		}

		r.logger.Warn().Err(err).Str("step", s.name).Msg("saga step failed")
		o.emit(ctx, r, outbox.EventSagaStepFailed, s.name, err)
		o.compensate(ctx, r)
		o.emit(ctx, r, outbox.EventSagaFailed, s.name, err)

		return &Result{
			SagaID:        r.SagaID,
			CorrelationID: r.CorrelationID,
			Variant:       VariantOrchestrated,
			Compensated:   true,
			Status:        StatusFailed,
			Error:         err.Error(),
		}, fmt.Errorf("%s: %w", s.name, err)
	}

	o.emit(ctx, r, outbox.EventSagaCompleted, "", nil)
	r.logger.Info().Msg("saga completed")

	return &Result{
		SagaID:        r.SagaID,
		CorrelationID: r.CorrelationID,
		Variant:       VariantOrchestrated,
		Success:       true,
		Status:        StatusSubmitted,
		Order:         placed,
	}, nil
}

// compensate runs the registered compensations newest first. A failing
// compensation is logged and does not stop the remaining ones.
func (o *Orchestrator) compensate(ctx context.Context, r *run) {
	if len(r.compensations) == 0 {
		return
	}
	o.emit(ctx, r, outbox.EventSagaCompensating, "", nil)

	for i := len(r.compensations) - 1; i >= 0; i-- {
		c := r.compensations[i]
		if err := c.fn(ctx); err != nil {
			r.logger.Error().Err(err).Str("compensation", c.name).Msg("compensation failed")
			continue
		}
		r.logger.Info().Str("compensation", c.name).Msg("compensation applied")
	}
	r.compensations = nil
}
