package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/brokerx/internal/eventbus"
	"github.com/ksred/brokerx/internal/orders"
	"github.com/ksred/brokerx/internal/outbox"
	"github.com/ksred/brokerx/internal/types"
)

// Choreographer places orders without a central coordinator. A buy is
// stored as pending_funds together with an order.requested event; the funds
// service answers over the event bus and the handlers below move the order
// on. Sells need no reservation and go straight to matching.
type Choreographer struct {
	validator
	orders *orders.Repository
	events EventLog
}

func NewChoreographer(funds Funds, repo *orders.Repository, matcher Matcher, events EventLog, cfg Config) *Choreographer {
	return &Choreographer{
		validator: validator{cfg: cfg, funds: funds, matcher: matcher},
		orders:    repo,
		events:    events,
	}
}

// Subscribe registers the order service's handlers on the bus.
func (c *Choreographer) Subscribe(bus eventbus.Bus) {
	bus.Subscribe(string(outbox.EventFundsReserved), c.OnFundsReserved)
	bus.Subscribe(string(outbox.EventFundsReservationFailed), c.OnReservationFailed)
	bus.Subscribe(string(outbox.EventFundsReleased), c.OnFundsReleased)
}

func (c *Choreographer) sagaEvent(t outbox.EventType, o *types.Order, reason string) outbox.Message {
	return sagaMessage(t, outbox.SagaEvent{
		SagaID:        o.CorrelationID,
		CorrelationID: o.CorrelationID,
		Variant:       string(VariantChoreographed),
		OrderID:       o.ID,
		AccountID:     o.AccountID,
		Error:         reason,
		Compensated:   t == outbox.EventSagaFailed,
	})
}

// PlaceOrder validates the order and stores it with the events that drive
// the rest of the flow, all in one transaction. It never reserves funds
// itself.
func (c *Choreographer) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Result, error) {
	if prior, err := existing(ctx, c.orders, req); err != nil {
		return nil, err
	} else if prior != nil {
		return &Result{
			SagaID:        prior.CorrelationID,
			CorrelationID: prior.CorrelationID,
			Variant:       VariantChoreographed,
			Success:       true,
			Duplicate:     true,
			Status:        statusFor(prior),
			Order:         prior,
		}, nil
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = newID()
	}
	order := req.order(newID(), correlationID)

	logger := log.With().
		Str("component", "saga").
		Str("variant", string(VariantChoreographed)).
		Str("correlation_id", correlationID).
		Str("order_id", order.ID).
		Logger()

	cost, err := c.check(ctx, order)
	if err != nil {
		logger.Warn().Err(err).Msg("order placement rejected")
		return &Result{
			SagaID:        correlationID,
			CorrelationID: correlationID,
			Variant:       VariantChoreographed,
			Status:        StatusFailed,
			Error:         err.Error(),
		}, fmt.Errorf("%s: %w", StepValidate, err)
	}

	var (
		events []outbox.Message
		status string
	)
	if order.Direction == types.Buy {
		order.Status = types.StatusPendingFunds
		status = StatusAwaitingFunds
		events = append(events, outbox.Message{
			Type:          outbox.EventOrderRequested,
			CorrelationID: correlationID,
			EntityType:    outbox.EntityOrder,
			EntityID:      order.ID,
			Payload: outbox.OrderRequested{
				OrderID:       order.ID,
				ClientID:      order.AccountID,
				Symbol:        order.Symbol,
				Direction:     string(order.Direction),
				OrderType:     string(order.OrderType),
				Quantity:      order.Quantity,
				Price:         order.PricePtr(),
				EstimatedCost: cost,
				CorrelationID: correlationID,
			},
		})
	} else {
		order.Status = types.StatusNew
		status = StatusSubmitted
		events = append(events, orderCreated(order, correlationID))
	}
	events = append(events, c.sagaEvent(outbox.EventSagaStarted, order, ""))

	placed, created, err := c.orders.Create(ctx, order, events...)
	if err != nil {
		return nil, err
	}
	if !created {
		return &Result{
			SagaID:        placed.CorrelationID,
			CorrelationID: placed.CorrelationID,
			Variant:       VariantChoreographed,
			Success:       true,
			Duplicate:     true,
			Status:        statusFor(placed),
			Order:         placed,
		}, nil
	}

	if placed.Status == types.StatusNew {
		c.complete(ctx, placed, logger)
		submit(c.matcher, placed.ID)
	}
	logger.Info().Str("status", status).Msg("order placed")

	return &Result{
		SagaID:        correlationID,
		CorrelationID: correlationID,
		Variant:       VariantChoreographed,
		Success:       true,
		Status:        status,
		Order:         placed,
	}, nil
}

func statusFor(o *types.Order) string {
	if o.Status == types.StatusPendingFunds {
		return StatusAwaitingFunds
	}
	return StatusSubmitted
}

func (c *Choreographer) complete(ctx context.Context, o *types.Order, logger zerolog.Logger) {
	if err := c.events.Append(ctx, c.sagaEvent(outbox.EventSagaCompleted, o, "")); err != nil {
		logger.Error().Err(err).Msg("failed to record saga event")
	}
}

func (c *Choreographer) handlerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.HandlerTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.HandlerTimeout)
}

// OnFundsReserved moves a pending_funds order to new and submits it.
// Redelivery after the move is a no-op. If the order was closed while the
// reservation was in flight, the reservation is handed back.
func (c *Choreographer) OnFundsReserved(ctx context.Context, msg eventbus.Message) error {
	ctx, cancel := c.handlerContext(ctx)
	defer cancel()

	var evt outbox.FundsReserved
	if err := msg.Decode(&evt); err != nil {
		return err
	}
	logger := log.With().
		Str("component", "saga").
		Str("variant", string(VariantChoreographed)).
		Str("order_id", evt.OrderID).
		Logger()

	order, err := c.orders.Find(ctx, evt.OrderID)
	if err != nil {
		return err
	}

	if order.Status.IsTerminal() {
		return c.releaseClosed(ctx, order, logger)
	}
	if order.Status != types.StatusPendingFunds {
		logger.Debug().Str("status", string(order.Status)).Msg("funds.reserved redelivered, ignoring")
		return nil
	}

	updated, err := c.orders.CompareAndSwap(ctx, order.ID, order.LockVersion, func(tx *gorm.DB, o *types.Order) ([]outbox.Message, error) {
		if !o.Status.CanTransition(types.StatusNew) {
			return nil, &types.TransitionError{From: o.Status, To: types.StatusNew}
		}
		o.Status = types.StatusNew
		o.ReservedAmount = evt.ReservedAmount
		return []outbox.Message{
			orderCreated(o, o.CorrelationID),
			c.sagaEvent(outbox.EventSagaCompleted, o, ""),
		}, nil
	})
	if errors.Is(err, types.ErrOrderTerminal) {
		return c.releaseClosed(ctx, order, logger)
	}
	if err != nil {
		return fmt.Errorf("failed to accept funded order %s: %w", order.ID, err)
	}

	logger.Info().Str("reserved", evt.ReservedAmount.String()).Msg("funds reserved, submitting order")
	submit(c.matcher, updated.ID)
	return nil
}

// releaseClosed hands back a reservation that arrived after its order was
// closed.
func (c *Choreographer) releaseClosed(ctx context.Context, order *types.Order, logger zerolog.Logger) error {
	released, err := c.funds.ReleaseRemainingForOrder(ctx, order.ID, "order closed before funds arrived")
	if err != nil {
		return err
	}
	if !released.IsPositive() {
		return nil
	}
	logger.Info().Str("amount", released.String()).Str("status", string(order.Status)).Msg("released reservation of closed order")
	return c.events.Append(ctx, outbox.Message{
		Type:          outbox.EventFundsReleased,
		CorrelationID: order.CorrelationID,
		EntityType:    outbox.EntityOrder,
		EntityID:      order.ID,
		Payload: outbox.FundsReleased{
			OrderID:  order.ID,
			ClientID: order.AccountID,
			Amount:   released,
			Reason:   "order closed before funds arrived",
		},
	})
}

// OnReservationFailed rejects a pending_funds order.
func (c *Choreographer) OnReservationFailed(ctx context.Context, msg eventbus.Message) error {
	ctx, cancel := c.handlerContext(ctx)
	defer cancel()

	var evt outbox.FundsReservationFailed
	if err := msg.Decode(&evt); err != nil {
		return err
	}

	order, err := c.orders.Find(ctx, evt.OrderID)
	if err != nil {
		return err
	}
	if order.Status != types.StatusPendingFunds {
		return nil
	}

	reason := "funds reservation failed: " + evt.Reason
	rejected := outbox.Message{
		Type:          outbox.EventOrderRejected,
		CorrelationID: order.CorrelationID,
		EntityType:    outbox.EntityOrder,
		EntityID:      order.ID,
		Payload:       outbox.OrderRejected{OrderID: order.ID, AccountID: order.AccountID, Reason: reason},
	}
	if _, err := c.orders.UpdateStatus(ctx, order.ID, types.StatusRejected, reason, rejected, c.sagaEvent(outbox.EventSagaFailed, order, reason)); err != nil {
		if errors.Is(err, types.ErrOrderTerminal) {
			return nil
		}
		return err
	}

	log.Warn().
		Str("component", "saga").
		Str("variant", string(VariantChoreographed)).
		Str("order_id", order.ID).
		Str("reason", evt.Reason).
		Msg("order rejected, funds not reserved")
	return nil
}

// OnFundsReleased is informational.
func (c *Choreographer) OnFundsReleased(ctx context.Context, msg eventbus.Message) error {
	var evt outbox.FundsReleased
	if err := msg.Decode(&evt); err != nil {
		return err
	}
	log.Info().
		Str("component", "saga").
		Str("order_id", evt.OrderID).
		Str("amount", evt.Amount.String()).
		Str("reason", evt.Reason).
		Msg("funds released")
	return nil
}
