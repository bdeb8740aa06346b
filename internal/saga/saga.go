// Package saga places orders through one of two coordination styles: an
// orchestrated saga that runs every step in the caller's request with LIFO
// compensation, and a choreographed saga that hands the funds reservation
// to a separate service over the event bus.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/brokerx/internal/ledger"
	"github.com/ksred/brokerx/internal/outbox"
	"github.com/ksred/brokerx/internal/types"
)

type Variant string

const (
	VariantOrchestrated  Variant = "orchestrated"
	VariantChoreographed Variant = "choreographed"
)

// Placement statuses returned to the caller.
const (
	StatusAccepted      = "accepted"
	StatusSubmitted     = "submitted"
	StatusAwaitingFunds = "awaiting_funds"
	StatusFailed        = "failed"
)

type Config struct {
	PriceBandMin   decimal.Decimal
	PriceBandMax   decimal.Decimal
	SlippageBuffer decimal.Decimal
	HandlerTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PriceBandMin:   decimal.NewFromInt(1),
		PriceBandMax:   decimal.NewFromInt(10000),
		SlippageBuffer: decimal.RequireFromString("1.02"),
		HandlerTimeout: 10 * time.Second,
	}
}

// Funds is the ledger surface the sagas need.
type Funds interface {
	Balance(ctx context.Context, accountID string) (ledger.Balance, error)
	ReserveForOrder(ctx context.Context, orderID, accountID string, amount decimal.Decimal, correlationID string) (*ledger.FundReservation, bool, error)
	ReleaseForOrder(ctx context.Context, orderID string, amount decimal.Decimal, reason string) (*ledger.FundReservation, error)
	ReleaseRemainingForOrder(ctx context.Context, orderID, reason string) (decimal.Decimal, error)
}

// OrderStore is the order repository surface the sagas need.
type OrderStore interface {
	Create(ctx context.Context, order *types.Order, events ...outbox.Message) (*types.Order, bool, error)
	Find(ctx context.Context, id string) (*types.Order, error)
	FindByIdempotencyKey(ctx context.Context, accountID, key string) (*types.Order, error)
	UpdateStatus(ctx context.Context, id string, status types.OrderStatus, reason string, events ...outbox.Message) (*types.Order, error)
}

// Matcher accepts orders for matching and quotes reference prices.
type Matcher interface {
	Submit(orderID string) error
	ReferencePrice(symbol string) (decimal.Decimal, bool)
}

// EventLog records saga lifecycle events.
type EventLog interface {
	Append(ctx context.Context, msgs ...outbox.Message) error
}

// PlaceOrderRequest is a client's order placement.
type PlaceOrderRequest struct {
	AccountID      string            `json:"-"`
	Symbol         string            `json:"symbol" binding:"required"`
	Direction      types.Direction   `json:"direction" binding:"required"`
	OrderType      types.OrderType   `json:"order_type" binding:"required"`
	Quantity       int64             `json:"quantity" binding:"required"`
	Price          *decimal.Decimal  `json:"price"`
	TimeInForce    types.TimeInForce `json:"time_in_force"`
	IdempotencyKey string            `json:"idempotency_key"`
	CorrelationID  string            `json:"correlation_id"`
}

func (r PlaceOrderRequest) order(id, correlationID string) *types.Order {
	o := &types.Order{
		ID:            id,
		AccountID:     r.AccountID,
		Symbol:        r.Symbol,
		Direction:     r.Direction,
		OrderType:     r.OrderType,
		Quantity:      r.Quantity,
		TimeInForce:   r.TimeInForce,
		CorrelationID: correlationID,
	}
	if o.TimeInForce == "" {
		o.TimeInForce = types.DAY
	}
	if r.Price != nil {
		o.Price = decimal.NewNullDecimal(*r.Price)
	}
	if r.IdempotencyKey != "" {
		key := r.IdempotencyKey
		o.IdempotencyKey = &key
	}
	return o
}

// Result is the outcome of a placement.
type Result struct {
	SagaID        string       `json:"saga_id"`
	CorrelationID string       `json:"correlation_id"`
	Variant       Variant      `json:"variant"`
	Success       bool         `json:"success"`
	Compensated   bool         `json:"compensated"`
	Duplicate     bool         `json:"duplicate"`
	Status        string       `json:"status"`
	Order         *types.Order `json:"order,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// validator holds the pre-trade checks shared by both variants.
type validator struct {
	cfg     Config
	funds   Funds
	matcher Matcher
}

// check validates the order and, for buys, returns the estimated cost after
// confirming the available balance covers it. It has no side effects.
func (v validator) check(ctx context.Context, o *types.Order) (decimal.Decimal, error) {
	if err := types.ValidateOrder(o); err != nil {
		return decimal.Zero, err
	}
	if o.OrderType == types.Limit {
		price := o.LimitPrice()
		if price.LessThan(v.cfg.PriceBandMin) || price.GreaterThan(v.cfg.PriceBandMax) {
			return decimal.Zero, &types.ValidationError{
				Field:  "price",
				Reason: fmt.Sprintf("outside trading band [%s, %s]", v.cfg.PriceBandMin, v.cfg.PriceBandMax),
			}
		}
	}
	if o.Direction != types.Buy {
		return decimal.Zero, nil
	}

	cost, err := v.estimate(o)
	if err != nil {
		return decimal.Zero, err
	}
	bal, err := v.funds.Balance(ctx, o.AccountID)
	if err != nil {
		return decimal.Zero, err
	}
	if bal.Available.LessThan(cost) {
		return decimal.Zero, fmt.Errorf("%w: need %s, available %s", types.ErrInsufficientFunds, cost, bal.Available)
	}
	return cost, nil
}

// estimate is quantity x price for limit orders and quantity x reference
// price x slippage buffer for market orders.
func (v validator) estimate(o *types.Order) (decimal.Decimal, error) {
	if o.OrderType == types.Limit {
		return types.Notional(o.Quantity, o.LimitPrice()), nil
	}
	ref, ok := v.matcher.ReferencePrice(o.Symbol)
	if !ok || !ref.IsPositive() {
		return decimal.Zero, &types.ValidationError{Field: "symbol", Reason: "no reference price for market order"}
	}
	return types.Notional(o.Quantity, ref).Mul(v.cfg.SlippageBuffer).Round(8), nil
}

// existing returns the order already placed under the request's
// idempotency key, or nil.
func existing(ctx context.Context, store OrderStore, req PlaceOrderRequest) (*types.Order, error) {
	if req.IdempotencyKey == "" {
		return nil, nil
	}
	o, err := store.FindByIdempotencyKey(ctx, req.AccountID, req.IdempotencyKey)
	if errors.Is(err, types.ErrOrderNotFound) {
		return nil, nil
	}
	return o, err
}

// submit enqueues directly. A full or stopped engine is not a failure: the
// durable order.created event reaches the engine through the dispatcher.
func submit(m Matcher, orderID string) {
	if err := m.Submit(orderID); err != nil {
		if errors.Is(err, types.ErrQueueFull) || errors.Is(err, types.ErrEngineStopped) {
			log.Warn().Err(err).Str("component", "saga").Str("order_id", orderID).Msg("direct submit skipped, outbox delivery pending")
			return
		}
		log.Error().Err(err).Str("component", "saga").Str("order_id", orderID).Msg("direct submit failed")
	}
}

func orderCreated(o *types.Order, sagaID string) outbox.Message {
	return outbox.Message{
		Type:          outbox.EventOrderCreated,
		CorrelationID: o.CorrelationID,
		EntityType:    outbox.EntityOrder,
		EntityID:      o.ID,
		Payload: outbox.OrderCreated{
			OrderID:     o.ID,
			AccountID:   o.AccountID,
			Symbol:      o.Symbol,
			Direction:   string(o.Direction),
			OrderType:   string(o.OrderType),
			Quantity:    o.Quantity,
			Price:       o.PricePtr(),
			TimeInForce: string(o.TimeInForce),
			SagaID:      sagaID,
		},
	}
}

func sagaMessage(t outbox.EventType, e outbox.SagaEvent) outbox.Message {
	return outbox.Message{
		Type:          t,
		CorrelationID: e.CorrelationID,
		EntityType:    outbox.EntitySaga,
		EntityID:      e.SagaID,
		Payload:       e,
	}
}

func newID() string {
	return uuid.New().String()
}
