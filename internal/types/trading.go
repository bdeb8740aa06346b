package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Opposite returns the side an order of this direction matches against.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

type TimeInForce string

const (
	DAY TimeInForce = "DAY"
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
)

// Rests reports whether an unmatched remainder may stay in the book.
func (t TimeInForce) Rests() bool {
	return t == DAY || t == GTC
}

type OrderStatus string

const (
	StatusPendingFunds    OrderStatus = "pending_funds"
	StatusNew             OrderStatus = "new"
	StatusWorking         OrderStatus = "working"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

var transitions = map[OrderStatus][]OrderStatus{
	StatusPendingFunds:    {StatusNew, StatusRejected, StatusCancelled},
	StatusNew:             {StatusWorking, StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected},
	StatusWorking:         {StatusPartiallyFilled, StatusFilled, StatusCancelled},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusWorking, StatusFilled, StatusCancelled},
}

// IsTerminal reports whether no further mutation is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Resting reports whether an order in this status sits in the book.
func (s OrderStatus) Resting() bool {
	return s == StatusWorking || s == StatusPartiallyFilled
}

// CanTransition reports whether the order state machine allows s -> to.
// Staying in the same non-terminal status is always allowed.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	if s == to {
		return !s.IsTerminal()
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is the durable order record. It is never physically deleted.
type Order struct {
	ID             string              `gorm:"primaryKey;size:36" json:"id"`
	AccountID      string              `gorm:"size:64;not null;index;uniqueIndex:idx_orders_account_idempotency,priority:1" json:"account_id"`
	Symbol         string              `gorm:"size:5;not null;index" json:"symbol"`
	Direction      Direction           `gorm:"size:4;not null" json:"direction"`
	OrderType      OrderType           `gorm:"size:6;not null" json:"order_type"`
	Quantity       int64               `gorm:"not null" json:"quantity"`
	Price          decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"price"`
	TimeInForce    TimeInForce         `gorm:"size:3;not null" json:"time_in_force"`
	Status         OrderStatus         `gorm:"size:16;not null;index" json:"status"`
	FilledQuantity int64               `gorm:"not null" json:"filled_quantity"`
	ReservedAmount decimal.Decimal     `gorm:"type:decimal(20,8);not null" json:"reserved_amount"`
	LockVersion    int64               `gorm:"not null" json:"lock_version"`
	IdempotencyKey *string             `gorm:"size:128;uniqueIndex:idx_orders_account_idempotency,priority:2" json:"idempotency_key,omitempty"`
	CorrelationID  string              `gorm:"size:64" json:"correlation_id"`
	RejectReason   string              `gorm:"size:255" json:"reject_reason,omitempty"`
	// QueuedAt orders resting entries of the same price. Modifying an order
	// moves it to the back of its level, so it is reset then.
	QueuedAt       time.Time           `gorm:"not null" json:"queued_at"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func (o *Order) RemainingQuantity() int64 {
	return o.Quantity - o.FilledQuantity
}

// LimitPrice returns the limit price, or zero for market orders.
func (o *Order) LimitPrice() decimal.Decimal {
	if !o.Price.Valid {
		return decimal.Zero
	}
	return o.Price.Decimal
}

// PricePtr is the nullable price used in event payloads.
func (o *Order) PricePtr() *decimal.Decimal {
	if !o.Price.Valid {
		return nil
	}
	p := o.Price.Decimal
	return &p
}

// ApplyFill adds qty to the filled quantity and moves the status following
// the fill rule: filled once filled_quantity reaches quantity, otherwise
// partially_filled.
func (o *Order) ApplyFill(qty int64) error {
	if qty <= 0 || o.FilledQuantity+qty > o.Quantity {
		return &ValidationError{Field: "quantity", Reason: "fill exceeds remaining quantity"}
	}
	next := StatusPartiallyFilled
	if o.FilledQuantity+qty >= o.Quantity {
		next = StatusFilled
	}
	if !o.Status.CanTransition(next) {
		return &TransitionError{From: o.Status, To: next}
	}
	o.FilledQuantity += qty
	o.Status = next
	return nil
}

// Trade is one leg of an execution. Every match produces two trades that
// share a MatchID.
type Trade struct {
	ID                  string          `gorm:"primaryKey;size:36" json:"id"`
	MatchID             string          `gorm:"size:36;not null;index" json:"match_id"`
	OrderID             string          `gorm:"size:36;not null;index" json:"order_id"`
	AccountID           string          `gorm:"size:64;not null;index" json:"account_id"`
	Symbol              string          `gorm:"size:5;not null;index" json:"symbol"`
	Direction           Direction       `gorm:"size:4;not null" json:"direction"`
	Quantity            int64           `gorm:"not null" json:"quantity"`
	Price               decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"price"`
	CounterpartyOrderID string          `gorm:"size:36;not null" json:"counterparty_order_id"`
	ExecutedAt          time.Time       `gorm:"not null" json:"executed_at"`
}

// Notional is quantity times price.
func Notional(qty int64, price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(qty))
}
