package outbox

import (
	"github.com/shopspring/decimal"
)

const (
	EntityOrder = "order"
	EntitySaga  = "saga"
)

type OrderCreated struct {
	OrderID     string           `json:"order_id"`
	AccountID   string           `json:"account_id"`
	Symbol      string           `json:"symbol"`
	Direction   string           `json:"direction"`
	OrderType   string           `json:"order_type"`
	Quantity    int64            `json:"quantity"`
	Price       *decimal.Decimal `json:"price"`
	TimeInForce string           `json:"time_in_force"`
	SagaID      string           `json:"saga_id,omitempty"`
}

type OrderRequested struct {
	OrderID       string           `json:"order_id"`
	ClientID      string           `json:"client_id"`
	Symbol        string           `json:"symbol"`
	Direction     string           `json:"direction"`
	OrderType     string           `json:"order_type"`
	Quantity      int64            `json:"quantity"`
	Price         *decimal.Decimal `json:"price"`
	EstimatedCost decimal.Decimal  `json:"estimated_cost"`
	CorrelationID string           `json:"correlation_id"`
}

type OrderCancelled struct {
	OrderID   string `json:"order_id"`
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

type OrderRejected struct {
	OrderID   string `json:"order_id"`
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

type OrderModified struct {
	OrderID     string          `json:"order_id"`
	AccountID   string          `json:"account_id"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	LockVersion int64           `json:"lock_version"`
}

type FundsReserved struct {
	OrderID        string          `json:"order_id"`
	ClientID       string          `json:"client_id"`
	ReservedAmount decimal.Decimal `json:"reserved_amount"`
}

type FundsReservationFailed struct {
	OrderID  string `json:"order_id"`
	ClientID string `json:"client_id"`
	Reason   string `json:"reason"`
}

type FundsReleased struct {
	OrderID  string          `json:"order_id"`
	ClientID string          `json:"client_id"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason,omitempty"`
}

type ExecutionReport struct {
	OrderID           string           `json:"order_id"`
	AccountID         string           `json:"account_id"`
	Symbol            string           `json:"symbol"`
	Status            string           `json:"status"`
	Quantity          int64            `json:"quantity"`
	Price             *decimal.Decimal `json:"price"`
	FilledQuantity    int64            `json:"filled_quantity"`
	RemainingQuantity int64            `json:"remaining_quantity"`
	TradeID           string           `json:"trade_id,omitempty"`
}

// SagaEvent is shared by every saga.* event.
type SagaEvent struct {
	SagaID        string `json:"saga_id"`
	CorrelationID string `json:"correlation_id"`
	Variant       string `json:"variant"`
	Step          string `json:"step,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	AccountID     string `json:"account_id,omitempty"`
	Error         string `json:"error,omitempty"`
	Compensated   bool   `json:"compensated,omitempty"`
}
