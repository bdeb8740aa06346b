package trading

import (
	"github.com/shopspring/decimal"

	"github.com/ksred/brokerx/internal/types"
)

// ModifyOrderRequest amends a working limit order. LockVersion, when set,
// must match the stored version.
type ModifyOrderRequest struct {
	Quantity    int64            `json:"quantity" binding:"required,gt=0"`
	Price       *decimal.Decimal `json:"price" binding:"required"`
	LockVersion *int64           `json:"lock_version"`
}

type CancelOrderRequest struct {
	LockVersion *int64 `json:"lock_version"`
	Reason      string `json:"reason"`
}

type DepositRequest struct {
	AccountID string          `json:"account_id" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
}

// OrderFilter narrows an account's order listing.
type OrderFilter struct {
	Status types.OrderStatus `form:"status"`
	Symbol string            `form:"symbol"`
	Limit  int               `form:"limit"`
	Offset int               `form:"offset"`
}

// OrderDetail is an order with its executions.
type OrderDetail struct {
	*types.Order
	Trades []types.Trade `json:"trades"`
}
