package types

import (
	"github.com/shopspring/decimal"
)

// BalanceResponse is the account balance view returned by the API.
type BalanceResponse struct {
	AccountID string          `json:"account_id"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}
