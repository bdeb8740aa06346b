package settlement

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSettling Status = "SETTLING"
	StatusSettled  Status = "SETTLED"
	StatusFailed   Status = "FAILED"
)

// Settlement records the cash leg of one match. The ledger movement is
// applied when the record is created; the status tracks the post-trade
// cycle up to the settlement date.
type Settlement struct {
	gorm.Model      `json:"-"`
	SettlementID    string          `gorm:"size:40;uniqueIndex" json:"settlement_id"`
	MatchID         string          `gorm:"size:36;uniqueIndex" json:"match_id"`
	Symbol          string          `gorm:"size:5;index" json:"symbol"`
	BuyOrderID      string          `gorm:"size:36;index" json:"buy_order_id"`
	SellOrderID     string          `gorm:"size:36;index" json:"sell_order_id"`
	BuyerAccountID  string          `gorm:"size:64;index" json:"buyer_account_id"`
	SellerAccountID string          `gorm:"size:64;index" json:"seller_account_id"`
	Quantity        int64           `json:"quantity"`
	Price           decimal.Decimal `gorm:"type:decimal(20,8)" json:"price"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,8)" json:"amount"`
	Currency        string          `gorm:"size:3" json:"currency"`
	Status          Status          `gorm:"size:16;index" json:"settlement_status"`
	SettlementDate  time.Time       `json:"settlement_date"`
}

// Match is the input for settling one execution between two orders.
type Match struct {
	MatchID         string
	Symbol          string
	Quantity        int64
	Price           decimal.Decimal
	BuyOrderID      string
	SellOrderID     string
	BuyerAccountID  string
	SellerAccountID string
}

// Amount is the cash value of the match.
func (m Match) Amount() decimal.Decimal {
	return m.Price.Mul(decimal.NewFromInt(m.Quantity))
}
