package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Portfolio holds one account's cash balances. Both balances stay >= 0.
type Portfolio struct {
	ID               uint            `gorm:"primaryKey" json:"-"`
	AccountID        string          `gorm:"size:64;uniqueIndex;not null" json:"account_id"`
	Currency         string          `gorm:"size:3;not null" json:"currency"`
	AvailableBalance decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"available_balance"`
	ReservedBalance  decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"reserved_balance"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Total is available plus reserved.
func (p *Portfolio) Total() decimal.Decimal {
	return p.AvailableBalance.Add(p.ReservedBalance)
}

type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "reserved"
	ReservationSettled  ReservationStatus = "settled"
	ReservationReleased ReservationStatus = "released"
)

// FundReservation tracks the funds held for one order. Amount is what is
// still outstanding; Original is what was first reserved.
type FundReservation struct {
	OrderID       string            `gorm:"primaryKey;size:36" json:"order_id"`
	AccountID     string            `gorm:"size:64;not null;index" json:"account_id"`
	Original      decimal.Decimal   `gorm:"type:decimal(20,8);not null" json:"original"`
	Amount        decimal.Decimal   `gorm:"type:decimal(20,8);not null" json:"amount"`
	Settled       decimal.Decimal   `gorm:"type:decimal(20,8);not null" json:"settled"`
	Status        ReservationStatus `gorm:"size:16;not null;index" json:"status"`
	CorrelationID string            `gorm:"size:64" json:"correlation_id"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Balance is a point-in-time view of a portfolio.
type Balance struct {
	AccountID string
	Currency  string
	Available decimal.Decimal
	Reserved  decimal.Decimal
}
