package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/brokerx/internal/types"
)

const DefaultCurrency = "USD"

// Ledger moves money between the available and reserved balances of a
// portfolio. Every mutation runs under a row lock on the portfolio. The
// account-level operations are not idempotent; the order-level operations
// are keyed by order id.
type Ledger struct {
	db       *gorm.DB
	currency string
	inTx     bool
}

func NewLedger(db *gorm.DB, currency string) *Ledger {
	if currency == "" {
		currency = DefaultCurrency
	}
	return &Ledger{db: db, currency: currency}
}

// WithTx returns a ledger whose operations join the caller's transaction.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, currency: l.currency, inTx: true}
}

func (l *Ledger) Currency() string {
	return l.currency
}

func (l *Ledger) transaction(ctx context.Context, fn func(tx *Ledger) error) error {
	if l.inTx {
		return fn(l)
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(l.WithTx(tx))
	})
}

// OpenAccount creates an empty portfolio, or returns the existing one.
func (l *Ledger) OpenAccount(ctx context.Context, accountID string) (*Portfolio, error) {
	p := Portfolio{
		AccountID:        accountID,
		Currency:         l.currency,
		AvailableBalance: decimal.Zero,
		ReservedBalance:  decimal.Zero,
	}
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&p).Error
	if err != nil {
		return nil, fmt.Errorf("failed to open account: %w", err)
	}
	return l.portfolio(ctx, accountID, false)
}

func (l *Ledger) portfolio(ctx context.Context, accountID string, lock bool) (*Portfolio, error) {
	q := l.db.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var p Portfolio
	if err := q.Where("account_id = ?", accountID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to fetch portfolio: %w", err)
	}
	return &p, nil
}

// mutate locks the portfolio row, applies fn and writes both balances back.
func (l *Ledger) mutate(ctx context.Context, op, accountID string, amount decimal.Decimal, fn func(p *Portfolio) error) (*Portfolio, error) {
	if !amount.IsPositive() {
		return nil, &types.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}

	var out *Portfolio
	err := l.transaction(ctx, func(tx *Ledger) error {
		p, err := tx.portfolio(ctx, accountID, true)
		if err != nil {
			return err
		}
		if p.Currency != tx.currency {
			return fmt.Errorf("%w: portfolio is %s, ledger is %s", types.ErrCurrencyMismatch, p.Currency, tx.currency)
		}
		if err := fn(p); err != nil {
			return err
		}
		if p.AvailableBalance.IsNegative() || p.ReservedBalance.IsNegative() {
			return fmt.Errorf("%s would leave a negative balance", op)
		}

		err = tx.db.WithContext(ctx).Model(p).Updates(map[string]interface{}{
			"available_balance": p.AvailableBalance,
			"reserved_balance":  p.ReservedBalance,
			"updated_at":        time.Now().UTC(),
		}).Error
		if err != nil {
			return fmt.Errorf("failed to update portfolio: %w", err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("component", "ledger").
		Str("op", op).
		Str("account_id", accountID).
		Str("amount", amount.String()).
		Str("available", out.AvailableBalance.String()).
		Str("reserved", out.ReservedBalance.String()).
		Msg("portfolio updated")
	return out, nil
}

// Credit adds amount to the available balance.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount decimal.Decimal) (*Portfolio, error) {
	return l.mutate(ctx, "credit", accountID, amount, func(p *Portfolio) error {
		p.AvailableBalance = p.AvailableBalance.Add(amount)
		return nil
	})
}

// Debit removes amount from the available balance.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount decimal.Decimal) (*Portfolio, error) {
	return l.mutate(ctx, "debit", accountID, amount, func(p *Portfolio) error {
		if p.AvailableBalance.LessThan(amount) {
			return types.ErrInsufficientFunds
		}
		p.AvailableBalance = p.AvailableBalance.Sub(amount)
		return nil
	})
}

// Reserve moves amount from available to reserved.
func (l *Ledger) Reserve(ctx context.Context, accountID string, amount decimal.Decimal) (*Portfolio, error) {
	return l.mutate(ctx, "reserve", accountID, amount, func(p *Portfolio) error {
		if p.AvailableBalance.LessThan(amount) {
			return types.ErrInsufficientFunds
		}
		p.AvailableBalance = p.AvailableBalance.Sub(amount)
		p.ReservedBalance = p.ReservedBalance.Add(amount)
		return nil
	})
}

// Release moves amount from reserved back to available. Releasing more than
// is reserved is an error.
func (l *Ledger) Release(ctx context.Context, accountID string, amount decimal.Decimal) (*Portfolio, error) {
	return l.mutate(ctx, "release", accountID, amount, func(p *Portfolio) error {
		if p.ReservedBalance.LessThan(amount) {
			return types.ErrInsufficientReserved
		}
		p.ReservedBalance = p.ReservedBalance.Sub(amount)
		p.AvailableBalance = p.AvailableBalance.Add(amount)
		return nil
	})
}

// SettleReserved debits amount out of the reserved balance, used when a
// reserved buy is filled.
func (l *Ledger) SettleReserved(ctx context.Context, accountID string, amount decimal.Decimal) (*Portfolio, error) {
	return l.mutate(ctx, "settle", accountID, amount, func(p *Portfolio) error {
		if p.ReservedBalance.LessThan(amount) {
			return types.ErrInsufficientReserved
		}
		p.ReservedBalance = p.ReservedBalance.Sub(amount)
		return nil
	})
}

func (l *Ledger) Balance(ctx context.Context, accountID string) (Balance, error) {
	p, err := l.portfolio(ctx, accountID, false)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		AccountID: p.AccountID,
		Currency:  p.Currency,
		Available: p.AvailableBalance,
		Reserved:  p.ReservedBalance,
	}, nil
}
