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

func (l *Ledger) reservation(ctx context.Context, orderID string, lock bool) (*FundReservation, error) {
	q := l.db.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var r FundReservation
	if err := q.Where("order_id = ?", orderID).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to fetch reservation: %w", err)
	}
	return &r, nil
}

func (l *Ledger) GetReservation(ctx context.Context, orderID string) (*FundReservation, error) {
	return l.reservation(ctx, orderID, false)
}

func (l *Ledger) saveReservation(ctx context.Context, r *FundReservation) error {
	err := l.db.WithContext(ctx).Model(r).Updates(map[string]interface{}{
		"original":   r.Original,
		"amount":     r.Amount,
		"settled":    r.Settled,
		"status":     r.Status,
		"updated_at": time.Now().UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	return nil
}

// ReserveForOrder reserves amount for an order exactly once. A repeated call
// for the same order returns the existing reservation and created=false
// without touching the portfolio.
func (l *Ledger) ReserveForOrder(ctx context.Context, orderID, accountID string, amount decimal.Decimal, correlationID string) (*FundReservation, bool, error) {
	var (
		out     *FundReservation
		created bool
	)
	err := l.transaction(ctx, func(tx *Ledger) error {
		existing, err := tx.reservation(ctx, orderID, true)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, types.ErrReservationNotFound) {
			return err
		}

		if _, err := tx.Reserve(ctx, accountID, amount); err != nil {
			return err
		}

		r := FundReservation{
			OrderID:       orderID,
			AccountID:     accountID,
			Original:      amount,
			Amount:        amount,
			Settled:       decimal.Zero,
			Status:        ReservationReserved,
			CorrelationID: correlationID,
		}
		if err := tx.db.WithContext(ctx).Create(&r).Error; err != nil {
			return fmt.Errorf("failed to create reservation: %w", err)
		}
		out, created = &r, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		log.Info().
			Str("component", "ledger").
			Str("order_id", orderID).
			Str("account_id", accountID).
			Str("amount", amount.String()).
			Msg("funds reserved for order")
	}
	return out, created, nil
}

// TopUpForOrder reserves additional funds against an open reservation.
func (l *Ledger) TopUpForOrder(ctx context.Context, orderID string, amount decimal.Decimal) (*FundReservation, error) {
	var out *FundReservation
	err := l.transaction(ctx, func(tx *Ledger) error {
		r, err := tx.reservation(ctx, orderID, true)
		if err != nil {
			return err
		}
		if r.Status != ReservationReserved {
			return types.ErrReservationClosed
		}
		if _, err := tx.Reserve(ctx, r.AccountID, amount); err != nil {
			return err
		}
		r.Amount = r.Amount.Add(amount)
		r.Original = r.Original.Add(amount)
		out = r
		return tx.saveReservation(ctx, r)
	})
	return out, err
}

// ReleaseForOrder returns amount of an order's outstanding reservation to the
// available balance. Releasing more than is outstanding fails with
// ErrOverRelease rather than clamping.
func (l *Ledger) ReleaseForOrder(ctx context.Context, orderID string, amount decimal.Decimal, reason string) (*FundReservation, error) {
	var out *FundReservation
	err := l.transaction(ctx, func(tx *Ledger) error {
		r, err := tx.reservation(ctx, orderID, true)
		if err != nil {
			return err
		}
		if r.Status != ReservationReserved {
			return types.ErrReservationClosed
		}
		if amount.GreaterThan(r.Amount) {
			return fmt.Errorf("%w: releasing %s of %s outstanding", types.ErrOverRelease, amount, r.Amount)
		}
		if _, err := tx.Release(ctx, r.AccountID, amount); err != nil {
			return err
		}

		r.Amount = r.Amount.Sub(amount)
		if r.Amount.IsZero() {
			r.Status = closedStatus(r)
		}
		out = r
		return tx.saveReservation(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("component", "ledger").
		Str("order_id", orderID).
		Str("amount", amount.String()).
		Str("reason", reason).
		Msg("reserved funds released")
	return out, nil
}

// ReleaseRemainingForOrder releases whatever is still outstanding for the
// order and returns the released amount. Orders without an open reservation
// release nothing.
func (l *Ledger) ReleaseRemainingForOrder(ctx context.Context, orderID, reason string) (decimal.Decimal, error) {
	released := decimal.Zero
	err := l.transaction(ctx, func(tx *Ledger) error {
		r, err := tx.reservation(ctx, orderID, true)
		if errors.Is(err, types.ErrReservationNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if r.Status != ReservationReserved {
			return nil
		}
		if r.Amount.IsZero() {
			r.Status = closedStatus(r)
			return tx.saveReservation(ctx, r)
		}
		if _, err := tx.ReleaseForOrder(ctx, orderID, r.Amount, reason); err != nil {
			return err
		}
		released = r.Amount
		return nil
	})
	return released, err
}

// SettleForOrder consumes amount of the order's reservation for a fill.
func (l *Ledger) SettleForOrder(ctx context.Context, orderID string, amount decimal.Decimal) (*FundReservation, error) {
	var out *FundReservation
	err := l.transaction(ctx, func(tx *Ledger) error {
		r, err := tx.reservation(ctx, orderID, true)
		if err != nil {
			return err
		}
		if r.Status != ReservationReserved {
			return types.ErrReservationClosed
		}
		if amount.GreaterThan(r.Amount) {
			return fmt.Errorf("%w: settling %s of %s outstanding", types.ErrInsufficientReserved, amount, r.Amount)
		}
		if _, err := tx.SettleReserved(ctx, r.AccountID, amount); err != nil {
			return err
		}

		r.Amount = r.Amount.Sub(amount)
		r.Settled = r.Settled.Add(amount)
		if r.Amount.IsZero() {
			r.Status = ReservationSettled
		}
		out = r
		return tx.saveReservation(ctx, r)
	})
	return out, err
}

func closedStatus(r *FundReservation) ReservationStatus {
	if r.Settled.IsPositive() {
		return ReservationSettled
	}
	return ReservationReleased
}
