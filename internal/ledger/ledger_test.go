package ledger

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/brokerx/internal/eventbus"
	"github.com/ksred/brokerx/internal/outbox"
	"github.com/ksred/brokerx/internal/testutil"
	"github.com/ksred/brokerx/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "want %s, got %s", want, got)
}

func newLedger(t *testing.T) (*Ledger, *gorm.DB) {
	db := testutil.NewDB(t, &Portfolio{}, &FundReservation{}, &outbox.Event{})
	return NewLedger(db, "USD"), db
}

func funded(t *testing.T, l *Ledger, accountID, amount string) {
	t.Helper()
	ctx := context.Background()
	_, err := l.OpenAccount(ctx, accountID)
	require.NoError(t, err)
	if d(amount).IsPositive() {
		_, err = l.Credit(ctx, accountID, d(amount))
		require.NoError(t, err)
	}
}

func TestReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	funded(t, l, "acc-1", "10000")

	p, err := l.Reserve(ctx, "acc-1", d("1500"))
	require.NoError(t, err)
	assertDecimal(t, "8500", p.AvailableBalance)
	assertDecimal(t, "1500", p.ReservedBalance)

	p, err = l.Release(ctx, "acc-1", d("1500"))
	require.NoError(t, err)
	assertDecimal(t, "10000", p.AvailableBalance)
	assertDecimal(t, "0", p.ReservedBalance)
}

func TestReserveErrors(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	funded(t, l, "broke", "0")

	_, err := l.Reserve(ctx, "broke", d("20000"))
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)

	_, err = l.Reserve(ctx, "ghost", d("1"))
	assert.ErrorIs(t, err, types.ErrAccountNotFound)

	_, err = l.Release(ctx, "broke", d("1"))
	assert.ErrorIs(t, err, types.ErrInsufficientReserved)

	_, err = l.Reserve(ctx, "broke", d("-5"))
	assert.True(t, types.IsValidation(err))

	bal, err := l.Balance(ctx, "broke")
	require.NoError(t, err)
	assertDecimal(t, "0", bal.Available)
	assertDecimal(t, "0", bal.Reserved)
}

func TestCurrencyChecked(t *testing.T) {
	ctx := context.Background()
	l, db := newLedger(t)
	require.NoError(t, db.Create(&Portfolio{
		AccountID:        "eur-acc",
		Currency:         "EUR",
		AvailableBalance: d("100"),
		ReservedBalance:  decimal.Zero,
	}).Error)

	_, err := l.Reserve(ctx, "eur-acc", d("10"))
	assert.ErrorIs(t, err, types.ErrCurrencyMismatch)
	_, err = l.Credit(ctx, "eur-acc", d("10"))
	assert.ErrorIs(t, err, types.ErrCurrencyMismatch)
}

func TestReservationsConserveTotal(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	funded(t, l, "acc-1", "5000")

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		amount := decimal.NewFromInt(int64(rng.Intn(900) + 1))
		if rng.Intn(2) == 0 {
			_, _ = l.Reserve(ctx, "acc-1", amount)
		} else {
			_, _ = l.Release(ctx, "acc-1", amount)
		}

		bal, err := l.Balance(ctx, "acc-1")
		require.NoError(t, err)
		require.True(t, bal.Available.Add(bal.Reserved).Equal(d("5000")), "iteration %d", i)
		require.False(t, bal.Available.IsNegative())
		require.False(t, bal.Reserved.IsNegative())
	}

	_, err := l.Debit(ctx, "acc-1", d("100"))
	if err == nil {
		bal, err := l.Balance(ctx, "acc-1")
		require.NoError(t, err)
		assert.True(t, bal.Available.Add(bal.Reserved).Equal(d("4900")))
	}
}

func TestConcurrentReservationsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	funded(t, l, "acc-1", "1000")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "acc-1", d("100")); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	bal, err := l.Balance(ctx, "acc-1")
	require.NoError(t, err)
	assertDecimal(t, "0", bal.Available)
	assertDecimal(t, "1000", bal.Reserved)
}

func TestReserveForOrderIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	funded(t, l, "acc-1", "10000")

	r, created, err := l.ReserveForOrder(ctx, "order-1", "acc-1", d("1500"), "corr-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, ReservationReserved, r.Status)

	again, created, err := l.ReserveForOrder(ctx, "order-1", "acc-1", d("1500"), "corr-1")
	require.NoError(t, err)
	assert.False(t, created)
	assertDecimal(t, "1500", again.Amount)

	bal, err := l.Balance(ctx, "acc-1")
	require.NoError(t, err)
	assertDecimal(t, "8500", bal.Available)
	assertDecimal(t, "1500", bal.Reserved)
}

func TestReleaseForOrderFailsLoudlyOnOverRelease(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	funded(t, l, "acc-1", "1000")

	_, _, err := l.ReserveForOrder(ctx, "order-1", "acc-1", d("300"), "")
	require.NoError(t, err)

	_, err = l.ReleaseForOrder(ctx, "order-1", d("400"), "cancel")
	assert.ErrorIs(t, err, types.ErrOverRelease)

	r, err := l.ReleaseForOrder(ctx, "order-1", d("300"), "cancel")
	require.NoError(t, err)
	assert.Equal(t, ReservationReleased, r.Status)

	_, err = l.ReleaseForOrder(ctx, "order-1", d("1"), "cancel")
	assert.ErrorIs(t, err, types.ErrReservationClosed)

	bal, err := l.Balance(ctx, "acc-1")
	require.NoError(t, err)
	assertDecimal(t, "1000", bal.Available)
	assertDecimal(t, "0", bal.Reserved)
}

func TestSettleThenReleaseRemainder(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	funded(t, l, "acc-1", "2000")

	_, _, err := l.ReserveForOrder(ctx, "order-1", "acc-1", d("1500"), "")
	require.NoError(t, err)

	r, err := l.SettleForOrder(ctx, "order-1", d("1400"))
	require.NoError(t, err)
	assertDecimal(t, "100", r.Amount)
	assert.Equal(t, ReservationReserved, r.Status)

	released, err := l.ReleaseRemainingForOrder(ctx, "order-1", "filled below limit")
	require.NoError(t, err)
	assertDecimal(t, "100", released)

	r, err = l.GetReservation(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, ReservationSettled, r.Status)

	bal, err := l.Balance(ctx, "acc-1")
	require.NoError(t, err)
	assertDecimal(t, "600", bal.Available)
	assertDecimal(t, "0", bal.Reserved)

	none, err := l.ReleaseRemainingForOrder(ctx, "sell-order", "no reservation")
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}

func TestTopUpForOrder(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	funded(t, l, "acc-1", "1000")

	_, _, err := l.ReserveForOrder(ctx, "order-1", "acc-1", d("300"), "")
	require.NoError(t, err)
	r, err := l.TopUpForOrder(ctx, "order-1", d("200"))
	require.NoError(t, err)
	assertDecimal(t, "500", r.Amount)
	assertDecimal(t, "500", r.Original)

	_, err = l.TopUpForOrder(ctx, "order-1", d("600"))
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)
}

func requested(t *testing.T, orderID, clientID, cost string) eventbus.Message {
	msg, err := eventbus.NewMessage(string(outbox.EventOrderRequested), orderID, outbox.OrderRequested{
		OrderID:       orderID,
		ClientID:      clientID,
		Symbol:        "AAPL",
		Direction:     "buy",
		OrderType:     "limit",
		Quantity:      10,
		EstimatedCost: d(cost),
		CorrelationID: "corr-" + orderID,
	})
	require.NoError(t, err)
	return msg
}

func TestFundsHandlerReservesOnce(t *testing.T) {
	ctx := context.Background()
	l, db := newLedger(t)
	funded(t, l, "acc-1", "10000")
	store := outbox.NewStore(db)
	h := NewFundsHandler(db, l, store)

	msg := requested(t, "order-1", "acc-1", "1500")
	require.NoError(t, h.HandleOrderRequested(ctx, msg))
	require.NoError(t, h.HandleOrderRequested(ctx, msg))

	events, err := store.ListByEntity(ctx, outbox.EntityOrder, "order-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, outbox.EventFundsReserved, events[0].EventType)

	var payload outbox.FundsReserved
	require.NoError(t, events[0].Decode(&payload))
	assertDecimal(t, "1500", payload.ReservedAmount)

	bal, err := l.Balance(ctx, "acc-1")
	require.NoError(t, err)
	assertDecimal(t, "1500", bal.Reserved)
}

func TestFundsHandlerRejectsInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	l, db := newLedger(t)
	funded(t, l, "acc-1", "100")
	store := outbox.NewStore(db)
	h := NewFundsHandler(db, l, store)

	require.NoError(t, h.HandleOrderRequested(ctx, requested(t, "order-1", "acc-1", "1500")))

	events, err := store.ListByEntity(ctx, outbox.EntityOrder, "order-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, outbox.EventFundsReservationFailed, events[0].EventType)

	var payload outbox.FundsReservationFailed
	require.NoError(t, events[0].Decode(&payload))
	assert.Contains(t, payload.Reason, "insufficient funds")

	_, err = l.GetReservation(ctx, "order-1")
	assert.ErrorIs(t, err, types.ErrReservationNotFound)
}
