package matching

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/brokerx/internal/ledger"
	"github.com/ksred/brokerx/internal/orders"
	"github.com/ksred/brokerx/internal/outbox"
	"github.com/ksred/brokerx/internal/settlement"
	"github.com/ksred/brokerx/internal/testutil"
	"github.com/ksred/brokerx/internal/types"
)

type harness struct {
	t      *testing.T
	db     *gorm.DB
	repo   *orders.Repository
	ledger *ledger.Ledger
	store  *outbox.Store
	engine *Engine
	seq    int
}

func newHarness(t *testing.T, cfg Config) *harness {
	db := testutil.NewDB(t,
		&types.Order{}, &types.Trade{}, &outbox.Event{},
		&ledger.Portfolio{}, &ledger.FundReservation{}, &settlement.Settlement{},
	)
	l := ledger.NewLedger(db, "USD")
	repo := orders.NewRepository(db)
	h := &harness{
		t:      t,
		db:     db,
		repo:   repo,
		ledger: l,
		store:  outbox.NewStore(db),
		engine: NewEngine(db, repo, settlement.NewService(db, l, 0), nil, nil, cfg),
	}
	return h
}

func (h *harness) fund(accountID string, amount int64) {
	ctx := context.Background()
	_, err := h.ledger.OpenAccount(ctx, accountID)
	require.NoError(h.t, err)
	_, err = h.ledger.Credit(ctx, accountID, decimal.NewFromInt(amount))
	require.NoError(h.t, err)
}

// place creates an order, reserving funds for buys, without matching it.
func (h *harness) place(accountID string, dir types.Direction, typ types.OrderType, qty int64, price int64, tif types.TimeInForce, reserve int64) *types.Order {
	ctx := context.Background()
	h.seq++
	o := &types.Order{
		ID:          fmt.Sprintf("%s-%s-%d", accountID, dir, h.seq),
		AccountID:   accountID,
		Symbol:      "AAPL",
		Direction:   dir,
		OrderType:   typ,
		Quantity:    qty,
		TimeInForce: tif,
	}
	if typ == types.Limit {
		o.Price = decimal.NewNullDecimal(decimal.NewFromInt(price))
	}
	if dir == types.Buy && reserve > 0 {
		_, _, err := h.ledger.ReserveForOrder(ctx, o.ID, accountID, decimal.NewFromInt(reserve), "")
		require.NoError(h.t, err)
		o.ReservedAmount = decimal.NewFromInt(reserve)
	}
	created, _, err := h.repo.Create(ctx, o)
	require.NoError(h.t, err)
	return created
}

func (h *harness) submit(o *types.Order) *types.Order {
	ctx := context.Background()
	require.NoError(h.t, h.engine.Process(ctx, o.ID))
	got, err := h.repo.Find(ctx, o.ID)
	require.NoError(h.t, err)
	return got
}

func (h *harness) limit(accountID string, dir types.Direction, qty, price int64) *types.Order {
	reserve := int64(0)
	if dir == types.Buy {
		reserve = qty * price
	}
	return h.submit(h.place(accountID, dir, types.Limit, qty, price, types.GTC, reserve))
}

func (h *harness) reports(orderID string) []outbox.ExecutionReport {
	events, err := h.store.ListByEntity(context.Background(), outbox.EntityOrder, orderID)
	require.NoError(h.t, err)
	var out []outbox.ExecutionReport
	for _, evt := range events {
		if evt.EventType != outbox.EventExecutionReport {
			continue
		}
		var r outbox.ExecutionReport
		require.NoError(h.t, evt.Decode(&r))
		out = append(out, r)
	}
	return out
}

func (h *harness) balance(accountID string) ledger.Balance {
	b, err := h.ledger.Balance(context.Background(), accountID)
	require.NoError(h.t, err)
	return b
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestPriceTimePriority(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.fund("buyer", 1000)

	s1 := h.limit("seller-a", types.Sell, 10, 11)
	s2 := h.limit("seller-b", types.Sell, 5, 10)
	s3 := h.limit("seller-c", types.Sell, 5, 10)

	buy := h.submit(h.place("buyer", types.Buy, types.Market, 12, 0, types.DAY, 200))
	assert.Equal(t, types.StatusFilled, buy.Status)

	trades, err := h.repo.ListTrades(ctx, buy.ID)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, s2.ID, trades[0].CounterpartyOrderID)
	assert.Equal(t, s3.ID, trades[1].CounterpartyOrderID)
	assert.Equal(t, s1.ID, trades[2].CounterpartyOrderID)
	assert.EqualValues(t, 2, trades[2].Quantity)
	assert.True(t, trades[2].Price.Equal(dec(11)))

	for id, want := range map[string]types.OrderStatus{s1.ID: types.StatusPartiallyFilled, s2.ID: types.StatusFilled, s3.ID: types.StatusFilled} {
		o, err := h.repo.Find(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, o.Status, id)
	}

	// 5*10 + 5*10 + 2*11 spent, the rest of the 200 released.
	b := h.balance("buyer")
	assert.True(t, b.Available.Equal(dec(878)), b.Available.String())
	assert.True(t, b.Reserved.IsZero())

	depth := h.engine.Depth("AAPL", 5)
	require.Len(t, depth.Asks, 1)
	assert.EqualValues(t, 8, depth.Asks[0].Quantity)

	price, ok := h.engine.ReferencePrice("AAPL")
	require.True(t, ok)
	assert.True(t, price.Equal(dec(11)))
}

func TestNoSelfMatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.fund("acc-1", 1000)

	sell := h.limit("acc-1", types.Sell, 5, 10)
	buy := h.limit("acc-1", types.Buy, 5, 10)
	assert.Equal(t, types.StatusWorking, sell.Status)
	assert.Equal(t, types.StatusWorking, buy.Status)

	var trades int64
	require.NoError(t, h.db.Model(&types.Trade{}).Count(&trades).Error)
	assert.Zero(t, trades)

	// The account's own orders rest against each other at the same price.
	depth := h.engine.Depth("AAPL", 5)
	require.Len(t, depth.Bids, 1)
	require.Len(t, depth.Asks, 1)
	assert.EqualValues(t, 5, depth.Bids[0].Quantity)
	assert.EqualValues(t, 5, depth.Asks[0].Quantity)
	assert.True(t, depth.Bids[0].Price.Equal(depth.Asks[0].Price))

	// Another account's sell trades with the resting buy, not with acc-1's own sell.
	other := h.limit("acc-2", types.Sell, 5, 10)
	assert.Equal(t, types.StatusFilled, other.Status)

	sell, err := h.repo.Find(ctx, sell.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWorking, sell.Status)
	assert.True(t, h.engine.InBook("AAPL", sell.ID))
	assert.False(t, h.engine.InBook("AAPL", buy.ID))
}

func TestBackToBackCross(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.fund("buyer", 1000)

	buy := h.limit("buyer", types.Buy, 5, 50)
	sell := h.limit("seller", types.Sell, 5, 50)

	buy, err := h.repo.Find(context.Background(), buy.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, buy.Status)
	assert.Equal(t, types.StatusFilled, sell.Status)

	filled := 0
	for _, id := range []string{buy.ID, sell.ID} {
		reports := h.reports(id)
		require.NotEmpty(t, reports)
		last := reports[len(reports)-1]
		if last.Status == string(types.StatusFilled) {
			filled++
			assert.EqualValues(t, 5, last.FilledQuantity)
			assert.Zero(t, last.RemainingQuantity)
		}
	}
	assert.Equal(t, 2, filled)

	assert.True(t, h.balance("buyer").Available.Equal(dec(750)))
	assert.True(t, h.balance("buyer").Reserved.IsZero())
	assert.True(t, h.balance("seller").Available.Equal(dec(250)))
}

func TestWorkingReportForUnmatchedLimit(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.fund("buyer", 1000)

	buy := h.limit("buyer", types.Buy, 10, 50)
	assert.Equal(t, types.StatusWorking, buy.Status)

	reports := h.reports(buy.ID)
	require.Len(t, reports, 1)
	assert.Equal(t, string(types.StatusWorking), reports[0].Status)
	assert.True(t, h.engine.InBook("AAPL", buy.ID))
}

func TestFillOrKillAndImmediateOrCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.fund("buyer", 1000)
	h.limit("seller", types.Sell, 5, 10)

	fok := h.submit(h.place("buyer", types.Buy, types.Limit, 10, 10, types.FOK, 100))
	assert.Equal(t, types.StatusCancelled, fok.Status)
	assert.Zero(t, fok.FilledQuantity)
	assert.True(t, h.balance("buyer").Available.Equal(dec(1000)))

	ioc := h.submit(h.place("buyer", types.Buy, types.Limit, 10, 10, types.IOC, 100))
	assert.Equal(t, types.StatusCancelled, ioc.Status)
	assert.EqualValues(t, 5, ioc.FilledQuantity)
	assert.False(t, h.engine.InBook("AAPL", ioc.ID))

	b := h.balance("buyer")
	assert.True(t, b.Available.Equal(dec(950)), b.Available.String())
	assert.True(t, b.Reserved.IsZero())

	events, err := h.store.ListByType(ctx, outbox.EventFundsReleased)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestMarketBuyStaysWithinReservation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.fund("buyer", 1000)
	h.limit("seller", types.Sell, 10, 10)

	buy := h.submit(h.place("buyer", types.Buy, types.Market, 10, 0, types.DAY, 55))
	assert.Equal(t, types.StatusCancelled, buy.Status)
	assert.EqualValues(t, 5, buy.FilledQuantity)

	b := h.balance("buyer")
	assert.True(t, b.Available.Equal(dec(950)), b.Available.String())
	assert.True(t, b.Reserved.IsZero())
}

func TestMarketOrderWithoutLiquidityIsCancelled(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	sell := h.submit(h.place("seller", types.Sell, types.Market, 10, 0, types.DAY, 0))
	assert.Equal(t, types.StatusCancelled, sell.Status)
	assert.False(t, h.engine.InBook("AAPL", sell.ID))
}

func TestProcessIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.fund("buyer", 1000)
	h.limit("seller", types.Sell, 5, 10)

	buy := h.place("buyer", types.Buy, types.Limit, 5, 10, types.GTC, 50)
	require.NoError(t, h.engine.Process(ctx, buy.ID))
	require.NoError(t, h.engine.Process(ctx, buy.ID))

	trades, err := h.repo.ListTrades(ctx, buy.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestFailedMatchRejectsOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	sell := h.limit("seller", types.Sell, 5, 10)

	// A buy without a ledger reservation cannot settle.
	buy := h.place("ghost", types.Buy, types.Limit, 5, 10, types.GTC, 0)
	require.Error(t, h.engine.Process(ctx, buy.ID))

	buy, err := h.repo.Find(ctx, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, buy.Status)
	assert.NotEmpty(t, buy.RejectReason)

	rejected, err := h.store.ListByType(ctx, outbox.EventOrderRejected)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, buy.ID, rejected[0].EntityID)

	sell, err = h.repo.Find(ctx, sell.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWorking, sell.Status)
	assert.True(t, h.engine.InBook("AAPL", sell.ID))

	var trades int64
	require.NoError(t, h.db.Model(&types.Trade{}).Count(&trades).Error)
	assert.Zero(t, trades)
}

func TestSubmitBackPressure(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 1})

	require.NoError(t, h.engine.Submit("a"))
	assert.ErrorIs(t, h.engine.Submit("b"), types.ErrQueueFull)
	assert.Equal(t, 1, h.engine.QueueDepth())

	h.engine.Stop()
	assert.ErrorIs(t, h.engine.Submit("c"), types.ErrEngineStopped)
}

func TestWorkersProcessQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.fund("buyer", 1000)

	h.engine.Start(ctx)
	defer h.engine.Stop()

	// An unknown id must not stop the worker.
	require.NoError(t, h.engine.Submit("missing"))

	buy := h.place("buyer", types.Buy, types.Limit, 5, 10, types.GTC, 50)
	require.NoError(t, h.engine.Submit(buy.ID))

	require.Eventually(t, func() bool {
		o, err := h.repo.Find(ctx, buy.ID)
		return err == nil && o.Status == types.StatusWorking
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecoverRebuildsBooks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.fund("buyer", 1000)

	first := h.limit("seller-a", types.Sell, 5, 10)
	second := h.limit("seller-b", types.Sell, 5, 10)
	h.limit("buyer", types.Buy, 2, 10)
	pending := h.place("buyer", types.Buy, types.Limit, 1, 9, types.GTC, 9)

	fresh := NewEngine(h.db, h.repo, settlement.NewService(h.db, h.ledger, 0), nil, nil, DefaultConfig())
	require.NoError(t, fresh.Recover(ctx))

	assert.True(t, fresh.InBook("AAPL", first.ID))
	assert.True(t, fresh.InBook("AAPL", second.ID))
	assert.Equal(t, 1, fresh.QueueDepth(), "new order resubmitted")

	price, ok := fresh.ReferencePrice("AAPL")
	require.True(t, ok)
	assert.True(t, price.Equal(dec(10)))

	// Priority survives the restart: the partially filled first seller is
	// still ahead of the second.
	require.NoError(t, fresh.Process(ctx, pending.ID))
	h.engine = fresh
	buy := h.limit("buyer", types.Buy, 3, 10)
	assert.Equal(t, types.StatusFilled, buy.Status)

	trades, err := h.repo.ListTrades(ctx, buy.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, first.ID, trades[0].CounterpartyOrderID)
}

func TestWithBookRemove(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	sell := h.limit("seller", types.Sell, 5, 10)

	err := h.engine.WithBook("AAPL", func(tx *BookTx) error {
		assert.True(t, tx.Contains(sell.ID))
		assert.True(t, tx.Remove(sell.ID))
		assert.False(t, tx.Remove(sell.ID))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, h.engine.InBook("AAPL", sell.ID))
	assert.Empty(t, h.engine.Depth("AAPL", 0).Asks)
}
