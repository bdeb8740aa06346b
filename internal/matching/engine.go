package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"gorm.io/gorm"

	"github.com/ksred/brokerx/internal/broadcast"
	"github.com/ksred/brokerx/internal/metrics"
	"github.com/ksred/brokerx/internal/orders"
	"github.com/ksred/brokerx/internal/outbox"
	"github.com/ksred/brokerx/internal/settlement"
	"github.com/ksred/brokerx/internal/types"
)

type Config struct {
	QueueSize    int
	Workers      int
	RestartDelay time.Duration
}

func DefaultConfig() Config {
	return Config{QueueSize: 1024, Workers: 1, RestartDelay: time.Second}
}

// Engine owns one order book per symbol and matches submitted orders.
// Orders arrive through a bounded queue and are processed by supervised
// workers; every match is persisted in its own transaction before the
// in-memory book changes.
type Engine struct {
	db          *gorm.DB
	orders      *orders.Repository
	settlement  *settlement.Service
	broadcaster broadcast.Broadcaster
	metrics     *metrics.Metrics
	cfg         Config
	now         func() time.Time

	queue   chan string
	stopped atomic.Bool
	cancel  context.CancelFunc
	wg      conc.WaitGroup

	mu        sync.RWMutex
	books     map[string]*OrderBook
	lastPrice map[string]decimal.Decimal
}

func NewEngine(db *gorm.DB, repo *orders.Repository, settle *settlement.Service, b broadcast.Broadcaster, m *metrics.Metrics, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = def.RestartDelay
	}
	if b == nil {
		b = broadcast.Nop{}
	}
	return &Engine{
		db:          db,
		orders:      repo,
		settlement:  settle,
		broadcaster: b,
		metrics:     m,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		queue:       make(chan string, cfg.QueueSize),
		books:       make(map[string]*OrderBook),
		lastPrice:   make(map[string]decimal.Decimal),
	}
}

func (e *Engine) book(symbol string) *OrderBook {
	e.mu.RLock()
	b, ok := e.books[symbol]
	e.mu.RUnlock()
	if ok {
		return b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok = e.books[symbol]; !ok {
		b = NewOrderBook(symbol)
		e.books[symbol] = b
	}
	return b
}

// Submit enqueues an order for matching. It never blocks: a full queue
// returns ErrQueueFull.
func (e *Engine) Submit(orderID string) error {
	if e.stopped.Load() {
		return types.ErrEngineStopped
	}
	select {
	case e.queue <- orderID:
		e.metrics.QueueDepth(len(e.queue))
		return nil
	default:
		return types.ErrQueueFull
	}
}

// QueueDepth is the number of orders waiting to be processed.
func (e *Engine) QueueDepth() int {
	return len(e.queue)
}

// Start launches the workers. They run until Stop or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Go(func() { e.supervise(ctx, i) })
	}
	log.Info().Str("component", "matching_engine").Int("workers", e.cfg.Workers).Int("queue_size", e.cfg.QueueSize).Msg("matching engine started")
}

// Stop rejects new submissions and waits for the workers to exit.
func (e *Engine) Stop() {
	e.stopped.Store(true)
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// supervise restarts the worker loop if it ever dies.
func (e *Engine) supervise(ctx context.Context, worker int) {
	logger := log.With().Str("component", "matching_engine").Int("worker", worker).Logger()
	for {
		r := panics.Try(func() { e.work(ctx) })
		if ctx.Err() != nil {
			return
		}
		if r != nil {
			logger.Error().Err(r.AsError()).Msg("matching worker crashed, restarting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.RestartDelay):
		}
	}
}

func (e *Engine) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case orderID := <-e.queue:
			e.metrics.QueueDepth(len(e.queue))
			var err error
			if r := panics.Try(func() { err = e.Process(ctx, orderID) }); r != nil {
				err = r.AsError()
			}
			if err != nil {
				log.Error().Err(err).Str("component", "matching_engine").Str("order_id", orderID).Msg("failed to process order")
			}
		}
	}
}

// Process matches one order. Only orders still in status new are matched,
// so a second submission of the same order is a no-op.
func (e *Engine) Process(ctx context.Context, orderID string) error {
	order, err := e.orders.Find(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != types.StatusNew {
		return nil
	}

	b := e.book(order.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	// Re-read under the book lock; a concurrent cancel may have won.
	order, err = e.orders.Find(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != types.StatusNew {
		return nil
	}

	if err := e.match(ctx, b, order); err != nil {
		e.fail(ctx, orderID, err)
		return err
	}
	return nil
}

// match executes order against b and then rests or cancels the remainder.
// The caller holds b.mu.
func (e *Engine) match(ctx context.Context, b *OrderBook, order *types.Order) error {
	logger := log.With().
		Str("component", "matching_engine").
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Logger()

	b.remove(order.ID)

	t := taker{
		AccountID: order.AccountID,
		Direction: order.Direction,
		OrderType: order.OrderType,
		Limit:     order.LimitPrice(),
		Remaining: order.RemainingQuantity(),
		TIF:       order.TimeInForce,
	}
	if order.OrderType == types.Market && order.Direction == types.Buy {
		t.Budget = order.ReservedAmount
	}

	for _, f := range b.plan(t) {
		executedAt, err := e.execute(ctx, order, f)
		if err != nil {
			return fmt.Errorf("failed to execute match against %s: %w", f.resting.OrderID, err)
		}
		b.reduce(f.resting.OrderID, f.qty)

		e.setLastPrice(order.Symbol, f.price)
		e.metrics.EngineTrade(order.Symbol)
		broadcast.Send(ctx, e.broadcaster, broadcast.TradeStream(order.Symbol), TradeTick{
			Symbol:     order.Symbol,
			Quantity:   f.qty,
			Price:      f.price,
			Aggressor:  order.Direction,
			ExecutedAt: executedAt,
		})
		logger.Info().
			Str("resting_order_id", f.resting.OrderID).
			Int64("quantity", f.qty).
			Str("price", f.price.String()).
			Msg("orders matched")
	}

	if order.Status.IsTerminal() {
		e.metrics.EngineOrder(string(order.Status))
		return nil
	}

	if order.OrderType == types.Limit && order.TimeInForce.Rests() {
		if err := e.rest(ctx, order); err != nil {
			return err
		}
		b.add(&entry{
			OrderID:   order.ID,
			AccountID: order.AccountID,
			Direction: order.Direction,
			Price:     order.LimitPrice(),
			Remaining: order.RemainingQuantity(),
		})
		e.metrics.EngineOrder(string(order.Status))
		return nil
	}

	if err := e.expire(ctx, order); err != nil {
		return err
	}
	e.metrics.EngineOrder(string(order.Status))
	return nil
}

// TradeTick is broadcast on the symbol stream for every match.
type TradeTick struct {
	Symbol     string          `json:"symbol"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Aggressor  types.Direction `json:"aggressor"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// execute persists one match: both trade legs, both fills, the cash
// movement, residual releases and execution reports. order is updated only
// if the transaction commits.
func (e *Engine) execute(ctx context.Context, order *types.Order, f fill) (time.Time, error) {
	now := e.now()
	matchID := uuid.New().String()
	incoming := *order

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := e.orders.WithTx(tx)
		settle := e.settlement.WithTx(tx)

		maker, err := repo.Find(ctx, f.resting.OrderID)
		if err != nil {
			return err
		}
		if !maker.Status.Resting() || maker.RemainingQuantity() < f.qty {
			return fmt.Errorf("resting order %s is %s with %d remaining", maker.ID, maker.Status, maker.RemainingQuantity())
		}

		buy, sell := &incoming, maker
		if incoming.Direction == types.Sell {
			buy, sell = maker, &incoming
		}

		if _, err := settle.SettleMatch(ctx, settlement.Match{
			MatchID:         matchID,
			Symbol:          incoming.Symbol,
			Quantity:        f.qty,
			Price:           f.price,
			BuyOrderID:      buy.ID,
			SellOrderID:     sell.ID,
			BuyerAccountID:  buy.AccountID,
			SellerAccountID: sell.AccountID,
		}); err != nil {
			return err
		}
		buy.ReservedAmount = decimal.Max(decimal.Zero, buy.ReservedAmount.Sub(types.Notional(f.qty, f.price)))

		if err := incoming.ApplyFill(f.qty); err != nil {
			return err
		}
		if err := maker.ApplyFill(f.qty); err != nil {
			return err
		}

		buyTrade := types.Trade{
			ID: uuid.New().String(), MatchID: matchID, OrderID: buy.ID, AccountID: buy.AccountID,
			Symbol: incoming.Symbol, Direction: types.Buy, Quantity: f.qty, Price: f.price,
			CounterpartyOrderID: sell.ID, ExecutedAt: now,
		}
		sellTrade := types.Trade{
			ID: uuid.New().String(), MatchID: matchID, OrderID: sell.ID, AccountID: sell.AccountID,
			Symbol: incoming.Symbol, Direction: types.Sell, Quantity: f.qty, Price: f.price,
			CounterpartyOrderID: buy.ID, ExecutedAt: now,
		}
		if err := repo.CreateTrades(ctx, buyTrade, sellTrade); err != nil {
			return err
		}

		var events []outbox.Message
		for _, leg := range []struct {
			order   *types.Order
			tradeID string
		}{{buy, buyTrade.ID}, {sell, sellTrade.ID}} {
			if leg.order.Status.IsTerminal() {
				msgs, err := ReleaseResidual(ctx, settle, leg.order, "order filled")
				if err != nil {
					return err
				}
				events = append(events, msgs...)
			}
			price := f.price
			events = append(events, ExecutionReport(leg.order, &price, leg.tradeID))
		}

		if err := repo.Update(ctx, maker); err != nil {
			return err
		}
		if err := repo.Update(ctx, &incoming); err != nil {
			return err
		}
		return outbox.NewStore(tx).Append(ctx, events...)
	})
	if err != nil {
		return now, err
	}

	*order = incoming
	return now, nil
}

// rest records that a limit order is now working in the book.
func (e *Engine) rest(ctx context.Context, order *types.Order) error {
	next := *order
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if next.Status != types.StatusNew {
			return nil
		}
		next.Status = types.StatusWorking
		if err := e.orders.WithTx(tx).Update(ctx, &next); err != nil {
			return err
		}
		return outbox.NewStore(tx).Append(ctx, ExecutionReport(&next, next.PricePtr(), ""))
	})
	if err != nil {
		return fmt.Errorf("failed to rest order: %w", err)
	}
	*order = next
	return nil
}

// expire cancels the unfilled remainder of a market, IOC or FOK order and
// releases what it still has reserved.
func (e *Engine) expire(ctx context.Context, order *types.Order) error {
	next := *order
	reason := fmt.Sprintf("%s %s remainder not executed", next.OrderType, next.TimeInForce)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next.Status = types.StatusCancelled
		next.RejectReason = reason

		events, err := ReleaseResidual(ctx, e.settlement.WithTx(tx), &next, reason)
		if err != nil {
			return err
		}
		events = append(events,
			ExecutionReport(&next, next.PricePtr(), ""),
			outbox.Message{
				Type:          outbox.EventOrderCancelled,
				CorrelationID: next.CorrelationID,
				EntityType:    outbox.EntityOrder,
				EntityID:      next.ID,
				Payload:       outbox.OrderCancelled{OrderID: next.ID, AccountID: next.AccountID, Reason: reason},
			},
		)
		if err := e.orders.WithTx(tx).Update(ctx, &next); err != nil {
			return err
		}
		return outbox.NewStore(tx).Append(ctx, events...)
	})
	if err != nil {
		return fmt.Errorf("failed to cancel order remainder: %w", err)
	}
	*order = next
	return nil
}

// fail moves an order whose processing failed out of the matchable states
// and releases its funds. A partially filled order keeps its fills and is
// cancelled; an untouched one is rejected.
func (e *Engine) fail(ctx context.Context, orderID string, cause error) {
	logger := log.With().Str("component", "matching_engine").Str("order_id", orderID).Logger()

	outcome := types.StatusRejected
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := e.orders.WithTx(tx)
		order, err := repo.Find(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return nil
		}

		eventType := outbox.EventOrderRejected
		var payload interface{} = outbox.OrderRejected{OrderID: order.ID, AccountID: order.AccountID, Reason: cause.Error()}
		order.Status = types.StatusRejected
		if order.FilledQuantity > 0 {
			order.Status = types.StatusCancelled
			eventType = outbox.EventOrderCancelled
			payload = outbox.OrderCancelled{OrderID: order.ID, AccountID: order.AccountID, Reason: cause.Error()}
		}
		order.RejectReason = truncate(cause.Error(), 255)
		outcome = order.Status

		events, err := ReleaseResidual(ctx, e.settlement.WithTx(tx), order, "matching failed")
		if err != nil {
			return err
		}
		events = append(events,
			ExecutionReport(order, order.PricePtr(), ""),
			outbox.Message{
				Type:          eventType,
				CorrelationID: order.CorrelationID,
				EntityType:    outbox.EntityOrder,
				EntityID:      order.ID,
				Payload:       payload,
			},
		)
		if err := repo.Update(ctx, order); err != nil {
			return err
		}
		return outbox.NewStore(tx).Append(ctx, events...)
	})
	if err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("failed to reject order after matching failure")
		return
	}
	e.metrics.EngineOrder(string(outcome))
	logger.Warn().Err(cause).Str("status", string(outcome)).Msg("order closed after matching failure")
}

// ReleaseResidual frees the order's outstanding reservation and returns the
// funds.released event when anything was released.
func ReleaseResidual(ctx context.Context, settle *settlement.Service, order *types.Order, reason string) ([]outbox.Message, error) {
	released, err := settle.ReleaseResidual(ctx, order.ID, reason)
	if err != nil {
		return nil, err
	}
	order.ReservedAmount = decimal.Zero
	if !released.IsPositive() {
		return nil, nil
	}
	return []outbox.Message{{
		Type:          outbox.EventFundsReleased,
		CorrelationID: order.CorrelationID,
		EntityType:    outbox.EntityOrder,
		EntityID:      order.ID,
		Payload: outbox.FundsReleased{
			OrderID:  order.ID,
			ClientID: order.AccountID,
			Amount:   released,
			Reason:   reason,
		},
	}}, nil
}

// ExecutionReport snapshots the order for its owner.
func ExecutionReport(order *types.Order, price *decimal.Decimal, tradeID string) outbox.Message {
	return outbox.Message{
		Type:          outbox.EventExecutionReport,
		CorrelationID: order.CorrelationID,
		EntityType:    outbox.EntityOrder,
		EntityID:      order.ID,
		Payload: outbox.ExecutionReport{
			OrderID:           order.ID,
			AccountID:         order.AccountID,
			Symbol:            order.Symbol,
			Status:            string(order.Status),
			Quantity:          order.Quantity,
			Price:             price,
			FilledQuantity:    order.FilledQuantity,
			RemainingQuantity: order.RemainingQuantity(),
			TradeID:           tradeID,
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (e *Engine) setLastPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	e.lastPrice[symbol] = price
	e.mu.Unlock()
}

// ReferencePrice is the last traded price of symbol, or its best ask when
// nothing has traded yet.
func (e *Engine) ReferencePrice(symbol string) (decimal.Decimal, bool) {
	e.mu.RLock()
	price, ok := e.lastPrice[symbol]
	b := e.books[symbol]
	e.mu.RUnlock()
	if ok {
		return price, true
	}
	if b == nil {
		return decimal.Zero, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return best(b.asks)
}

// Depth returns up to max levels per side of symbol's book.
func (e *Engine) Depth(symbol string, max int) Depth {
	b := e.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depth(max)
}

// InBook reports whether an order is resting in its symbol's book.
func (e *Engine) InBook(symbol, orderID string) bool {
	b := e.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contains(orderID)
}

// BookTx gives WithBook callbacks access to a locked book. It must not be
// used after the callback returns.
type BookTx struct {
	engine *Engine
	book   *OrderBook
}

// Remove takes an order out of the book.
func (t *BookTx) Remove(orderID string) bool {
	return t.book.remove(orderID)
}

func (t *BookTx) Contains(orderID string) bool {
	return t.book.contains(orderID)
}

// Rematch reloads a working order and runs it through matching again with
// fresh time priority, as after an amendment.
func (t *BookTx) Rematch(ctx context.Context, orderID string) (*types.Order, error) {
	order, err := t.engine.orders.Find(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.Resting() {
		return order, nil
	}
	if err := t.engine.match(ctx, t.book, order); err != nil {
		t.engine.fail(ctx, orderID, err)
		return nil, err
	}
	return order, nil
}

// WithBook runs fn while holding symbol's book lock, so no matching for
// that symbol interleaves with it.
func (e *Engine) WithBook(symbol string, fn func(tx *BookTx) error) error {
	b := e.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(&BookTx{engine: e, book: b})
}

// Recover rebuilds the books from the repository: working and partially
// filled orders are re-inserted in queue priority order and orders still
// new are resubmitted.
func (e *Engine) Recover(ctx context.Context) error {
	logger := log.With().Str("component", "matching_engine").Logger()

	resting, err := e.orders.ListByStatus(ctx, types.StatusWorking, types.StatusPartiallyFilled)
	if err != nil {
		return err
	}
	for i := range resting {
		o := &resting[i]
		if o.OrderType != types.Limit {
			continue
		}
		b := e.book(o.Symbol)
		b.mu.Lock()
		if !b.contains(o.ID) {
			b.add(&entry{
				OrderID:   o.ID,
				AccountID: o.AccountID,
				Direction: o.Direction,
				Price:     o.LimitPrice(),
				Remaining: o.RemainingQuantity(),
			})
		}
		b.mu.Unlock()
	}

	last, err := e.orders.LastTradePrices(ctx)
	if err != nil {
		return err
	}
	for symbol, trade := range last {
		e.setLastPrice(symbol, trade.Price)
	}

	pending, err := e.orders.ListByStatus(ctx, types.StatusNew)
	if err != nil {
		return err
	}
	requeued := 0
	for _, o := range pending {
		if err := e.Submit(o.ID); err != nil {
			if errors.Is(err, types.ErrQueueFull) {
				logger.Warn().Str("order_id", o.ID).Msg("queue full during recovery, order left for outbox redelivery")
				continue
			}
			return err
		}
		requeued++
	}

	logger.Info().Int("resting", len(resting)).Int("requeued", requeued).Msg("order books recovered")
	return nil
}
