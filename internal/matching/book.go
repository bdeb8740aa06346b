package matching

import (
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/ksred/brokerx/internal/types"
)

// entry is a resting order. The repository row stays the source of truth;
// the book only needs what price-time priority and self-match checks use.
type entry struct {
	OrderID   string
	AccountID string
	Direction types.Direction
	Price     decimal.Decimal
	Remaining int64
	seq       uint64
}

type priceLevel struct {
	price  decimal.Decimal
	orders []*entry
}

// OrderBook holds the resting orders of one symbol. Bids are kept best
// (highest) first and asks best (lowest) first; within a level orders keep
// arrival order. Callers hold mu for every operation.
type OrderBook struct {
	Symbol string

	mu    sync.Mutex
	bids  *btree.BTreeG[*priceLevel]
	asks  *btree.BTreeG[*priceLevel]
	index map[string]*entry
	seq   uint64
}

func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		Symbol: symbol,
		bids: btree.NewBTreeGOptions(func(a, b *priceLevel) bool {
			return a.price.GreaterThan(b.price)
		}, btree.Options{NoLocks: true}),
		asks: btree.NewBTreeGOptions(func(a, b *priceLevel) bool {
			return a.price.LessThan(b.price)
		}, btree.Options{NoLocks: true}),
		index: make(map[string]*entry),
	}
}

func (b *OrderBook) side(d types.Direction) *btree.BTreeG[*priceLevel] {
	if d == types.Buy {
		return b.bids
	}
	return b.asks
}

// add appends e at the back of its price level with a fresh sequence number.
func (b *OrderBook) add(e *entry) {
	b.seq++
	e.seq = b.seq

	tree := b.side(e.Direction)
	level, ok := tree.Get(&priceLevel{price: e.Price})
	if !ok {
		level = &priceLevel{price: e.Price}
		tree.Set(level)
	}
	level.orders = append(level.orders, e)
	b.index[e.OrderID] = e
}

func (b *OrderBook) remove(orderID string) bool {
	e, ok := b.index[orderID]
	if !ok {
		return false
	}
	delete(b.index, orderID)

	tree := b.side(e.Direction)
	level, ok := tree.Get(&priceLevel{price: e.Price})
	if !ok {
		return true
	}
	for i, o := range level.orders {
		if o == e {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			break
		}
	}
	if len(level.orders) == 0 {
		tree.Delete(level)
	}
	return true
}

// reduce takes qty off a resting order and drops it once nothing remains.
func (b *OrderBook) reduce(orderID string, qty int64) {
	e, ok := b.index[orderID]
	if !ok {
		return
	}
	e.Remaining -= qty
	if e.Remaining <= 0 {
		b.remove(orderID)
	}
}

func (b *OrderBook) contains(orderID string) bool {
	_, ok := b.index[orderID]
	return ok
}

func best(tree *btree.BTreeG[*priceLevel]) (decimal.Decimal, bool) {
	level, ok := tree.Min()
	if !ok {
		return decimal.Zero, false
	}
	return level.price, true
}

// Level is one aggregated price level.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth is a snapshot of the top of both sides.
type Depth struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

func levels(tree *btree.BTreeG[*priceLevel], max int) []Level {
	out := make([]Level, 0)
	tree.Scan(func(level *priceLevel) bool {
		l := Level{Price: level.price, Orders: len(level.orders)}
		for _, e := range level.orders {
			l.Quantity += e.Remaining
		}
		out = append(out, l)
		return max <= 0 || len(out) < max
	})
	return out
}

func (b *OrderBook) depth(max int) Depth {
	return Depth{Symbol: b.Symbol, Bids: levels(b.bids, max), Asks: levels(b.asks, max)}
}

// fill is one planned execution against a resting order.
type fill struct {
	resting *entry
	qty     int64
	price   decimal.Decimal
}

// taker describes the incoming side of a match.
type taker struct {
	AccountID string
	Direction types.Direction
	OrderType types.OrderType
	Limit     decimal.Decimal
	Remaining int64
	TIF       types.TimeInForce
	// Budget caps what a market buy may spend. Zero means no cap.
	Budget decimal.Decimal
}

func (t taker) crosses(price decimal.Decimal) bool {
	if t.OrderType == types.Market {
		return true
	}
	if t.Direction == types.Buy {
		return price.LessThanOrEqual(t.Limit)
	}
	return price.GreaterThanOrEqual(t.Limit)
}

// plan walks the opposite side in price-time order and returns the fills the
// taker would get, without changing the book. Resting orders of the same
// account are skipped and keep their priority, so a limit remainder may rest
// at or through the account's own opposite orders. Other accounts still
// match both sides in price-time order. A FOK taker gets all of its
// quantity or nothing.
func (b *OrderBook) plan(t taker) []fill {
	var (
		fills     []fill
		remaining = t.Remaining
		budget    = t.Budget
		capped    = t.OrderType == types.Market && t.Direction == types.Buy && t.Budget.IsPositive()
		exhausted bool
	)

	b.side(t.Direction.Opposite()).Scan(func(level *priceLevel) bool {
		if !t.crosses(level.price) {
			return false
		}
		for _, e := range level.orders {
			if remaining == 0 {
				return false
			}
			if e.AccountID == t.AccountID {
				continue
			}
			qty := min(remaining, e.Remaining)
			if capped {
				affordable := budget.Div(level.price).Floor().IntPart()
				qty = min(qty, affordable)
				if qty <= 0 {
					exhausted = true
					return false
				}
				budget = budget.Sub(types.Notional(qty, level.price))
			}
			fills = append(fills, fill{resting: e, qty: qty, price: level.price})
			remaining -= qty
		}
		return remaining > 0 && !exhausted
	})

	if t.TIF == types.FOK && remaining > 0 {
		return nil
	}
	return fills
}
