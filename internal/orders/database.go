package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/brokerx/internal/outbox"
	"github.com/ksred/brokerx/internal/types"
)

// Repository stores orders and their trades. Every mutation can carry
// outbox messages that are written in the same transaction.
type Repository struct {
	db   *gorm.DB
	inTx bool
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to the caller's transaction.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx, inTx: true}
}

func (r *Repository) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if r.inTx {
		return fn(r.db.WithContext(ctx))
	}
	return r.db.WithContext(ctx).Transaction(fn)
}

// Create validates and stores a new order. When the account already has an
// order under the same idempotency key, that order is returned with
// created=false and nothing is written.
func (r *Repository) Create(ctx context.Context, order *types.Order, events ...outbox.Message) (*types.Order, bool, error) {
	if err := types.ValidateOrder(order); err != nil {
		return nil, false, err
	}

	if order.IdempotencyKey != nil {
		existing, err := r.FindByIdempotencyKey(ctx, order.AccountID, *order.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, types.ErrOrderNotFound) {
			return nil, false, err
		}
	}

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.Status == "" {
		order.Status = types.StatusNew
	}
	order.FilledQuantity = 0
	order.LockVersion = 0
	if order.QueuedAt.IsZero() {
		order.QueuedAt = time.Now().UTC()
	}

	err := r.transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		return outbox.NewStore(tx).Append(ctx, events...)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && order.IdempotencyKey != nil && !r.inTx {
			existing, ferr := r.FindByIdempotencyKey(ctx, order.AccountID, *order.IdempotencyKey)
			if ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create order: %w", err)
	}
	return order, true, nil
}

func (r *Repository) Find(ctx context.Context, id string) (*types.Order, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

// OwnedBy reports whether accountID placed order id.
func (r *Repository) OwnedBy(ctx context.Context, accountID, id string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&types.Order{}).
		Where("id = ? AND account_id = ?", id, accountID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check order owner: %w", err)
	}
	return n > 0, nil
}

// FindForAccount only returns the order when it belongs to accountID.
func (r *Repository) FindForAccount(ctx context.Context, accountID, id string) (*types.Order, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ? AND account_id = ?", id, accountID))
}

func (r *Repository) FindByIdempotencyKey(ctx context.Context, accountID, key string) (*types.Order, error) {
	return r.first(r.db.WithContext(ctx).Where("account_id = ? AND idempotency_key = ?", accountID, key))
}

func (r *Repository) first(q *gorm.DB) (*types.Order, error) {
	var order types.Order
	if err := q.First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	return &order, nil
}

func (r *Repository) lock(tx *gorm.DB, id string) (*types.Order, error) {
	return r.first(tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id))
}

// ListByStatus returns orders in any of the given statuses in queue priority
// order.
func (r *Repository) ListByStatus(ctx context.Context, statuses ...types.OrderStatus) ([]types.Order, error) {
	var list []types.Order
	err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("queued_at ASC, id ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return list, nil
}

// UpdateStatus moves an order to status if the state machine allows it.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status types.OrderStatus, reason string, events ...outbox.Message) (*types.Order, error) {
	var out *types.Order
	err := r.transaction(ctx, func(tx *gorm.DB) error {
		order, err := r.lock(tx, id)
		if err != nil {
			return err
		}
		if !order.Status.CanTransition(status) {
			if order.Status.IsTerminal() {
				return fmt.Errorf("%w: %s", types.ErrOrderTerminal, order.Status)
			}
			return &types.TransitionError{From: order.Status, To: status}
		}
		order.Status = status
		if reason != "" {
			order.RejectReason = reason
		}
		if err := save(tx, order); err != nil {
			return err
		}
		out = order
		return outbox.NewStore(tx).Append(ctx, events...)
	})
	return out, err
}

// Mutation changes an order inside CompareAndSwap and returns the events to
// record with it. tx is the enclosing transaction.
type Mutation func(tx *gorm.DB, order *types.Order) ([]outbox.Message, error)

// CompareAndSwap applies mutate only if the stored lock_version still equals
// expectedVersion. A stale version yields ErrVersionConflict and nothing is
// written.
func (r *Repository) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate Mutation) (*types.Order, error) {
	var out *types.Order
	err := r.transaction(ctx, func(tx *gorm.DB) error {
		order, err := r.lock(tx, id)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", types.ErrOrderTerminal, order.Status)
		}
		if order.LockVersion != expectedVersion {
			return fmt.Errorf("%w: expected %d, found %d", types.ErrVersionConflict, expectedVersion, order.LockVersion)
		}

		prev := order.Status
		events, err := mutate(tx, order)
		if err != nil {
			return err
		}
		if order.Status != prev && !prev.CanTransition(order.Status) {
			return &types.TransitionError{From: prev, To: order.Status}
		}
		if err := save(tx, order); err != nil {
			return err
		}
		out = order
		return outbox.NewStore(tx).Append(ctx, events...)
	})
	return out, err
}

// Update writes the mutable fields of an order the caller already holds
// exclusively, such as the matching engine inside a book lock.
func (r *Repository) Update(ctx context.Context, order *types.Order) error {
	return save(r.db.WithContext(ctx), order)
}

// save persists the mutable fields guarded by the current lock_version and
// bumps it.
func save(tx *gorm.DB, order *types.Order) error {
	if order.FilledQuantity > order.Quantity {
		return &types.ValidationError{Field: "filled_quantity", Reason: "exceeds quantity"}
	}
	if order.ReservedAmount.IsNegative() {
		return &types.ValidationError{Field: "reserved_amount", Reason: "must not be negative"}
	}

	now := time.Now().UTC()
	result := tx.Model(&types.Order{}).
		Where("id = ? AND lock_version = ?", order.ID, order.LockVersion).
		Updates(map[string]interface{}{
			"status":          order.Status,
			"quantity":        order.Quantity,
			"price":           order.Price,
			"filled_quantity": order.FilledQuantity,
			"reserved_amount": order.ReservedAmount,
			"reject_reason":   order.RejectReason,
			"queued_at":       order.QueuedAt,
			"lock_version":    order.LockVersion + 1,
			"updated_at":      now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update order: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: order %s changed concurrently", types.ErrVersionConflict, order.ID)
	}
	order.LockVersion++
	order.UpdatedAt = now
	return nil
}

// CreateTrades stores executed trade legs.
func (r *Repository) CreateTrades(ctx context.Context, trades ...types.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&trades).Error; err != nil {
		return fmt.Errorf("failed to create trades: %w", err)
	}
	return nil
}

func (r *Repository) ListTrades(ctx context.Context, orderID string) ([]types.Trade, error) {
	var trades []types.Trade
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("executed_at ASC, id ASC").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

// LastTradePrices returns the most recent trade per symbol.
func (r *Repository) LastTradePrices(ctx context.Context) (map[string]types.Trade, error) {
	var symbols []string
	if err := r.db.WithContext(ctx).Model(&types.Trade{}).Distinct().Pluck("symbol", &symbols).Error; err != nil {
		return nil, fmt.Errorf("failed to list traded symbols: %w", err)
	}

	last := make(map[string]types.Trade, len(symbols))
	for _, symbol := range symbols {
		var t types.Trade
		err := r.db.WithContext(ctx).
			Where("symbol = ?", symbol).
			Order("executed_at DESC, id DESC").
			First(&t).Error
		if err != nil {
			return nil, fmt.Errorf("failed to fetch last trade for %s: %w", symbol, err)
		}
		last[symbol] = t
	}
	return last, nil
}
