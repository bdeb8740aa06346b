package trading

import (
	"context"

	"gorm.io/gorm"

	"github.com/ksred/brokerx/internal/types"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Database serves the read side of the trading API. Writes go through the
// order repository and the sagas.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// ListOrders returns the account's orders, newest first.
func (d *Database) ListOrders(ctx context.Context, accountID string, f OrderFilter) ([]types.Order, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	q := d.db.WithContext(ctx).Where("account_id = ?", accountID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}

	var out []types.Order
	err := q.Order("created_at DESC").Order("id").Limit(limit).Offset(max(f.Offset, 0)).Find(&out).Error
	return out, err
}

// ListAccountTrades returns the account's executions, newest first.
func (d *Database) ListAccountTrades(ctx context.Context, accountID string, limit int) ([]types.Trade, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	var out []types.Trade
	err := d.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("executed_at DESC").
		Limit(min(limit, maxPageSize)).
		Find(&out).Error
	return out, err
}
