package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrSettlementNotFound = errors.New("settlement not found")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

func (d *Database) CreateSettlement(ctx context.Context, s *Settlement) error {
	if err := d.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("failed to create settlement: %w", err)
	}
	return nil
}

func (d *Database) GetSettlement(ctx context.Context, settlementID string) (*Settlement, error) {
	return d.first(d.db.WithContext(ctx).Where("settlement_id = ?", settlementID))
}

func (d *Database) GetSettlementByMatchID(ctx context.Context, matchID string) (*Settlement, error) {
	return d.first(d.db.WithContext(ctx).Where("match_id = ?", matchID))
}

func (d *Database) first(q *gorm.DB) (*Settlement, error) {
	var s Settlement
	if err := q.First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSettlementNotFound
		}
		return nil, fmt.Errorf("failed to fetch settlement: %w", err)
	}
	return &s, nil
}

// UpdateSettlementStatus moves a settlement from one status to the next. It
// fails if the settlement is no longer in from.
func (d *Database) UpdateSettlementStatus(ctx context.Context, settlementID string, from, to Status) error {
	result := d.db.WithContext(ctx).Model(&Settlement{}).
		Where("settlement_id = ? AND status = ?", settlementID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update settlement: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSettlementNotFound
	}
	return nil
}

// GetDueSettlements returns open settlements whose settlement date has passed.
func (d *Database) GetDueSettlements(ctx context.Context, now time.Time) ([]Settlement, error) {
	var list []Settlement
	err := d.db.WithContext(ctx).
		Where("status IN ? AND settlement_date <= ?", []Status{StatusPending, StatusSettling}, now).
		Order("id ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due settlements: %w", err)
	}
	return list, nil
}

// GetAccountSettlements returns settlements where the account is either side.
func (d *Database) GetAccountSettlements(ctx context.Context, accountID string) ([]Settlement, error) {
	var list []Settlement
	err := d.db.WithContext(ctx).
		Where("buyer_account_id = ? OR seller_account_id = ?", accountID, accountID).
		Order("created_at DESC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	return list, nil
}
