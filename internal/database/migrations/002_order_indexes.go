package migrations

import (
	"gorm.io/gorm"
)

// AddOrderIndexes creates the composite indexes used by book recovery,
// order listings and trade history.
func AddOrderIndexes(db *gorm.DB) error {
	indexes := []string{
		// Book rebuild loads working orders in queue priority order
		`CREATE INDEX IF NOT EXISTS idx_orders_status_queued
		 ON orders(status, queued_at)`,

		// Account listings, newest first
		`CREATE INDEX IF NOT EXISTS idx_orders_account_created
		 ON orders(account_id, created_at)`,

		`CREATE INDEX IF NOT EXISTS idx_trades_account_executed
		 ON trades(account_id, executed_at)`,

		// Reservation sweeps by account and state
		`CREATE INDEX IF NOT EXISTS idx_fund_reservations_account_status
		 ON fund_reservations(account_id, status)`,
	}
	return execAll(db, indexes)
}
