package migrations

import (
	"gorm.io/gorm"
)

// AddOutboxIndexes creates the indexes the dispatcher's claim and recovery
// queries depend on.
func AddOutboxIndexes(db *gorm.DB) error {
	indexes := []string{
		// Claim scan: pending rows and failed rows whose backoff has elapsed
		`CREATE INDEX IF NOT EXISTS idx_outbox_events_dispatch
		 ON outbox_events(status, next_attempt_at, id)`,

		// Stale processing rows are reclaimed by age
		`CREATE INDEX IF NOT EXISTS idx_outbox_events_status_updated
		 ON outbox_events(status, updated_at)`,

		// Per-entity history
		`CREATE INDEX IF NOT EXISTS idx_outbox_events_entity
		 ON outbox_events(entity_type, entity_id)`,
	}
	return execAll(db, indexes)
}

func execAll(db *gorm.DB, stmts []string) error {
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
