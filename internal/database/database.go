package database

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/brokerx/internal/database/migrations"
	"github.com/ksred/brokerx/internal/ledger"
	"github.com/ksred/brokerx/internal/outbox"
	"github.com/ksred/brokerx/internal/settlement"
	"github.com/ksred/brokerx/internal/types"
	"github.com/ksred/brokerx/pkg/config"
)

// Models lists every table the service owns.
func Models() []interface{} {
	return []interface{}{
		&types.Order{},
		&types.Trade{},
		&outbox.Event{},
		&ledger.Portfolio{},
		&ledger.FundReservation{},
		&settlement.Settlement{},
	}
}

// NewDatabase opens the configured database and brings the schema up to date.
func NewDatabase(cfg config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	level := logger.Warn
	if debug {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(level),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite has no row locks; one writer at a time keeps the
		// ledger and outbox transactions serialisable.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	log.Info().Str("driver", cfg.Driver).Msg("database ready")
	return db, nil
}

// Migrate creates or updates every table and its secondary indexes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}
	if err := migrations.AddOutboxIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := migrations.AddOrderIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
