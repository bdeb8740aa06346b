package database

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/brokerx/internal/outbox"
	"github.com/ksred/brokerx/internal/types"
	"github.com/ksred/brokerx/pkg/config"
)

func TestNewDatabaseMigratesSchema(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := NewDatabase(config.DatabaseConfig{Driver: "sqlite", DSN: dsn}, false)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	for _, m := range Models() {
		assert.True(t, db.Migrator().HasTable(m), "%T", m)
	}
	assert.True(t, db.Migrator().HasIndex(&outbox.Event{}, "idx_outbox_events_dispatch"))
	assert.True(t, db.Migrator().HasIndex(&types.Order{}, "idx_orders_status_queued"))

	// Running the migrations twice is a no-op.
	require.NoError(t, Migrate(db))
}

func TestNewDatabaseRejectsUnknownDriver(t *testing.T) {
	_, err := NewDatabase(config.DatabaseConfig{Driver: "mysql"}, false)
	assert.Error(t, err)
}
