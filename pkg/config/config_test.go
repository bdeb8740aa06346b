package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, SagaOrchestrated, cfg.Saga.Mode)
	assert.Equal(t, 1, cfg.Matching.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Outbox.PollInterval)
	assert.True(t, cfg.Saga.SlippageBuffer.Equal(decimal.RequireFromString("1.02")))
	assert.Equal(t, []string{"localhost:9092"}, cfg.Broker.KafkaBrokers)
	assert.False(t, cfg.IsProduction())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SAGA_MODE", "Choreographed")
	t.Setenv("MATCHING_WORKERS", "4")
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "9")
	t.Setenv("BROKER", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("PRICE_BAND_MAX", "2500.50")
	t.Setenv("ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, SagaChoreographed, cfg.Saga.Mode)
	assert.Equal(t, 4, cfg.Matching.Workers)
	assert.Equal(t, 9, cfg.Outbox.MaxAttempts)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Broker.KafkaBrokers)
	assert.True(t, cfg.Saga.PriceBandMax.Equal(decimal.RequireFromString("2500.50")))
	assert.True(t, cfg.IsProduction())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brokerx.yaml")
	require.NoError(t, os.WriteFile(path, []byte("PORT: \"9191\"\nOUTBOX_BATCH_SIZE: 7\n"), 0o600))
	t.Setenv("BROKERX_CONFIG", path)
	t.Setenv("OUTBOX_BATCH_SIZE", "11")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9191", cfg.Port)
	assert.Equal(t, 11, cfg.Outbox.BatchSize, "environment wins over the file")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"driver", "DB_DRIVER", "mysql"},
		{"saga mode", "SAGA_MODE", "hybrid"},
		{"broker", "BROKER", "nats"},
		{"broadcast", "BROADCAST", "sse"},
		{"workers", "MATCHING_WORKERS", "0"},
		{"price band", "PRICE_BAND_MIN", "20000"},
		{"slippage", "MARKET_SLIPPAGE_BUFFER", "0.9"},
		{"decimal", "PRICE_BAND_MAX", "ten"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
