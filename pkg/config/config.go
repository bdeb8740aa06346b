// Package config loads service settings from the environment, an optional
// .env file and an optional config file named by BROKERX_CONFIG.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Env   string
	Debug bool
	Port  string

	Database  DatabaseConfig
	Auth      AuthConfig
	Matching  MatchingConfig
	Outbox    OutboxConfig
	Saga      SagaConfig
	Broker    BrokerConfig
	Broadcast BroadcastConfig
	Settle    SettlementConfig
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

type AuthConfig struct {
	JWTSecret   string
	TokenTTL    time.Duration
	InternalKey string
	APIKey      string
	APISecret   string
	APIAccount  string
	RateBurst   int
}

type MatchingConfig struct {
	QueueSize    int
	Workers      int
	RestartDelay time.Duration
}

type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
	StaleAfter   time.Duration
}

type SagaConfig struct {
	Mode           string
	PriceBandMin   decimal.Decimal
	PriceBandMax   decimal.Decimal
	SlippageBuffer decimal.Decimal
	HandlerTimeout time.Duration
}

type SettlementConfig struct {
	Currency string
	Cycle    time.Duration
	Interval time.Duration
}

type BrokerConfig struct {
	Kind         string
	KafkaBrokers []string
	KafkaGroup   string
}

type BroadcastConfig struct {
	Kind          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

const (
	SagaOrchestrated  = "orchestrated"
	SagaChoreographed = "choreographed"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "development")
	v.SetDefault("DEBUG", false)
	v.SetDefault("PORT", "8080")

	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_DSN", "brokerx.db")

	v.SetDefault("JWT_SECRET", "brokerx-secret-key")
	v.SetDefault("JWT_TTL", "24h")
	v.SetDefault("INTERNAL_KEY", "")
	v.SetDefault("API_KEY", "")
	v.SetDefault("API_SECRET", "")
	v.SetDefault("API_ACCOUNT", "")
	v.SetDefault("RATE_LIMIT_BURST", 10)

	v.SetDefault("MATCHING_QUEUE_SIZE", 1024)
	v.SetDefault("MATCHING_WORKERS", 1)
	v.SetDefault("MATCHING_RESTART_DELAY", "1s")

	v.SetDefault("OUTBOX_POLL_INTERVAL", "500ms")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_MAX_ATTEMPTS", 5)
	v.SetDefault("OUTBOX_RETRY_INITIAL", "1s")
	v.SetDefault("OUTBOX_RETRY_MAX", "5m")
	v.SetDefault("OUTBOX_STALE_AFTER", "5m")

	v.SetDefault("SAGA_MODE", SagaOrchestrated)
	v.SetDefault("PRICE_BAND_MIN", "1")
	v.SetDefault("PRICE_BAND_MAX", "10000")
	v.SetDefault("MARKET_SLIPPAGE_BUFFER", "1.02")
	v.SetDefault("HANDLER_TIMEOUT", "10s")

	v.SetDefault("CURRENCY", "USD")
	v.SetDefault("SETTLEMENT_CYCLE", "0s")
	v.SetDefault("SETTLEMENT_INTERVAL", "1m")

	v.SetDefault("BROKER", "memory")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_GROUP", "brokerx")

	v.SetDefault("BROADCAST", "websocket")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "brokerx:")
}

// Load reads the configuration. Values from the process environment win
// over the .env file, which wins over the config file and the defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("BROKERX_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Env:   v.GetString("ENV"),
		Debug: v.GetBool("DEBUG"),
		Port:  v.GetString("PORT"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("DB_DRIVER")),
			DSN:    v.GetString("DB_DSN"),
		},
		Auth: AuthConfig{
			JWTSecret:   v.GetString("JWT_SECRET"),
			TokenTTL:    v.GetDuration("JWT_TTL"),
			InternalKey: v.GetString("INTERNAL_KEY"),
			APIKey:      v.GetString("API_KEY"),
			APISecret:   v.GetString("API_SECRET"),
			APIAccount:  v.GetString("API_ACCOUNT"),
			RateBurst:   v.GetInt("RATE_LIMIT_BURST"),
		},
		Matching: MatchingConfig{
			QueueSize:    v.GetInt("MATCHING_QUEUE_SIZE"),
			Workers:      v.GetInt("MATCHING_WORKERS"),
			RestartDelay: v.GetDuration("MATCHING_RESTART_DELAY"),
		},
		Outbox: OutboxConfig{
			PollInterval: v.GetDuration("OUTBOX_POLL_INTERVAL"),
			BatchSize:    v.GetInt("OUTBOX_BATCH_SIZE"),
			MaxAttempts:  v.GetInt("OUTBOX_MAX_ATTEMPTS"),
			RetryInitial: v.GetDuration("OUTBOX_RETRY_INITIAL"),
			RetryMax:     v.GetDuration("OUTBOX_RETRY_MAX"),
			StaleAfter:   v.GetDuration("OUTBOX_STALE_AFTER"),
		},
		Saga: SagaConfig{
			Mode:           strings.ToLower(v.GetString("SAGA_MODE")),
			HandlerTimeout: v.GetDuration("HANDLER_TIMEOUT"),
		},
		Settle: SettlementConfig{
			Currency: strings.ToUpper(v.GetString("CURRENCY")),
			Cycle:    v.GetDuration("SETTLEMENT_CYCLE"),
			Interval: v.GetDuration("SETTLEMENT_INTERVAL"),
		},
		Broker: BrokerConfig{
			Kind:         strings.ToLower(v.GetString("BROKER")),
			KafkaBrokers: splitList(v.GetString("KAFKA_BROKERS")),
			KafkaGroup:   v.GetString("KAFKA_GROUP"),
		},
		Broadcast: BroadcastConfig{
			Kind:          strings.ToLower(v.GetString("BROADCAST")),
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
			RedisPrefix:   v.GetString("REDIS_PREFIX"),
		},
	}

	var err error
	if cfg.Saga.PriceBandMin, err = decimalKey(v, "PRICE_BAND_MIN"); err != nil {
		return nil, err
	}
	if cfg.Saga.PriceBandMax, err = decimalKey(v, "PRICE_BAND_MAX"); err != nil {
		return nil, err
	}
	if cfg.Saga.SlippageBuffer, err = decimalKey(v, "MARKET_SLIPPAGE_BUFFER"); err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	switch c.Saga.Mode {
	case SagaOrchestrated, SagaChoreographed:
	default:
		return fmt.Errorf("unsupported SAGA_MODE %q", c.Saga.Mode)
	}
	switch c.Broker.Kind {
	case "memory":
	case "kafka":
		if len(c.Broker.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when BROKER=kafka")
		}
	default:
		return fmt.Errorf("unsupported BROKER %q", c.Broker.Kind)
	}
	switch c.Broadcast.Kind {
	case "websocket", "redis", "none":
	default:
		return fmt.Errorf("unsupported BROADCAST %q", c.Broadcast.Kind)
	}
	if c.Matching.QueueSize <= 0 || c.Matching.Workers <= 0 {
		return errors.New("MATCHING_QUEUE_SIZE and MATCHING_WORKERS must be positive")
	}
	if !c.Saga.PriceBandMin.LessThan(c.Saga.PriceBandMax) {
		return errors.New("PRICE_BAND_MIN must be below PRICE_BAND_MAX")
	}
	if c.Saga.SlippageBuffer.LessThan(decimal.NewFromInt(1)) {
		return errors.New("MARKET_SLIPPAGE_BUFFER must be at least 1")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func decimalKey(v *viper.Viper, key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.GetString(key))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
