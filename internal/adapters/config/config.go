package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"perpgate/pkg/errors"
)

type Config struct {
	App           AppConfig
	Exchange      ExchangeConfig
	Trading       TradingConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Telegram      TelegramConfig
	Metrics       MetricsConfig
	ErrorTracking ErrorTrackingConfig
	Crypto        CryptoConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"perpgate"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// ExchangeConfig describes the default account and transport settings.
// The API credentials are only used when no accounts file is configured.
type ExchangeConfig struct {
	Name         string        `envconfig:"EXCHANGE_NAME" default:"binance"`
	APIKey       string        `envconfig:"EXCHANGE_API_KEY"`
	APISecret    string        `envconfig:"EXCHANGE_API_SECRET"`
	Passphrase   string        `envconfig:"EXCHANGE_PASSPHRASE"`
	Testnet      bool          `envconfig:"EXCHANGE_TESTNET" default:"false"`
	HTTPTimeout  time.Duration `envconfig:"EXCHANGE_HTTP_TIMEOUT" default:"10s"`
	RateLimitPct int           `envconfig:"EXCHANGE_RATE_LIMIT_PCT" default:"100"` // share of the published limit to use
	AccountsFile string        `envconfig:"ACCOUNTS_FILE"`
}

type TradingConfig struct {
	AdjustToMinNotional bool          `envconfig:"TRADING_ADJUST_TO_MIN_NOTIONAL" default:"true"`
	DefaultLeverage     int           `envconfig:"TRADING_DEFAULT_LEVERAGE" default:"1"`
	LockEnabled         bool          `envconfig:"TRADING_LOCK_ENABLED" default:"false"`
	LockTTL             time.Duration `envconfig:"TRADING_LOCK_TTL" default:"30s"`
}

type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type KafkaConfig struct {
	Enabled bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	Brokers []string `envconfig:"KAFKA_BROKERS"`
	Topic   string   `envconfig:"KAFKA_TOPIC_PREFIX" default:"perpgate"`
}

type TelegramConfig struct {
	BotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	ChatID   int64  `envconfig:"TELEGRAM_CHAT_ID"`
}

// Enabled reports whether degraded-position alerts should be sent
func (c TelegramConfig) Enabled() bool {
	return c.BotToken != "" && c.ChatID != 0
}

type MetricsConfig struct {
	Addr string `envconfig:"METRICS_ADDR"` // e.g. ":9090", empty disables the endpoint
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"false"`
	Provider    string `envconfig:"ERROR_TRACKING_PROVIDER" default:"sentry"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

type CryptoConfig struct {
	EncryptionKey string `envconfig:"ENCRYPTION_KEY"` // 32 bytes for AES-256, needed for encrypted accounts
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	if c.Trading.DefaultLeverage < 1 {
		return errors.NewValidationError("TRADING_DEFAULT_LEVERAGE", "must be >= 1", c.Trading.DefaultLeverage)
	}
	if c.Exchange.RateLimitPct < 1 || c.Exchange.RateLimitPct > 100 {
		return errors.NewValidationError("EXCHANGE_RATE_LIMIT_PCT", "must be between 1 and 100", c.Exchange.RateLimitPct)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.NewValidationError("KAFKA_BROKERS", "required when kafka is enabled", "")
	}
	if c.ErrorTracking.Enabled && c.ErrorTracking.Provider == "sentry" && c.ErrorTracking.SentryDSN == "" {
		return errors.NewValidationError("SENTRY_DSN", "required when sentry tracking is enabled", "")
	}
	return nil
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not exists)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
