package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpgate/internal/domain/exchange_account"
	"perpgate/pkg/crypto"
	"perpgate/pkg/errors"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EXCHANGE_NAME", "bybit")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "perpgate", cfg.App.Name)
	assert.Equal(t, "bybit", cfg.Exchange.Name)
	assert.Equal(t, 10*time.Second, cfg.Exchange.HTTPTimeout)
	assert.Equal(t, 100, cfg.Exchange.RateLimitPct)
	assert.True(t, cfg.Trading.AdjustToMinNotional)
	assert.Equal(t, 30*time.Second, cfg.Trading.LockTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.False(t, cfg.Telegram.Enabled())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Exchange: ExchangeConfig{RateLimitPct: 80},
			Trading:  TradingConfig{DefaultLeverage: 1},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"leverage", func(c *Config) { c.Trading.DefaultLeverage = 0 }, "TRADING_DEFAULT_LEVERAGE"},
		{"rate limit share", func(c *Config) { c.Exchange.RateLimitPct = 101 }, "EXCHANGE_RATE_LIMIT_PCT"},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true }, "KAFKA_BROKERS"},
		{"sentry without dsn", func(c *Config) {
			c.ErrorTracking.Enabled = true
			c.ErrorTracking.Provider = "sentry"
		}, "SENTRY_DSN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()

			var verr *errors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestLoadAccountsFromEnvironment(t *testing.T) {
	cfg := &Config{Exchange: ExchangeConfig{
		Name:       "OKX",
		APIKey:     "key",
		APISecret:  "secret",
		Passphrase: "phrase",
		Testnet:    true,
	}}

	accounts, err := cfg.LoadAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "default", accounts[0].Name)
	assert.Equal(t, exchange_account.ExchangeOKX, accounts[0].Exchange)
	assert.True(t, accounts[0].Testnet)

	cfg.Exchange.Passphrase = ""
	_, err = cfg.LoadAccounts()
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestLoadAccountsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
accounts:
  - name: main
    exchange: binance
    api_key: k1
    api_secret: s1
  - name: hedge
    exchange: bitget
    api_key: k2
    api_secret: s2
    passphrase: p2
    testnet: true
`), 0o600))

	cfg := &Config{Exchange: ExchangeConfig{AccountsFile: path}}
	accounts, err := cfg.LoadAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	acc, err := FindAccount(accounts, "hedge")
	require.NoError(t, err)
	assert.Equal(t, exchange_account.ExchangeBitget, acc.Exchange)
	assert.Equal(t, "p2", acc.Passphrase)

	acc, err = FindAccount(accounts, "")
	require.NoError(t, err)
	assert.Equal(t, "main", acc.Name)

	_, err = FindAccount(accounts, "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestLoadAccountsMissingFile(t *testing.T) {
	cfg := &Config{Exchange: ExchangeConfig{AccountsFile: filepath.Join(t.TempDir(), "nope.yaml")}}
	_, err := cfg.LoadAccounts()
	assert.Error(t, err)
}

func TestParseAccountsEncrypted(t *testing.T) {
	enc, err := crypto.NewEncryptor(testEncryptionKey)
	require.NoError(t, err)
	key, err := enc.EncryptString("plain-key")
	require.NoError(t, err)
	secret, err := enc.EncryptString("plain-secret")
	require.NoError(t, err)

	doc := []byte("accounts:\n" +
		"  - name: enc\n" +
		"    exchange: bybit\n" +
		"    encrypted: true\n" +
		"    api_key: " + key + "\n" +
		"    api_secret: " + secret + "\n")

	accounts, err := ParseAccounts(doc, testEncryptionKey)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "plain-key", accounts[0].APIKey)
	assert.Equal(t, "plain-secret", accounts[0].Secret)
	assert.False(t, accounts[0].Encrypted)

	_, err = ParseAccounts(doc, "")
	assert.Error(t, err, "missing key")

	_, err = ParseAccounts(doc, "fedcba9876543210fedcba9876543210")
	assert.Error(t, err, "wrong key")
}

func TestParseAccountsRejectsBadDocuments(t *testing.T) {
	_, err := ParseAccounts([]byte("accounts: []\n"), "")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = ParseAccounts([]byte(`
accounts:
  - {name: a, exchange: binance, api_key: k, api_secret: s}
  - {name: a, exchange: bybit, api_key: k, api_secret: s}
`), "")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = ParseAccounts([]byte(`
accounts:
  - {name: a, exchange: kraken, api_key: k, api_secret: s}
`), "")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = ParseAccounts([]byte("accounts: [\n"), "")
	assert.Error(t, err)
}
