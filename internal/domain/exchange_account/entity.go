package exchange_account

import (
	"strings"

	"perpgate/pkg/errors"
)

// Account is one named set of exchange credentials the orchestrator trades with
type Account struct {
	Name       string       `yaml:"name"`
	Exchange   ExchangeType `yaml:"exchange"` // binance, bybit, okx, bitget
	APIKey     string       `yaml:"api_key"`
	Secret     string       `yaml:"api_secret"`
	Passphrase string       `yaml:"passphrase"` // OKX and BitGet
	Testnet    bool         `yaml:"testnet"`
	Encrypted  bool         `yaml:"encrypted"` // credentials are base64 AES-256-GCM ciphertext
}

// Validate checks that the exchange is supported and every required credential is present
func (a *Account) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.NewValidationError("name", "account name is required", a.Name)
	}
	if !a.Exchange.Valid() {
		return errors.NewValidationError("exchange", "unsupported exchange", a.Exchange)
	}
	for _, field := range GetRequiredCredentials(a.Exchange) {
		if field.IsRequired && strings.TrimSpace(a.credential(field.Key)) == "" {
			return errors.NewValidationError(field.Key, field.Name+" is required for "+a.Exchange.String(), "")
		}
	}
	return nil
}

func (a *Account) credential(key string) string {
	switch key {
	case CredentialAPIKey:
		return a.APIKey
	case CredentialSecret:
		return a.Secret
	case CredentialPassphrase:
		return a.Passphrase
	}
	return ""
}

// ExchangeType defines supported exchanges
type ExchangeType string

const (
	ExchangeBinance ExchangeType = "binance"
	ExchangeBybit   ExchangeType = "bybit"
	ExchangeOKX     ExchangeType = "okx"
	ExchangeBitget  ExchangeType = "bitget"
)

// Valid checks if exchange type is valid
func (e ExchangeType) Valid() bool {
	switch e {
	case ExchangeBinance, ExchangeBybit, ExchangeOKX, ExchangeBitget:
		return true
	}
	return false
}

// String returns string representation
func (e ExchangeType) String() string {
	return string(e)
}

// ParseExchangeType normalizes a user supplied exchange name
func ParseExchangeType(s string) (ExchangeType, error) {
	e := ExchangeType(strings.ToLower(strings.TrimSpace(s)))
	if !e.Valid() {
		return "", errors.Wrapf(errors.ErrInvalidInput, "unsupported exchange: %q", s)
	}
	return e, nil
}
