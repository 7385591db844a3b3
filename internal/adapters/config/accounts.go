package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"perpgate/internal/domain/exchange_account"
	"perpgate/pkg/crypto"
	"perpgate/pkg/errors"
)

type accountsFile struct {
	Accounts []exchange_account.Account `yaml:"accounts"`
}

// LoadAccounts returns the configured trading accounts.
// With ACCOUNTS_FILE set the YAML file is authoritative, otherwise a single
// "default" account is built from the EXCHANGE_* variables.
// Encrypted credentials are decrypted with ENCRYPTION_KEY.
func (c *Config) LoadAccounts() ([]exchange_account.Account, error) {
	if c.Exchange.AccountsFile == "" {
		exchange, err := exchange_account.ParseExchangeType(c.Exchange.Name)
		if err != nil {
			return nil, err
		}
		acc := exchange_account.Account{
			Name:       "default",
			Exchange:   exchange,
			APIKey:     c.Exchange.APIKey,
			Secret:     c.Exchange.APISecret,
			Passphrase: c.Exchange.Passphrase,
			Testnet:    c.Exchange.Testnet,
		}
		if err := acc.Validate(); err != nil {
			return nil, err
		}
		return []exchange_account.Account{acc}, nil
	}

	data, err := os.ReadFile(c.Exchange.AccountsFile)
	if err != nil {
		return nil, errors.Wrapf(err, "read accounts file %s", c.Exchange.AccountsFile)
	}
	return ParseAccounts(data, c.Crypto.EncryptionKey)
}

// ParseAccounts decodes an accounts YAML document
func ParseAccounts(data []byte, encryptionKey string) ([]exchange_account.Account, error) {
	var file accountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "parse accounts yaml")
	}
	if len(file.Accounts) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidInput, "accounts file lists no accounts")
	}

	var encryptor *crypto.Encryptor
	seen := make(map[string]struct{}, len(file.Accounts))
	accounts := make([]exchange_account.Account, 0, len(file.Accounts))

	for _, acc := range file.Accounts {
		if _, dup := seen[acc.Name]; dup {
			return nil, errors.Wrapf(errors.ErrInvalidInput, "duplicate account %q", acc.Name)
		}
		seen[acc.Name] = struct{}{}

		if acc.Encrypted {
			if encryptor == nil {
				enc, err := crypto.NewEncryptor(encryptionKey)
				if err != nil {
					return nil, errors.Wrap(err, "ENCRYPTION_KEY")
				}
				encryptor = enc
			}
			if err := decryptAccount(&acc, encryptor); err != nil {
				return nil, err
			}
		}

		if err := acc.Validate(); err != nil {
			return nil, errors.Wrapf(err, "account %q", acc.Name)
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

func decryptAccount(acc *exchange_account.Account, encryptor *crypto.Encryptor) error {
	fields := []*string{&acc.APIKey, &acc.Secret, &acc.Passphrase}
	for _, field := range fields {
		if *field == "" {
			continue
		}
		plain, err := encryptor.DecryptString(*field)
		if err != nil {
			return errors.Wrapf(err, "decrypt credentials of account %q", acc.Name)
		}
		*field = plain
	}
	acc.Encrypted = false
	return nil
}

// FindAccount returns the named account, or the first one when name is empty
func FindAccount(accounts []exchange_account.Account, name string) (exchange_account.Account, error) {
	if len(accounts) == 0 {
		return exchange_account.Account{}, errors.Wrap(errors.ErrNotFound, "no accounts configured")
	}
	if name == "" {
		return accounts[0], nil
	}
	for _, acc := range accounts {
		if acc.Name == name {
			return acc, nil
		}
	}
	return exchange_account.Account{}, errors.Wrapf(errors.ErrNotFound, "account %q", name)
}
