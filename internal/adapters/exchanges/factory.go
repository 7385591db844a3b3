package exchanges

import (
	"perpgate/internal/domain/exchange_account"
)

// Factory creates gateways for configured accounts
type Factory interface {
	Gateway(account exchange_account.Account) (Gateway, error)
	Close() error
}
