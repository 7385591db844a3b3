package exchanges

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway defines the unified contract each exchange adapter must satisfy.
// Adapters translate parameters only; they hold no trading state and never retry.
type Gateway interface {
	Name() string

	// Market data
	ListInstruments(ctx context.Context) ([]Instrument, error)
	GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	// GetMaxLeverage returns the highest leverage the venue allows for symbol
	GetMaxLeverage(ctx context.Context, symbol string) (int, error)

	// Account
	GetTradingMode(ctx context.Context) (TradingMode, error)
	GetBalance(ctx context.Context) (*Balance, error)
	GetPositions(ctx context.Context) ([]Position, error)

	// ListOpenOrders returns resting orders, conditional ones included.
	// An empty symbol means every symbol.
	ListOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	// GetOrderHistory returns recent orders for symbol in any status, newest first
	// where the venue orders them so. A non-positive limit uses the venue default.
	GetOrderHistory(ctx context.Context, symbol string, limit int) ([]Order, error)

	// Trading
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// Close releases transport resources. Safe to call more than once.
	Close() error
}
