package ratelimit

import (
	"context"

	"github.com/shopspring/decimal"

	"perpgate/internal/adapters/exchanges"
)

type limited struct {
	next   exchanges.Gateway
	limits *MultiLimiter
}

// Wrap throttles every gateway call through the global limiter.
// Order mutations additionally wait on the trading limiter.
func Wrap(next exchanges.Gateway, limits *MultiLimiter) exchanges.Gateway {
	return &limited{next: next, limits: limits}
}

func (g *limited) read(ctx context.Context) error {
	return g.limits.Wait(ctx, KeyGlobal)
}

func (g *limited) write(ctx context.Context) error {
	return g.limits.Wait(ctx, KeyGlobal, KeyTrading)
}

func (g *limited) Name() string { return g.next.Name() }

func (g *limited) ListInstruments(ctx context.Context) ([]exchanges.Instrument, error) {
	if err := g.read(ctx); err != nil {
		return nil, err
	}
	return g.next.ListInstruments(ctx)
}

func (g *limited) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := g.read(ctx); err != nil {
		return decimal.Zero, err
	}
	return g.next.GetTickerPrice(ctx, symbol)
}

func (g *limited) GetMaxLeverage(ctx context.Context, symbol string) (int, error) {
	if err := g.read(ctx); err != nil {
		return 0, err
	}
	return g.next.GetMaxLeverage(ctx, symbol)
}

func (g *limited) GetTradingMode(ctx context.Context) (exchanges.TradingMode, error) {
	if err := g.read(ctx); err != nil {
		return "", err
	}
	return g.next.GetTradingMode(ctx)
}

func (g *limited) GetBalance(ctx context.Context) (*exchanges.Balance, error) {
	if err := g.read(ctx); err != nil {
		return nil, err
	}
	return g.next.GetBalance(ctx)
}

func (g *limited) GetPositions(ctx context.Context) ([]exchanges.Position, error) {
	if err := g.read(ctx); err != nil {
		return nil, err
	}
	return g.next.GetPositions(ctx)
}

func (g *limited) ListOpenOrders(ctx context.Context, symbol string) ([]exchanges.Order, error) {
	if err := g.read(ctx); err != nil {
		return nil, err
	}
	return g.next.ListOpenOrders(ctx, symbol)
}

func (g *limited) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]exchanges.Order, error) {
	if err := g.read(ctx); err != nil {
		return nil, err
	}
	return g.next.GetOrderHistory(ctx, symbol, limit)
}

func (g *limited) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := g.write(ctx); err != nil {
		return err
	}
	return g.next.SetLeverage(ctx, symbol, leverage)
}

func (g *limited) PlaceOrder(ctx context.Context, req *exchanges.OrderRequest) (*exchanges.Order, error) {
	if err := g.write(ctx); err != nil {
		return nil, err
	}
	return g.next.PlaceOrder(ctx, req)
}

func (g *limited) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := g.write(ctx); err != nil {
		return err
	}
	return g.next.CancelOrder(ctx, symbol, orderID)
}

func (g *limited) Close() error {
	return g.next.Close()
}
