package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"perpgate/internal/adapters/exchanges"
)

func isRateLimited(err error) bool {
	return errors.Is(err, exchanges.ErrRateLimited)
}

// instrumented records latency and outcome of every gateway call
type instrumented struct {
	next exchanges.Gateway
	name string
}

// WrapGateway decorates a gateway with call metrics
func WrapGateway(next exchanges.Gateway) exchanges.Gateway {
	return &instrumented{next: next, name: next.Name()}
}

func (g *instrumented) observe(operation string, start time.Time, err error) {
	RecordExchangeAPICall(g.name, operation, time.Since(start), err)
}

func (g *instrumented) Name() string { return g.name }

func (g *instrumented) ListInstruments(ctx context.Context) (list []exchanges.Instrument, err error) {
	defer func(start time.Time) { g.observe("list_instruments", start, err) }(time.Now())
	return g.next.ListInstruments(ctx)
}

func (g *instrumented) GetTickerPrice(ctx context.Context, symbol string) (price decimal.Decimal, err error) {
	defer func(start time.Time) { g.observe("get_ticker_price", start, err) }(time.Now())
	return g.next.GetTickerPrice(ctx, symbol)
}

func (g *instrumented) GetMaxLeverage(ctx context.Context, symbol string) (leverage int, err error) {
	defer func(start time.Time) { g.observe("get_max_leverage", start, err) }(time.Now())
	return g.next.GetMaxLeverage(ctx, symbol)
}

func (g *instrumented) GetTradingMode(ctx context.Context) (mode exchanges.TradingMode, err error) {
	defer func(start time.Time) { g.observe("get_trading_mode", start, err) }(time.Now())
	return g.next.GetTradingMode(ctx)
}

func (g *instrumented) GetBalance(ctx context.Context) (balance *exchanges.Balance, err error) {
	defer func(start time.Time) { g.observe("get_balance", start, err) }(time.Now())
	return g.next.GetBalance(ctx)
}

func (g *instrumented) GetPositions(ctx context.Context) (positions []exchanges.Position, err error) {
	defer func(start time.Time) { g.observe("get_positions", start, err) }(time.Now())
	return g.next.GetPositions(ctx)
}

func (g *instrumented) ListOpenOrders(ctx context.Context, symbol string) (orders []exchanges.Order, err error) {
	defer func(start time.Time) { g.observe("list_open_orders", start, err) }(time.Now())
	return g.next.ListOpenOrders(ctx, symbol)
}

func (g *instrumented) GetOrderHistory(ctx context.Context, symbol string, limit int) (orders []exchanges.Order, err error) {
	defer func(start time.Time) { g.observe("get_order_history", start, err) }(time.Now())
	return g.next.GetOrderHistory(ctx, symbol, limit)
}

func (g *instrumented) SetLeverage(ctx context.Context, symbol string, leverage int) (err error) {
	defer func(start time.Time) { g.observe("set_leverage", start, err) }(time.Now())
	return g.next.SetLeverage(ctx, symbol, leverage)
}

func (g *instrumented) PlaceOrder(ctx context.Context, req *exchanges.OrderRequest) (order *exchanges.Order, err error) {
	defer func(start time.Time) { g.observe("place_order", start, err) }(time.Now())
	return g.next.PlaceOrder(ctx, req)
}

func (g *instrumented) CancelOrder(ctx context.Context, symbol, orderID string) (err error) {
	defer func(start time.Time) { g.observe("cancel_order", start, err) }(time.Now())
	return g.next.CancelOrder(ctx, symbol, orderID)
}

func (g *instrumented) Close() error {
	return g.next.Close()
}
