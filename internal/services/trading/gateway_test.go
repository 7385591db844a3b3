package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"perpgate/internal/adapters/exchanges"
)

// fakeGateway keeps resting conditional orders in memory and logs every call
type fakeGateway struct {
	mu sync.Mutex

	price       decimal.Decimal
	instruments []exchanges.Instrument
	mode        exchanges.TradingMode
	modeErr     error
	balance     *exchanges.Balance
	positions   []exchanges.Position
	maxLeverage int
	maxLevErr   error
	history     []exchanges.Order

	leverageErr error
	// placeErr fails the n-th (1-based) PlaceOrder call
	placeErr  map[int]error
	cancelErr error
	listErr   error
	instErr   error

	open    []exchanges.Order
	placed  []exchanges.OrderRequest
	cancels []string
	calls   []string
	nextID  int
	closed  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		price: decimal.NewFromInt(50000),
		instruments: []exchanges.Instrument{{
			Symbol:       "BTCUSDT",
			QuantityStep: "0.001",
			PriceStep:    "0.10",
			MinQuantity:  decimal.RequireFromString("0.001"),
			MinNotional:  decimal.NewFromInt(5),
		}},
		mode:        exchanges.TradingModeOneWay,
		maxLeverage: 125,
		placeErr:    map[int]error{},
	}
}

func (g *fakeGateway) log(format string, args ...interface{}) {
	g.calls = append(g.calls, fmt.Sprintf(format, args...))
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) ListInstruments(ctx context.Context) ([]exchanges.Instrument, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log("list_instruments")
	return g.instruments, g.instErr
}

func (g *fakeGateway) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log("ticker %s", symbol)
	return g.price, nil
}

func (g *fakeGateway) GetMaxLeverage(ctx context.Context, symbol string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log("max_leverage %s", symbol)
	return g.maxLeverage, g.maxLevErr
}

func (g *fakeGateway) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]exchanges.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log("history %s %d", symbol, limit)
	return g.history, nil
}

func (g *fakeGateway) GetTradingMode(ctx context.Context) (exchanges.TradingMode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log("mode")
	return g.mode, g.modeErr
}

func (g *fakeGateway) GetBalance(ctx context.Context) (*exchanges.Balance, error) {
	return g.balance, nil
}

func (g *fakeGateway) GetPositions(ctx context.Context) ([]exchanges.Position, error) {
	return g.positions, nil
}

func (g *fakeGateway) ListOpenOrders(ctx context.Context, symbol string) ([]exchanges.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log("list_open_orders %s", symbol)
	if g.listErr != nil {
		return nil, g.listErr
	}
	out := make([]exchanges.Order, len(g.open))
	copy(out, g.open)
	return out, nil
}

func (g *fakeGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log("leverage %s %d", symbol, leverage)
	return g.leverageErr
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req *exchanges.OrderRequest) (*exchanges.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log("place %s %s %s", req.Type, req.Side, req.PositionSide)
	g.placed = append(g.placed, *req)
	if err := g.placeErr[len(g.placed)]; err != nil {
		return nil, err
	}

	g.nextID++
	order := exchanges.Order{
		ID:            fmt.Sprintf("%d", g.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Type:          req.Type,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Status:        exchanges.OrderStatusNew,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		ClosePosition: req.ClosePosition,
	}
	if req.Type == exchanges.OrderTypeStopMarket || req.Type == exchanges.OrderTypeTakeProfitMarket {
		g.open = append(g.open, order)
	}
	return &order, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log("cancel %s", orderID)
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancels = append(g.cancels, orderID)
	for i, o := range g.open {
		if o.ID == orderID {
			g.open = append(g.open[:i], g.open[i+1:]...)
			break
		}
	}
	return nil
}

func (g *fakeGateway) Close() error {
	g.closed++
	return nil
}

func (g *fakeGateway) openOfType(t exchanges.OrderType) []exchanges.Order {
	var out []exchanges.Order
	for _, o := range g.open {
		if o.Type == t {
			out = append(out, o)
		}
	}
	return out
}

// mockLocker is a mock for Locker
type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	args := m.Called(ctx, key, ttl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(func(context.Context) error), args.Error(1)
}

// mockPublisher is a mock for EventPublisher
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, key string, event interface{}) error {
	args := m.Called(ctx, topic, key, event)
	return args.Error(0)
}

// mockNotifier is a mock for Notifier
type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, text string) error {
	args := m.Called(ctx, text)
	return args.Error(0)
}
