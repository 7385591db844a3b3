package exchanges

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPositionSideFor(t *testing.T) {
	assert.Equal(t, PositionSideBoth, PositionSideFor(TradingModeOneWay, OrderSideBuy))
	assert.Equal(t, PositionSideBoth, PositionSideFor("", OrderSideSell))
	assert.Equal(t, PositionSideLong, PositionSideFor(TradingModeHedge, OrderSideBuy))
	assert.Equal(t, PositionSideShort, PositionSideFor(TradingModeHedge, OrderSideSell))
}

func TestEntrySideFor(t *testing.T) {
	assert.Equal(t, OrderSideBuy, EntrySideFor(PositionSideLong, decimal.NewFromInt(1)))
	assert.Equal(t, OrderSideSell, EntrySideFor(PositionSideShort, decimal.NewFromInt(1)))
	assert.Equal(t, OrderSideSell, EntrySideFor(PositionSideBoth, decimal.NewFromInt(-2)))
	assert.Equal(t, OrderSideBuy, EntrySideFor(PositionSideBoth, decimal.NewFromInt(2)))
	assert.Equal(t, OrderSideSell, OppositeSide(OrderSideBuy))
}

func TestOrderRequestValidate(t *testing.T) {
	one := decimal.NewFromInt(1)
	tests := []struct {
		name string
		req  OrderRequest
		ok   bool
	}{
		{"market", OrderRequest{Symbol: "BTCUSDT", Side: OrderSideBuy, Type: OrderTypeMarket, Quantity: one}, true},
		{"limit without price", OrderRequest{Symbol: "BTCUSDT", Side: OrderSideBuy, Type: OrderTypeLimit, Quantity: one}, false},
		{"stop close position", OrderRequest{Symbol: "BTCUSDT", Side: OrderSideSell, Type: OrderTypeStopMarket, StopPrice: one, ClosePosition: true}, true},
		{"stop without trigger", OrderRequest{Symbol: "BTCUSDT", Side: OrderSideSell, Type: OrderTypeStopMarket, ClosePosition: true}, false},
		{"zero quantity", OrderRequest{Symbol: "BTCUSDT", Side: OrderSideSell, Type: OrderTypeTakeProfitMarket, StopPrice: one}, false},
		{"bad side", OrderRequest{Symbol: "BTCUSDT", Side: "HOLD", Type: OrderTypeMarket, Quantity: one}, false},
		{"no symbol", OrderRequest{Side: OrderSideBuy, Type: OrderTypeMarket, Quantity: one}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRequest)
			}
		})
	}
}

func TestSplitOrderID(t *testing.T) {
	prefix, raw := SplitOrderID("algo:123")
	assert.Equal(t, AlgoOrderPrefix, prefix)
	assert.Equal(t, "123", raw)

	prefix, raw = SplitOrderID("plan:9")
	assert.Equal(t, PlanOrderPrefix, prefix)
	assert.Equal(t, "9", raw)

	prefix, raw = SplitOrderID("555")
	assert.Empty(t, prefix)
	assert.Equal(t, "555", raw)
}

func TestBalanceAsset(t *testing.T) {
	b := &Balance{Details: []BalanceDetail{{Currency: "USDT", Total: decimal.NewFromInt(10)}}}
	d, ok := b.Asset("USDT")
	assert.True(t, ok)
	assert.True(t, d.Total.Equal(decimal.NewFromInt(10)))

	_, ok = b.Asset("BTC")
	assert.False(t, ok)
}
