package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpgate/internal/adapters/exchanges"
	"perpgate/internal/domain/exchange_account"
)

type stubGateway struct {
	exchanges.Gateway
	calls int
}

func (s *stubGateway) Name() string { return "stub" }

func (s *stubGateway) GetTickerPrice(context.Context, string) (decimal.Decimal, error) {
	s.calls++
	return decimal.NewFromInt(1), nil
}

func (s *stubGateway) PlaceOrder(context.Context, *exchanges.OrderRequest) (*exchanges.Order, error) {
	s.calls++
	return &exchanges.Order{ID: "1"}, nil
}

func TestLimiter_BurstThenBlocks(t *testing.T) {
	// 60/min: 1 rps, burst 6
	l := NewLimiter("test", 60)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, l.Wait(ctx))
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := l.Wait(short)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter test")
}

func TestMultiLimiter_UnknownKeyIsIgnored(t *testing.T) {
	m := NewMultiLimiter()
	m.AddLimiter("a", NewLimiter("a", 600))
	require.NoError(t, m.Wait(context.Background(), "a", "missing"))
}

func TestForExchange_ScalesLimits(t *testing.T) {
	m := ForExchange(exchange_account.ExchangeBinance, 50)
	require.Contains(t, m.limiters, KeyGlobal)
	require.Contains(t, m.limiters, KeyTrading)

	assert.InDelta(t, 1200.0/60, float64(m.limiters[KeyGlobal].limiter.Limit()), 0.001)
	assert.Equal(t, 120, m.limiters[KeyGlobal].limiter.Burst())

	full := ForExchange(exchange_account.ExchangeBitget, 0)
	assert.InDelta(t, 1200.0/60, float64(full.limiters[KeyGlobal].limiter.Limit()), 0.001)
}

func TestWrap_DelegatesAndThrottles(t *testing.T) {
	stub := &stubGateway{}
	m := NewMultiLimiter()
	m.AddLimiter(KeyGlobal, NewLimiter("g", 600))
	m.AddLimiter(KeyTrading, NewLimiter("t", 1))

	gw := Wrap(stub, m)
	assert.Equal(t, "stub", gw.Name())

	price, err := gw.GetTickerPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(1)))

	_, err = gw.PlaceOrder(context.Background(), &exchanges.OrderRequest{})
	require.NoError(t, err)

	// trading bucket is now empty
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = gw.PlaceOrder(ctx, &exchanges.OrderRequest{})
	require.Error(t, err)
	assert.Equal(t, 2, stub.calls)
}
