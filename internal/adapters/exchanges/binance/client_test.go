package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpgate/internal/adapters/exchanges"
	"perpgate/internal/testsupport"
	"perpgate/pkg/errors"
)

func newTestClient(t *testing.T) (exchanges.Gateway, *testsupport.ExchangeServer) {
	t.Helper()
	srv := testsupport.NewExchangeServer(t)
	gw, err := NewClient(Config{APIKey: "key", SecretKey: "secret", BaseURL: srv.URL})
	require.NoError(t, err)
	return gw, srv
}

func TestClient_ListInstruments(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodGet, "/fapi/v1/exchangeInfo", `{"symbols":[
		{"symbol":"BTCUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.10"},
			{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
			{"filterType":"MIN_NOTIONAL","notional":"100"}]},
		{"symbol":"NEWUSDT","filters":[]}
	]}`)

	list, err := gw.ListInstruments(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, "BTCUSDT", list[0].Symbol)
	assert.Equal(t, "0.001", list[0].QuantityStep)
	assert.Equal(t, "0.10", list[0].PriceStep)
	assert.True(t, list[0].MinNotional.Equal(decimal.NewFromInt(100)))
	assert.True(t, list[0].MinQuantity.Equal(decimal.RequireFromString("0.001")))

	assert.Empty(t, list[1].QuantityStep)
	assert.True(t, list[1].MinNotional.IsZero())
}

func TestClient_GetTickerPrice(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodGet, "/fapi/v1/ticker/price", `{"symbol":"BTCUSDT","price":"50123.40","time":1}`)

	price, err := gw.GetTickerPrice(context.Background(), "btc-usdt")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("50123.4")))

	req, ok := srv.Last("/fapi/v1/ticker/price")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", req.Query.Get("symbol"))
	assert.Empty(t, req.Header.Get("X-MBX-APIKEY"))
}

func TestClient_GetTradingMode(t *testing.T) {
	gw, srv := newTestClient(t)

	srv.Handle(http.MethodGet, "/fapi/v1/positionSide/dual", `{"dualSidePosition":true}`)
	mode, err := gw.GetTradingMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, exchanges.TradingModeHedge, mode)

	srv.Handle(http.MethodGet, "/fapi/v1/positionSide/dual", `{"dualSidePosition":false}`)
	mode, err = gw.GetTradingMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, exchanges.TradingModeOneWay, mode)
}

func TestClient_SignsRequests(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodPost, "/fapi/v1/leverage", `{"leverage":10,"symbol":"BTCUSDT"}`)

	require.NoError(t, gw.SetLeverage(context.Background(), "BTCUSDT", 10))

	req, ok := srv.Last("/fapi/v1/leverage")
	require.True(t, ok)
	assert.Equal(t, "key", req.Header.Get("X-MBX-APIKEY"))

	form := req.Form()
	assert.Equal(t, "10", form.Get("leverage"))
	signature := form.Get("signature")
	require.NotEmpty(t, signature)

	// signature covers every parameter before it
	unsigned := strings.TrimSuffix(req.Body, "&signature="+signature)
	unsigned = strings.Replace(unsigned, "signature="+signature+"&", "", 1)
	values, err := url.ParseQuery(unsigned)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(values.Encode()))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), signature)
}

func TestClient_PlaceOrder(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodPost, "/fapi/v1/order", `{"orderId":42,"clientOrderId":"abc","symbol":"BTCUSDT","side":"SELL",
		"positionSide":"LONG","type":"TAKE_PROFIT_MARKET","status":"NEW","stopPrice":"53000","origQty":"0","closePosition":true}`)

	t.Run("close position take profit", func(t *testing.T) {
		order, err := gw.PlaceOrder(context.Background(), &exchanges.OrderRequest{
			Symbol:        "BTCUSDT",
			Side:          exchanges.OrderSideSell,
			Type:          exchanges.OrderTypeTakeProfitMarket,
			StopPrice:     decimal.NewFromInt(53000),
			PositionSide:  exchanges.PositionSideLong,
			ClosePosition: true,
			ClientOrderID: "abc",
		})
		require.NoError(t, err)
		assert.Equal(t, "42", order.ID)
		assert.Equal(t, exchanges.OrderTypeTakeProfitMarket, order.Type)
		assert.Equal(t, exchanges.PositionSideLong, order.PositionSide)
		assert.True(t, order.ClosePosition)

		req, _ := srv.Last("/fapi/v1/order")
		form := req.Form()
		assert.Equal(t, "true", form.Get("closePosition"))
		assert.Empty(t, form.Get("quantity"))
		assert.Equal(t, "53000", form.Get("stopPrice"))
		assert.Equal(t, "LONG", form.Get("positionSide"))
		assert.Equal(t, "abc", form.Get("newClientOrderId"))
	})

	t.Run("limit order", func(t *testing.T) {
		_, err := gw.PlaceOrder(context.Background(), &exchanges.OrderRequest{
			Symbol:       "BTCUSDT",
			Side:         exchanges.OrderSideBuy,
			Type:         exchanges.OrderTypeLimit,
			Quantity:     decimal.RequireFromString("0.2"),
			Price:        decimal.NewFromInt(49000),
			TimeInForce:  exchanges.TimeInForceGTC,
			PositionSide: exchanges.PositionSideBoth,
		})
		require.NoError(t, err)

		req, _ := srv.Last("/fapi/v1/order")
		form := req.Form()
		assert.Equal(t, "LIMIT", form.Get("type"))
		assert.Equal(t, "0.2", form.Get("quantity"))
		assert.Equal(t, "49000", form.Get("price"))
		assert.Equal(t, "GTC", form.Get("timeInForce"))
		assert.Empty(t, form.Get("closePosition"))
	})

	t.Run("invalid request never reaches the exchange", func(t *testing.T) {
		before := len(srv.Requests())
		_, err := gw.PlaceOrder(context.Background(), &exchanges.OrderRequest{
			Symbol: "BTCUSDT",
			Side:   exchanges.OrderSideBuy,
			Type:   exchanges.OrderTypeMarket,
		})
		assert.ErrorIs(t, err, exchanges.ErrInvalidRequest)
		assert.Len(t, srv.Requests(), before)
	})
}

func TestClient_ListOpenOrdersAndCancel(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodGet, "/fapi/v1/openOrders", `[
		{"orderId":1,"symbol":"BTCUSDT","side":"SELL","positionSide":"BOTH","type":"STOP_MARKET","status":"NEW","stopPrice":"48000","closePosition":true},
		{"orderId":2,"symbol":"BTCUSDT","side":"SELL","positionSide":"BOTH","type":"TAKE_PROFIT_MARKET","status":"NEW","stopPrice":"51000","origQty":"0.067"}
	]`)
	srv.Handle(http.MethodDelete, "/fapi/v1/order", `{"orderId":1,"status":"CANCELED"}`)

	orders, err := gw.ListOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.True(t, orders[0].IsStop())
	assert.True(t, orders[1].IsTakeProfit())
	assert.Equal(t, exchanges.PositionSideBoth, orders[1].PositionSide)
	assert.True(t, orders[1].Quantity.Equal(decimal.RequireFromString("0.067")))

	require.NoError(t, gw.CancelOrder(context.Background(), "BTCUSDT", "1"))
	req, _ := srv.Last("/fapi/v1/order")
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, "1", req.Query.Get("orderId"))
}

func TestClient_GetMaxLeverage(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodGet, "/fapi/v1/leverageBracket", `[
		{"symbol":"BTCUSDT","brackets":[
			{"bracket":1,"initialLeverage":125,"notionalCap":50000},
			{"bracket":2,"initialLeverage":100,"notionalCap":250000}]}
	]`)

	maxLeverage, err := gw.GetMaxLeverage(context.Background(), "btc-usdt")
	require.NoError(t, err)
	assert.Equal(t, 125, maxLeverage)

	req, ok := srv.Last("/fapi/v1/leverageBracket")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", req.Query.Get("symbol"))
	assert.NotEmpty(t, req.Query.Get("signature"))

	srv.Handle(http.MethodGet, "/fapi/v1/leverageBracket", `[{"symbol":"ETHUSDT","brackets":[{"initialLeverage":100}]}]`)
	_, err = gw.GetMaxLeverage(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, errors.ErrInstrumentNotFound)
}

func TestClient_GetOrderHistory(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodGet, "/fapi/v1/allOrders", `[
		{"orderId":1,"symbol":"BTCUSDT","side":"BUY","type":"MARKET","status":"FILLED","origQty":"0.2","executedQty":"0.2","updateTime":1700000000000},
		{"orderId":2,"symbol":"BTCUSDT","side":"SELL","type":"STOP_MARKET","status":"CANCELED","stopPrice":"48000","closePosition":true,"updateTime":1700000060000}
	]`)

	orders, err := gw.GetOrderHistory(context.Background(), "BTCUSDT", 50)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "2", orders[0].ID)
	assert.Equal(t, exchanges.OrderStatusCanceled, orders[0].Status)
	assert.Equal(t, exchanges.OrderStatusFilled, orders[1].Status)
	assert.True(t, orders[1].Filled.Equal(decimal.RequireFromString("0.2")))

	req, _ := srv.Last("/fapi/v1/allOrders")
	assert.Equal(t, "50", req.Query.Get("limit"))

	_, err = gw.GetOrderHistory(context.Background(), "BTCUSDT", 0)
	require.NoError(t, err)
	req, _ = srv.Last("/fapi/v1/allOrders")
	assert.False(t, req.Query.Has("limit"))
}

func TestClient_BalanceAndPositions(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodGet, "/fapi/v2/balance", `[
		{"asset":"BNB","balance":"1.5","availableBalance":"1.5"},
		{"asset":"USDT","balance":"1000.25","availableBalance":"750"}
	]`)
	srv.Handle(http.MethodGet, "/fapi/v2/positionRisk", `[
		{"symbol":"BTCUSDT","positionAmt":"0.2","positionSide":"LONG","entryPrice":"50000","leverage":"10"},
		{"symbol":"ETHUSDT","positionAmt":"0","positionSide":"BOTH"}
	]`)

	balance, err := gw.GetBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, balance.Total.Equal(decimal.RequireFromString("1000.25")))
	usdt, ok := balance.Asset("USDT")
	require.True(t, ok)
	assert.True(t, usdt.Available.Equal(decimal.NewFromInt(750)))

	positions, err := gw.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, exchanges.PositionSideLong, positions[0].Side)
}

func TestClient_Errors(t *testing.T) {
	gw, srv := newTestClient(t)

	srv.HandleStatus(http.MethodPost, "/fapi/v1/leverage", http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests"}`)
	err := gw.SetLeverage(context.Background(), "BTCUSDT", 5)
	assert.ErrorIs(t, err, exchanges.ErrRateLimited)

	srv.HandleStatus(http.MethodGet, "/fapi/v1/positionSide/dual", http.StatusUnauthorized, `{"code":-2015,"msg":"Invalid API-key"}`)
	_, err = gw.GetTradingMode(context.Background())
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	srv.HandleStatus(http.MethodPost, "/fapi/v1/order", http.StatusBadRequest, `{"code":-2021,"msg":"Order would immediately trigger."}`)
	_, err = gw.PlaceOrder(context.Background(), &exchanges.OrderRequest{
		Symbol: "BTCUSDT", Side: exchanges.OrderSideSell, Type: exchanges.OrderTypeStopMarket,
		StopPrice: decimal.NewFromInt(60000), ClosePosition: true,
	})
	assert.True(t, errors.Is(err, errors.ErrOrderRejected))
}

func TestClient_Close(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodGet, "/fapi/v1/ticker/price", `{"price":"1"}`)

	require.NoError(t, gw.Close())
	require.NoError(t, gw.Close())

	_, err := gw.GetTickerPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, exchanges.ErrClosed)
}
