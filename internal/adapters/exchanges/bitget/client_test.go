package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
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
	gw, err := NewClient(Config{APIKey: "key", SecretKey: "secret", Passphrase: "pass", BaseURL: srv.URL})
	require.NoError(t, err)
	return gw, srv
}

func ok(data string) string {
	return `{"code":"00000","msg":"success","requestTime":1,"data":` + data + `}`
}

func bodyOf(t *testing.T, req testsupport.RecordedRequest) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(req.Body), &out))
	return out
}

func TestTickSize(t *testing.T) {
	assert.Equal(t, "0.1", tickSize("1", "1"))
	assert.Equal(t, "0.5", tickSize("1", "5"))
	assert.Equal(t, "0.0001", tickSize("4", ""))
	assert.Equal(t, "1", tickSize("0", "1"))
	assert.Equal(t, "", tickSize("x", "1"))
}

func TestClient_ListInstruments(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodGet, "/api/v2/mix/market/contracts", ok(`[
		{"symbol":"BTCUSDT","sizeMultiplier":"0.001","minTradeNum":"0.001","pricePlace":"1","priceEndStep":"1","minTradeUSDT":"5"}
	]`))

	list, err := gw.ListInstruments(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "BTCUSDT", list[0].Symbol)
	assert.Equal(t, "0.001", list[0].QuantityStep)
	assert.Equal(t, "0.1", list[0].PriceStep)
	assert.True(t, list[0].MinNotional.Equal(decimal.NewFromInt(5)))

	req, _ := srv.Last("/api/v2/mix/market/contracts")
	assert.Equal(t, "USDT-FUTURES", req.Query.Get("productType"))
	assert.Empty(t, req.Header.Get("ACCESS-SIGN"))
}

func TestClient_GetTickerPrice(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodGet, "/api/v2/mix/market/ticker", ok(`[{"symbol":"BTCUSDT","lastPr":"61000.1"}]`))

	price, err := gw.GetTickerPrice(context.Background(), "btc_usdt")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("61000.1")))

	req, _ := srv.Last("/api/v2/mix/market/ticker")
	assert.Equal(t, "BTCUSDT", req.Query.Get("symbol"))
}

func TestClient_GetTradingMode(t *testing.T) {
	gw, srv := newTestClient(t)

	srv.Handle(http.MethodGet, "/api/v2/mix/account/account", ok(`{"marginCoin":"USDT","posMode":"hedge_mode"}`))
	mode, err := gw.GetTradingMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, exchanges.TradingModeHedge, mode)

	req, _ := srv.Last("/api/v2/mix/account/account")
	assert.Equal(t, "BTCUSDT", req.Query.Get("symbol"))

	ts := req.Header.Get("ACCESS-TIMESTAMP")
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(ts + "GET" + "/api/v2/mix/account/account?" + req.Query.Encode()))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), req.Header.Get("ACCESS-SIGN"))
	assert.Equal(t, "pass", req.Header.Get("ACCESS-PASSPHRASE"))

	srv.Handle(http.MethodGet, "/api/v2/mix/account/account", ok(`{"posMode":"one_way_mode"}`))
	mode, err = gw.GetTradingMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, exchanges.TradingModeOneWay, mode)
}

func TestClient_PlaceOrder_Hedge(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodPost, "/api/v2/mix/order/place-order", ok(`{"orderId":"1001","clientOid":"cid"}`))

	order, err := gw.PlaceOrder(context.Background(), &exchanges.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          exchanges.OrderSideSell,
		Type:          exchanges.OrderTypeLimit,
		Quantity:      decimal.RequireFromString("0.02"),
		Price:         decimal.NewFromInt(62000),
		PositionSide:  exchanges.PositionSideShort,
		ClientOrderID: "cid",
	})
	require.NoError(t, err)
	assert.Equal(t, "1001", order.ID)

	req, _ := srv.Last("/api/v2/mix/order/place-order")
	body := bodyOf(t, req)
	assert.Equal(t, "sell", body["side"])
	assert.Equal(t, "open", body["tradeSide"])
	assert.Equal(t, "limit", body["orderType"])
	assert.Equal(t, "62000", body["price"])
	assert.Equal(t, "gtc", body["force"])
	assert.Equal(t, "0.02", body["size"])
	assert.Equal(t, "cid", body["clientOid"])

	ts := req.Header.Get("ACCESS-TIMESTAMP")
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(ts + "POST" + "/api/v2/mix/order/place-order" + req.Body))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), req.Header.Get("ACCESS-SIGN"))
}

func TestClient_PlaceOrder_OneWayMarket(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodPost, "/api/v2/mix/order/place-order", ok(`{"orderId":"1002"}`))

	_, err := gw.PlaceOrder(context.Background(), &exchanges.OrderRequest{
		Symbol:       "BTCUSDT",
		Side:         exchanges.OrderSideBuy,
		Type:         exchanges.OrderTypeMarket,
		Quantity:     decimal.RequireFromString("0.01"),
		PositionSide: exchanges.PositionSideBoth,
	})
	require.NoError(t, err)

	req, _ := srv.Last("/api/v2/mix/order/place-order")
	body := bodyOf(t, req)
	assert.Equal(t, "market", body["orderType"])
	assert.NotContains(t, body, "tradeSide")
	assert.NotContains(t, body, "price")
}

func TestClient_PlacePlan(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodPost, "/api/v2/mix/order/place-tpsl-order", ok(`{"orderId":"55","clientOid":""}`))

	stop, err := gw.PlaceOrder(context.Background(), &exchanges.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          exchanges.OrderSideSell,
		Type:          exchanges.OrderTypeStopMarket,
		StopPrice:     decimal.NewFromInt(58000),
		PositionSide:  exchanges.PositionSideBoth,
		ClosePosition: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "plan:55", stop.ID)

	req, _ := srv.Last("/api/v2/mix/order/place-tpsl-order")
	body := bodyOf(t, req)
	assert.Equal(t, "pos_loss", body["planType"])
	assert.Equal(t, "58000", body["triggerPrice"])
	assert.Equal(t, "buy", body["holdSide"])
	assert.NotContains(t, body, "size")

	_, err = gw.PlaceOrder(context.Background(), &exchanges.OrderRequest{
		Symbol:       "BTCUSDT",
		Side:         exchanges.OrderSideBuy,
		Type:         exchanges.OrderTypeTakeProfitMarket,
		StopPrice:    decimal.NewFromInt(50000),
		Quantity:     decimal.RequireFromString("0.3"),
		PositionSide: exchanges.PositionSideShort,
	})
	require.NoError(t, err)

	req, _ = srv.Last("/api/v2/mix/order/place-tpsl-order")
	body = bodyOf(t, req)
	assert.Equal(t, "profit_plan", body["planType"])
	assert.Equal(t, "short", body["holdSide"])
	assert.Equal(t, "0.3", body["size"])
}

func TestClient_ListOpenOrders(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodGet, "/api/v2/mix/order/orders-pending", ok(`{"entrustedList":[
		{"orderId":"1","symbol":"BTCUSDT","size":"0.1","price":"59000","side":"buy","posSide":"net","orderType":"limit","status":"live","cTime":"1700000000000"}
	],"endId":"1"}`))
	srv.Handle(http.MethodGet, "/api/v2/mix/order/orders-plan-pending", ok(`{"entrustedList":[
		{"orderId":"7","symbol":"BTCUSDT","planType":"pos_loss","triggerPrice":"57000","size":"","side":"buy","posSide":"net","planStatus":"live"},
		{"orderId":"8","symbol":"BTCUSDT","planType":"profit_plan","triggerPrice":"65000","size":"0.05","side":"buy","posSide":"net","planStatus":"live"},
		{"orderId":"9","symbol":"BTCUSDT","planType":"moving_plan","triggerPrice":"1","planStatus":"live"}
	]}`))

	orders, err := gw.ListOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 3)

	assert.Equal(t, "1", orders[0].ID)
	assert.Equal(t, exchanges.OrderTypeLimit, orders[0].Type)

	assert.Equal(t, "plan:7", orders[1].ID)
	assert.True(t, orders[1].IsStop())
	assert.True(t, orders[1].ClosePosition)

	assert.Equal(t, "plan:8", orders[2].ID)
	assert.True(t, orders[2].IsTakeProfit())
	assert.False(t, orders[2].ClosePosition)

	req, _ := srv.Last("/api/v2/mix/order/orders-plan-pending")
	assert.Equal(t, "profit_loss", req.Query.Get("planType"))
}

func TestClient_ListOpenOrders_NullList(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodGet, "/api/v2/mix/order/orders-pending", ok(`{"entrustedList":null,"endId":null}`))
	srv.Handle(http.MethodGet, "/api/v2/mix/order/orders-plan-pending", ok(`null`))

	orders, err := gw.ListOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestClient_GetMaxLeverage(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodGet, "/api/v2/mix/market/contracts", ok(`[
		{"symbol":"BTCUSDT","minLever":"1","maxLever":"125","sizeMultiplier":"0.001"}
	]`))

	maxLeverage, err := gw.GetMaxLeverage(context.Background(), "btc-usdt")
	require.NoError(t, err)
	assert.Equal(t, 125, maxLeverage)

	req, _ := srv.Last("/api/v2/mix/market/contracts")
	assert.Equal(t, "BTCUSDT", req.Query.Get("symbol"))
	assert.Equal(t, "USDT-FUTURES", req.Query.Get("productType"))

	srv.Handle(http.MethodGet, "/api/v2/mix/market/contracts", ok(`[]`))
	_, err = gw.GetMaxLeverage(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, errors.ErrInstrumentNotFound)
}

func TestClient_GetOrderHistory(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodGet, "/api/v2/mix/order/orders-history", ok(`{"entrustedList":[
		{"orderId":"3","symbol":"BTCUSDT","size":"0.1","baseVolume":"0.1","side":"buy","posSide":"long","orderType":"market","status":"filled","cTime":"1700000000000"},
		{"orderId":"2","symbol":"BTCUSDT","size":"0.1","price":"59000","side":"buy","posSide":"long","orderType":"limit","status":"canceled"}
	],"endId":"2"}`))

	orders, err := gw.GetOrderHistory(context.Background(), "BTCUSDT", 20)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, exchanges.OrderTypeMarket, orders[0].Type)
	assert.Equal(t, exchanges.OrderStatusFilled, orders[0].Status)
	assert.True(t, orders[0].Filled.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, exchanges.OrderStatusCanceled, orders[1].Status)

	req, _ := srv.Last("/api/v2/mix/order/orders-history")
	assert.Equal(t, "20", req.Query.Get("limit"))
}

func TestClient_CancelOrder_RoutesByPrefix(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodPost, "/api/v2/mix/order/cancel-plan-order", ok(`{"successList":[{"orderId":"7"}],"failureList":[]}`))
	srv.Handle(http.MethodPost, "/api/v2/mix/order/cancel-order", ok(`{"orderId":"1"}`))

	require.NoError(t, gw.CancelOrder(context.Background(), "BTCUSDT", "plan:7"))
	require.NoError(t, gw.CancelOrder(context.Background(), "BTCUSDT", "1"))

	planReq, _ := srv.Last("/api/v2/mix/order/cancel-plan-order")
	list := bodyOf(t, planReq)["orderIdList"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "7", list[0].(map[string]interface{})["orderId"])

	orderReq, _ := srv.Last("/api/v2/mix/order/cancel-order")
	assert.Equal(t, "1", bodyOf(t, orderReq)["orderId"])
}

func TestClient_BalanceAndPositions(t *testing.T) {
	gw, srv := newTestClient(t)
	srv.Handle(http.MethodGet, "/api/v2/mix/account/accounts", ok(`[{"marginCoin":"USDT","accountEquity":"1000","usdtEquity":"1000","available":"750"}]`))
	srv.Handle(http.MethodGet, "/api/v2/mix/position/all-position", ok(`[
		{"symbol":"BTCUSDT","holdSide":"short","total":"0.2","openPriceAvg":"60000","posMode":"one_way_mode"},
		{"symbol":"ETHUSDT","holdSide":"long","total":"1","openPriceAvg":"3000","posMode":"hedge_mode"},
		{"symbol":"SOLUSDT","holdSide":"long","total":"0","posMode":"hedge_mode"}
	]`))

	balance, err := gw.GetBalance(context.Background())
	require.NoError(t, err)
	usdt, found := balance.Asset("USDT")
	require.True(t, found)
	assert.True(t, usdt.Available.Equal(decimal.NewFromInt(750)))

	positions, err := gw.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, exchanges.PositionSideBoth, positions[0].Side)
	assert.True(t, positions[0].Size.Equal(decimal.RequireFromString("-0.2")))
	assert.Equal(t, exchanges.PositionSideLong, positions[1].Side)
}

func TestClient_Errors(t *testing.T) {
	gw, srv := newTestClient(t)

	srv.Handle(http.MethodPost, "/api/v2/mix/account/set-leverage", `{"code":"40762","msg":"The order amount exceeds the balance","data":null}`)
	err := gw.SetLeverage(context.Background(), "BTCUSDT", 20)
	assert.ErrorIs(t, err, errors.ErrOrderRejected)

	srv.HandleStatus(http.MethodGet, "/api/v2/mix/market/ticker", http.StatusTooManyRequests, `{"code":"429","msg":"Too Many Requests"}`)
	_, err = gw.GetTickerPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, exchanges.ErrRateLimited)

	srv.HandleStatus(http.MethodGet, "/api/v2/mix/market/contracts", http.StatusServiceUnavailable, ``)
	_, err = gw.ListInstruments(context.Background())
	assert.ErrorIs(t, err, errors.ErrExchangeUnavailable)

	anon, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = anon.GetBalance(context.Background())
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	require.NoError(t, gw.Close())
	_, err = gw.GetPositions(context.Background())
	assert.ErrorIs(t, err, exchanges.ErrClosed)
}
