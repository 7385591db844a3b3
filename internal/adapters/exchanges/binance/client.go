package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"perpgate/internal/adapters/exchanges"
	"perpgate/pkg/errors"
)

const (
	futuresBaseURL      = "https://fapi.binance.com"
	futuresTestnetURL   = "https://testnet.binancefuture.com"
	defaultRecvWindowMs = 5000
	defaultHTTPTimeout  = 10 * time.Second
)

// Config configures the Binance USDⓈ-M futures client.
type Config struct {
	APIKey    string
	SecretKey string
	Testnet   bool

	// BaseURL overrides the endpoint selected by Testnet.
	BaseURL    string
	HTTPClient *http.Client
	RecvWindow time.Duration
}

// NewClient creates a new Binance adapter.
func NewClient(cfg Config) (exchanges.Gateway, error) {
	if cfg.APIKey == "" && cfg.SecretKey != "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "api key required when secret key provided")
	}
	if cfg.SecretKey == "" && cfg.APIKey != "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "secret key required when api key provided")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = defaultRecvWindowMs * time.Millisecond
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = futuresBaseURL
		if cfg.Testnet {
			cfg.BaseURL = futuresTestnetURL
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &client{
		cfg:        cfg,
		httpClient: httpClient,
	}, nil
}

type client struct {
	cfg        Config
	httpClient *http.Client

	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *client) Name() string {
	return "binance"
}

func (c *client) ListInstruments(ctx context.Context) ([]exchanges.Instrument, error) {
	data, err := c.get(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}

	var res struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				TickSize   string `json:"tickSize"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}

	out := make([]exchanges.Instrument, 0, len(res.Symbols))
	for _, s := range res.Symbols {
		inst := exchanges.Instrument{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				inst.QuantityStep = f.StepSize
				inst.MinQuantity = parseDecimal(f.MinQty)
			case "PRICE_FILTER":
				inst.PriceStep = f.TickSize
			case "MIN_NOTIONAL":
				inst.MinNotional = parseDecimal(f.Notional)
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

func (c *client) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	data, err := c.get(ctx, "/fapi/v1/ticker/price", url.Values{"symbol": []string{normalizeSymbol(symbol)}})
	if err != nil {
		return decimal.Zero, err
	}

	var res struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return decimal.Zero, err
	}
	return parseDecimal(res.Price), nil
}

// GetMaxLeverage reads the first notional bracket, which carries the highest initial leverage.
func (c *client) GetMaxLeverage(ctx context.Context, symbol string) (int, error) {
	symbol = normalizeSymbol(symbol)
	data, err := c.signed(ctx, http.MethodGet, "/fapi/v1/leverageBracket", url.Values{"symbol": []string{symbol}})
	if err != nil {
		return 0, err
	}

	var res []struct {
		Symbol   string `json:"symbol"`
		Brackets []struct {
			InitialLeverage int `json:"initialLeverage"`
		} `json:"brackets"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return 0, err
	}

	maxLeverage := 0
	for _, r := range res {
		if r.Symbol != symbol {
			continue
		}
		for _, b := range r.Brackets {
			if b.InitialLeverage > maxLeverage {
				maxLeverage = b.InitialLeverage
			}
		}
	}
	if maxLeverage < 1 {
		return 0, errors.Wrapf(errors.ErrInstrumentNotFound, "binance leverage brackets for %s", symbol)
	}
	return maxLeverage, nil
}

func (c *client) GetTradingMode(ctx context.Context) (exchanges.TradingMode, error) {
	data, err := c.signed(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", nil)
	if err != nil {
		return "", err
	}

	var res struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return "", err
	}
	if res.DualSidePosition {
		return exchanges.TradingModeHedge, nil
	}
	return exchanges.TradingModeOneWay, nil
}

func (c *client) GetBalance(ctx context.Context) (*exchanges.Balance, error) {
	data, err := c.signed(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return nil, err
	}

	var res []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}

	balance := &exchanges.Balance{Currency: "USDT"}
	for _, b := range res {
		total := parseDecimal(b.Balance)
		avail := parseDecimal(b.AvailableBalance)
		balance.Details = append(balance.Details, exchanges.BalanceDetail{
			Currency:  b.Asset,
			Total:     total,
			Available: avail,
		})
		if b.Asset == balance.Currency {
			balance.Total = total
			balance.Available = avail
		}
	}
	return balance, nil
}

func (c *client) GetPositions(ctx context.Context) ([]exchanges.Position, error) {
	data, err := c.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, err
	}

	var res []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		PositionSide     string `json:"positionSide"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}

	positions := make([]exchanges.Position, 0, len(res))
	for _, p := range res {
		size := parseDecimal(p.PositionAmt)
		if size.IsZero() {
			continue
		}
		positions = append(positions, exchanges.Position{
			Symbol:        p.Symbol,
			Side:          positionSideFromString(p.PositionSide),
			Size:          size,
			EntryPrice:    parseDecimal(p.EntryPrice),
			MarkPrice:     parseDecimal(p.MarkPrice),
			Leverage:      parseDecimal(p.Leverage),
			UnrealizedPnL: parseDecimal(p.UnRealizedProfit),
		})
	}
	return positions, nil
}

// orderResponse is shared by order placement, open orders and order history
type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	ClosePosition bool   `json:"closePosition"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

func (o orderResponse) toOrder() exchanges.Order {
	return exchanges.Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Type:          orderTypeFromString(o.Type),
		Side:          orderSideFromString(o.Side),
		PositionSide:  positionSideFromString(o.PositionSide),
		Status:        orderStatusFromString(o.Status),
		Price:         parseDecimal(o.Price),
		StopPrice:     parseDecimal(o.StopPrice),
		Quantity:      parseDecimal(o.OrigQty),
		Filled:        parseDecimal(o.ExecutedQty),
		ClosePosition: o.ClosePosition,
		ReduceOnly:    o.ReduceOnly,
		CreatedAt:     time.UnixMilli(o.UpdateTime),
	}
}

func (c *client) ListOpenOrders(ctx context.Context, symbol string) ([]exchanges.Order, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", normalizeSymbol(symbol))
	}

	data, err := c.signed(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}

	var res []orderResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}

	orders := make([]exchanges.Order, 0, len(res))
	for _, o := range res {
		orders = append(orders, o.toOrder())
	}
	return orders, nil
}

func (c *client) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]exchanges.Order, error) {
	params := url.Values{"symbol": []string{normalizeSymbol(symbol)}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	data, err := c.signed(ctx, http.MethodGet, "/fapi/v1/allOrders", params)
	if err != nil {
		return nil, err
	}

	var res []orderResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}

	// allOrders is oldest first
	orders := make([]exchanges.Order, 0, len(res))
	for i := len(res) - 1; i >= 0; i-- {
		orders = append(orders, res[i].toOrder())
	}
	return orders, nil
}

func (c *client) PlaceOrder(ctx context.Context, req *exchanges.OrderRequest) (*exchanges.Order, error) {
	if req == nil {
		return nil, exchanges.ErrInvalidRequest
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	params := url.Values{
		"symbol": []string{normalizeSymbol(req.Symbol)},
		"side":   []string{string(req.Side)},
		"type":   []string{string(req.Type)},
	}
	if req.PositionSide != "" {
		params.Set("positionSide", string(req.PositionSide))
	}
	if req.ClosePosition {
		params.Set("closePosition", "true")
	} else {
		params.Set("quantity", req.Quantity.String())
	}
	if req.Type == exchanges.OrderTypeLimit {
		params.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = exchanges.TimeInForceGTC
		}
		params.Set("timeInForce", string(tif))
	}
	if !req.StopPrice.IsZero() {
		params.Set("stopPrice", req.StopPrice.String())
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	// reduceOnly is rejected in hedge mode and redundant with closePosition
	if req.ReduceOnly && !req.ClosePosition && req.PositionSide == exchanges.PositionSideBoth {
		params.Set("reduceOnly", "true")
	}

	data, err := c.signed(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}

	var res orderResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	order := res.toOrder()
	return &order, nil
}

func (c *client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{
		"symbol":  []string{normalizeSymbol(symbol)},
		"orderId": []string{orderID},
	}

	_, err := c.signed(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

func (c *client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{
		"symbol":   []string{normalizeSymbol(symbol)},
		"leverage": []string{strconv.Itoa(leverage)},
	}

	_, err := c.signed(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

func (c *client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.httpClient.CloseIdleConnections()
	})
	return nil
}

func (c *client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, path, params, false)
}

func (c *client) signed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, errors.Wrap(errors.ErrUnauthorized, "binance api credentials not configured")
	}
	return c.doRequest(ctx, method, path, params, true)
}

func (c *client) doRequest(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if c.closed.Load() {
		return nil, exchanges.ErrClosed
	}
	if params == nil {
		params = url.Values{}
	}

	var body io.Reader
	query := params.Encode()

	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow.Milliseconds(), 10))
		signature := c.sign(params.Encode())
		params.Set("signature", signature)
		query = params.Encode()
	}

	reqURL := c.cfg.BaseURL + path

	switch method {
	case http.MethodGet, http.MethodDelete:
		if query != "" {
			reqURL = reqURL + "?" + query
		}
	default:
		body = strings.NewReader(query)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}

	if signed {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrExchangeUnavailable, "binance %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, payload)
	}

	return payload, nil
}

func (c *client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	_, _ = mac.Write([]byte(payload))
	return fmt.Sprintf("%x", mac.Sum(nil))
}

func parseAPIError(status int, payload []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Code != 0 {
		switch {
		case apiErr.Code == -1003 || status == http.StatusTooManyRequests || status == http.StatusTeapot:
			return fmt.Errorf("%w: %s", exchanges.ErrRateLimited, apiErr.Msg)
		case apiErr.Code == -2014 || apiErr.Code == -2015 || status == http.StatusUnauthorized:
			return errors.Wrapf(errors.ErrUnauthorized, "binance error %d: %s", apiErr.Code, apiErr.Msg)
		case apiErr.Code <= -2000 && apiErr.Code > -3000:
			return errors.Wrapf(errors.ErrOrderRejected, "binance error %d: %s", apiErr.Code, apiErr.Msg)
		}
		return fmt.Errorf("binance error %d: %s", apiErr.Code, apiErr.Msg)
	}
	if status >= 500 {
		return errors.Wrapf(errors.ErrExchangeUnavailable, "binance http %d", status)
	}
	return fmt.Errorf("binance http %d: %s", status, string(payload))
}

func parseDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func orderTypeFromString(s string) exchanges.OrderType {
	switch strings.ToUpper(s) {
	case "MARKET":
		return exchanges.OrderTypeMarket
	case "STOP_MARKET", "STOP":
		return exchanges.OrderTypeStopMarket
	case "TAKE_PROFIT_MARKET", "TAKE_PROFIT":
		return exchanges.OrderTypeTakeProfitMarket
	default:
		return exchanges.OrderTypeLimit
	}
}

func orderSideFromString(s string) exchanges.OrderSide {
	if strings.ToUpper(s) == "SELL" {
		return exchanges.OrderSideSell
	}
	return exchanges.OrderSideBuy
}

func positionSideFromString(s string) exchanges.PositionSide {
	switch strings.ToUpper(s) {
	case "LONG":
		return exchanges.PositionSideLong
	case "SHORT":
		return exchanges.PositionSideShort
	default:
		return exchanges.PositionSideBoth
	}
}

func orderStatusFromString(s string) exchanges.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return exchanges.OrderStatusNew
	case "PARTIALLY_FILLED":
		return exchanges.OrderStatusPartial
	case "FILLED":
		return exchanges.OrderStatusFilled
	case "CANCELED", "EXPIRED":
		return exchanges.OrderStatusCanceled
	case "REJECTED":
		return exchanges.OrderStatusRejected
	default:
		return exchanges.OrderStatusUnknown
	}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}
