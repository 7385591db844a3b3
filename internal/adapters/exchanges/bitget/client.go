package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"perpgate/internal/adapters/exchanges"
	"perpgate/pkg/errors"
)

const (
	baseURL        = "https://api.bitget.com"
	defaultTimeout = 10 * time.Second

	productType = "USDT-FUTURES"
	marginCoin  = "USDT"
	marginMode  = "crossed"
	successCode = "00000"

	defaultModeSymbol = "BTCUSDT"
)

// Config configures the BitGet v2 mix (USDT-M futures) client.
type Config struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	// Testnet sends the paptrading header, BitGet demo shares the production host
	Testnet bool

	BaseURL string
	Timeout time.Duration
	// ModeSymbol is queried for the account position mode, which BitGet only exposes per symbol
	ModeSymbol string
}

// NewClient creates a BitGet adapter backed by resty.
func NewClient(cfg Config) (exchanges.Gateway, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = baseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ModeSymbol == "" {
		cfg.ModeSymbol = defaultModeSymbol
	}

	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("locale", "en-US")

	return &client{cfg: cfg, http: rc}, nil
}

type client struct {
	cfg  Config
	http *resty.Client

	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *client) Name() string {
	return "bitget"
}

func (c *client) ListInstruments(ctx context.Context) ([]exchanges.Instrument, error) {
	var res []struct {
		Symbol         string `json:"symbol"`
		SizeMultiplier string `json:"sizeMultiplier"`
		MinTradeNum    string `json:"minTradeNum"`
		PricePlace     string `json:"pricePlace"`
		PriceEndStep   string `json:"priceEndStep"`
		MinTradeUSDT   string `json:"minTradeUSDT"`
	}
	params := url.Values{"productType": {productType}}
	if err := c.do(ctx, http.MethodGet, "/api/v2/mix/market/contracts", params, nil, false, &res); err != nil {
		return nil, err
	}

	out := make([]exchanges.Instrument, 0, len(res))
	for _, item := range res {
		out = append(out, exchanges.Instrument{
			Symbol:       item.Symbol,
			QuantityStep: item.SizeMultiplier,
			PriceStep:    tickSize(item.PricePlace, item.PriceEndStep),
			MinQuantity:  dec(item.MinTradeNum),
			MinNotional:  dec(item.MinTradeUSDT),
		})
	}
	return out, nil
}

// tickSize turns pricePlace=1, priceEndStep=5 into "0.5"
func tickSize(pricePlace, priceEndStep string) string {
	places, err := strconv.ParseInt(pricePlace, 10, 32)
	if err != nil {
		return ""
	}
	step, err := strconv.ParseInt(priceEndStep, 10, 64)
	if err != nil || step == 0 {
		step = 1
	}
	return decimal.New(step, -int32(places)).String()
}

func (c *client) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var res []struct {
		Symbol string `json:"symbol"`
		LastPr string `json:"lastPr"`
	}
	params := url.Values{"symbol": {normalizeSymbol(symbol)}, "productType": {productType}}
	if err := c.do(ctx, http.MethodGet, "/api/v2/mix/market/ticker", params, nil, false, &res); err != nil {
		return decimal.Zero, err
	}
	if len(res) == 0 {
		return decimal.Zero, nil
	}
	return dec(res[0].LastPr), nil
}

func (c *client) GetMaxLeverage(ctx context.Context, symbol string) (int, error) {
	symbol = normalizeSymbol(symbol)
	var res []struct {
		Symbol   string `json:"symbol"`
		MaxLever string `json:"maxLever"`
	}
	params := url.Values{"productType": {productType}, "symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "/api/v2/mix/market/contracts", params, nil, false, &res); err != nil {
		return 0, err
	}
	for _, item := range res {
		if item.Symbol != symbol {
			continue
		}
		if lev := dec(item.MaxLever).IntPart(); lev > 0 {
			return int(lev), nil
		}
	}
	return 0, errors.Wrapf(errors.ErrInstrumentNotFound, "bitget leverage for %s", symbol)
}

func (c *client) GetTradingMode(ctx context.Context) (exchanges.TradingMode, error) {
	var res struct {
		PosMode string `json:"posMode"`
	}
	params := url.Values{
		"symbol":      {c.cfg.ModeSymbol},
		"productType": {productType},
		"marginCoin":  {marginCoin},
	}
	if err := c.do(ctx, http.MethodGet, "/api/v2/mix/account/account", params, nil, true, &res); err != nil {
		return "", err
	}

	switch res.PosMode {
	case "hedge_mode":
		return exchanges.TradingModeHedge, nil
	case "one_way_mode":
		return exchanges.TradingModeOneWay, nil
	default:
		return exchanges.TradingMode(res.PosMode), nil
	}
}

func (c *client) GetBalance(ctx context.Context) (*exchanges.Balance, error) {
	var res []struct {
		MarginCoin    string `json:"marginCoin"`
		AccountEquity string `json:"accountEquity"`
		UsdtEquity    string `json:"usdtEquity"`
		Available     string `json:"available"`
	}
	params := url.Values{"productType": {productType}}
	if err := c.do(ctx, http.MethodGet, "/api/v2/mix/account/accounts", params, nil, true, &res); err != nil {
		return nil, err
	}

	balance := &exchanges.Balance{Currency: "USD"}
	for _, acc := range res {
		balance.Total = balance.Total.Add(dec(acc.UsdtEquity))
		balance.Available = balance.Available.Add(dec(acc.Available))
		balance.Details = append(balance.Details, exchanges.BalanceDetail{
			Currency:  acc.MarginCoin,
			Total:     dec(acc.AccountEquity),
			Available: dec(acc.Available),
		})
	}
	return balance, nil
}

func (c *client) GetPositions(ctx context.Context) ([]exchanges.Position, error) {
	var res []struct {
		Symbol       string `json:"symbol"`
		HoldSide     string `json:"holdSide"`
		Total        string `json:"total"`
		OpenPriceAvg string `json:"openPriceAvg"`
		MarkPrice    string `json:"markPrice"`
		Leverage     string `json:"leverage"`
		UnrealizedPL string `json:"unrealizedPL"`
		PosMode      string `json:"posMode"`
	}
	params := url.Values{"productType": {productType}, "marginCoin": {marginCoin}}
	if err := c.do(ctx, http.MethodGet, "/api/v2/mix/position/all-position", params, nil, true, &res); err != nil {
		return nil, err
	}

	positions := make([]exchanges.Position, 0, len(res))
	for _, p := range res {
		size := dec(p.Total)
		if size.IsZero() {
			continue
		}

		side := exchanges.PositionSideBoth
		if p.PosMode == "hedge_mode" {
			side = positionSideFromString(p.HoldSide)
		} else if p.HoldSide == "short" {
			size = size.Neg()
		}

		positions = append(positions, exchanges.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    dec(p.OpenPriceAvg),
			MarkPrice:     dec(p.MarkPrice),
			Leverage:      dec(p.Leverage),
			UnrealizedPnL: dec(p.UnrealizedPL),
		})
	}
	return positions, nil
}

// pendingList is the entrustedList envelope shared by order lists
type pendingList[T any] struct {
	EntrustedList []T `json:"entrustedList"`
}

// orderEntry is a regular order as returned by the pending and history lists
type orderEntry struct {
	OrderID    string `json:"orderId"`
	ClientOid  string `json:"clientOid"`
	Symbol     string `json:"symbol"`
	Size       string `json:"size"`
	BaseVolume string `json:"baseVolume"`
	Price      string `json:"price"`
	Side       string `json:"side"`
	PosSide    string `json:"posSide"`
	OrderType  string `json:"orderType"`
	Status     string `json:"status"`
	ReduceOnly string `json:"reduceOnly"`
	CTime      string `json:"cTime"`
}

func (o orderEntry) toOrder() exchanges.Order {
	orderType := exchanges.OrderTypeLimit
	if o.OrderType == "market" {
		orderType = exchanges.OrderTypeMarket
	}
	return exchanges.Order{
		ID:            o.OrderID,
		ClientOrderID: o.ClientOid,
		Symbol:        o.Symbol,
		Type:          orderType,
		Side:          sideFromString(o.Side),
		PositionSide:  positionSideFromString(o.PosSide),
		Status:        statusFromString(o.Status),
		Price:         dec(o.Price),
		Quantity:      dec(o.Size),
		Filled:        dec(o.BaseVolume),
		ReduceOnly:    o.ReduceOnly == "YES",
		CreatedAt:     time.UnixMilli(parseInt64(o.CTime)),
	}
}

// ListOpenOrders merges regular orders with pending TP/SL plan orders.
// Plan order IDs carry the "plan:" prefix so CancelOrder can route them.
func (c *client) ListOpenOrders(ctx context.Context, symbol string) ([]exchanges.Order, error) {
	params := url.Values{"productType": {productType}}
	if symbol != "" {
		params.Set("symbol", normalizeSymbol(symbol))
	}

	var pending pendingList[orderEntry]
	if err := c.do(ctx, http.MethodGet, "/api/v2/mix/order/orders-pending", params, nil, true, &pending); err != nil {
		return nil, err
	}

	orders := make([]exchanges.Order, 0, len(pending.EntrustedList))
	for _, o := range pending.EntrustedList {
		orders = append(orders, o.toOrder())
	}

	planParams := url.Values{"productType": {productType}, "planType": {"profit_loss"}}
	if symbol != "" {
		planParams.Set("symbol", normalizeSymbol(symbol))
	}

	var plans pendingList[struct {
		OrderID      string `json:"orderId"`
		ClientOid    string `json:"clientOid"`
		Symbol       string `json:"symbol"`
		PlanType     string `json:"planType"`
		TriggerPrice string `json:"triggerPrice"`
		Size         string `json:"size"`
		Side         string `json:"side"`
		PosSide      string `json:"posSide"`
		PlanStatus   string `json:"planStatus"`
		CTime        string `json:"cTime"`
	}]
	if err := c.do(ctx, http.MethodGet, "/api/v2/mix/order/orders-plan-pending", planParams, nil, true, &plans); err != nil {
		return nil, err
	}

	for _, p := range plans.EntrustedList {
		orderType, closePosition, ok := planOrderType(p.PlanType)
		if !ok {
			continue
		}
		orders = append(orders, exchanges.Order{
			ID:            exchanges.PlanOrderPrefix + p.OrderID,
			ClientOrderID: p.ClientOid,
			Symbol:        p.Symbol,
			Type:          orderType,
			Side:          sideFromString(p.Side),
			PositionSide:  positionSideFromString(p.PosSide),
			Status:        statusFromString(p.PlanStatus),
			StopPrice:     dec(p.TriggerPrice),
			Quantity:      dec(p.Size),
			ClosePosition: closePosition,
			ReduceOnly:    true,
			CreatedAt:     time.UnixMilli(parseInt64(p.CTime)),
		})
	}
	return orders, nil
}

// maxHistoryLimit is the page size cap of orders-history
const maxHistoryLimit = 100

func (c *client) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]exchanges.Order, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	params := url.Values{
		"productType": {productType},
		"symbol":      {normalizeSymbol(symbol)},
		"limit":       {strconv.Itoa(limit)},
	}

	var res pendingList[orderEntry]
	if err := c.do(ctx, http.MethodGet, "/api/v2/mix/order/orders-history", params, nil, true, &res); err != nil {
		return nil, err
	}

	orders := make([]exchanges.Order, 0, len(res.EntrustedList))
	for _, o := range res.EntrustedList {
		orders = append(orders, o.toOrder())
	}
	return orders, nil
}

type orderResult struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
}

func (c *client) PlaceOrder(ctx context.Context, req *exchanges.OrderRequest) (*exchanges.Order, error) {
	if req == nil {
		return nil, exchanges.ErrInvalidRequest
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	switch req.Type {
	case exchanges.OrderTypeStopMarket, exchanges.OrderTypeTakeProfitMarket:
		return c.placePlan(ctx, req)
	}

	payload := map[string]string{
		"symbol":      normalizeSymbol(req.Symbol),
		"productType": productType,
		"marginMode":  marginMode,
		"marginCoin":  marginCoin,
		"size":        req.Quantity.String(),
		"side":        strings.ToLower(string(req.Side)),
		"orderType":   strings.ToLower(string(req.Type)),
	}
	if req.PositionSide == exchanges.PositionSideBoth {
		if req.ReduceOnly {
			payload["reduceOnly"] = "YES"
		}
	} else {
		payload["tradeSide"] = "open"
	}
	if req.Type == exchanges.OrderTypeLimit {
		payload["price"] = req.Price.String()
		payload["force"] = strings.ToLower(string(req.TimeInForce))
		if req.TimeInForce == "" {
			payload["force"] = "gtc"
		}
	}
	if req.ClientOrderID != "" {
		payload["clientOid"] = req.ClientOrderID
	}

	var res orderResult
	if err := c.do(ctx, http.MethodPost, "/api/v2/mix/order/place-order", nil, payload, true, &res); err != nil {
		return nil, err
	}

	return &exchanges.Order{
		ID:            res.OrderID,
		ClientOrderID: res.ClientOid,
		Symbol:        normalizeSymbol(req.Symbol),
		Type:          req.Type,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Status:        exchanges.OrderStatusNew,
		Price:         req.Price,
		Quantity:      req.Quantity,
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     time.Now(),
	}, nil
}

// placePlan submits a position TP/SL. pos_* plans close the whole position,
// *_plan variants close the given size.
func (c *client) placePlan(ctx context.Context, req *exchanges.OrderRequest) (*exchanges.Order, error) {
	payload := map[string]string{
		"symbol":       normalizeSymbol(req.Symbol),
		"productType":  productType,
		"marginCoin":   marginCoin,
		"planType":     planTypeFor(req.Type, req.ClosePosition),
		"triggerPrice": req.StopPrice.String(),
		"triggerType":  "fill_price",
		"executePrice": "0",
		"holdSide":     holdSide(req.PositionSide, req.Side),
	}
	if !req.ClosePosition {
		payload["size"] = req.Quantity.String()
	}
	if req.ClientOrderID != "" {
		payload["clientOid"] = req.ClientOrderID
	}

	var res orderResult
	if err := c.do(ctx, http.MethodPost, "/api/v2/mix/order/place-tpsl-order", nil, payload, true, &res); err != nil {
		return nil, err
	}

	return &exchanges.Order{
		ID:            exchanges.PlanOrderPrefix + res.OrderID,
		ClientOrderID: res.ClientOid,
		Symbol:        normalizeSymbol(req.Symbol),
		Type:          req.Type,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Status:        exchanges.OrderStatusNew,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		ClosePosition: req.ClosePosition,
		ReduceOnly:    true,
		CreatedAt:     time.Now(),
	}, nil
}

func (c *client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	prefix, id := exchanges.SplitOrderID(orderID)
	if prefix == exchanges.PlanOrderPrefix {
		payload := map[string]interface{}{
			"symbol":      normalizeSymbol(symbol),
			"productType": productType,
			"marginCoin":  marginCoin,
			"orderIdList": []map[string]string{{"orderId": id}},
		}
		return c.do(ctx, http.MethodPost, "/api/v2/mix/order/cancel-plan-order", nil, payload, true, nil)
	}

	payload := map[string]string{
		"symbol":      normalizeSymbol(symbol),
		"productType": productType,
		"marginCoin":  marginCoin,
		"orderId":     id,
	}
	return c.do(ctx, http.MethodPost, "/api/v2/mix/order/cancel-order", nil, payload, true, nil)
}

func (c *client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	payload := map[string]string{
		"symbol":      normalizeSymbol(symbol),
		"productType": productType,
		"marginCoin":  marginCoin,
		"leverage":    strconv.Itoa(leverage),
	}
	return c.do(ctx, http.MethodPost, "/api/v2/mix/account/set-leverage", nil, payload, true, nil)
}

func (c *client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.http.GetClient().CloseIdleConnections()
	})
	return nil
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// apiError is a non-success BitGet code
type apiError struct {
	Code string
	Msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bitget error %s: %s", e.Code, e.Msg)
}

func (e *apiError) Unwrap() error {
	switch {
	case e.Code == "429" || e.Code == "40010":
		return exchanges.ErrRateLimited
	case e.Code == "40006" || e.Code == "40009" || e.Code == "40012" || e.Code == "40037":
		return errors.ErrUnauthorized
	case strings.HasPrefix(e.Code, "43") || strings.HasPrefix(e.Code, "45") || e.Code == "40762":
		return errors.ErrOrderRejected
	}
	return nil
}

func (c *client) do(ctx context.Context, method, path string, params url.Values, payload interface{}, signed bool, target interface{}) error {
	if c.closed.Load() {
		return exchanges.ErrClosed
	}

	query := params.Encode()
	body := ""
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = string(raw)
	}

	r := c.http.R().SetContext(ctx)
	if query != "" {
		r.SetQueryString(query)
	}
	if body != "" {
		r.SetBody(body)
	}
	if c.cfg.Testnet {
		r.SetHeader("paptrading", "1")
	}

	if signed {
		if c.cfg.APIKey == "" || c.cfg.SecretKey == "" || c.cfg.Passphrase == "" {
			return errors.Wrap(errors.ErrUnauthorized, "bitget private call requires key, secret and passphrase")
		}
		requestPath := path
		if query != "" {
			requestPath += "?" + query
		}
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		r.SetHeaders(map[string]string{
			"ACCESS-KEY":        c.cfg.APIKey,
			"ACCESS-SIGN":       sign(ts+strings.ToUpper(method)+requestPath+body, c.cfg.SecretKey),
			"ACCESS-TIMESTAMP":  ts,
			"ACCESS-PASSPHRASE": c.cfg.Passphrase,
		})
	}

	resp, err := r.Execute(method, path)
	if err != nil {
		return errors.Wrapf(errors.ErrExchangeUnavailable, "bitget %s %s: %v", method, path, err)
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return fmt.Errorf("%w: bitget http 429", exchanges.ErrRateLimited)
	case resp.StatusCode() >= 500:
		return errors.Wrapf(errors.ErrExchangeUnavailable, "bitget http %d", resp.StatusCode())
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return errors.Wrapf(err, "bitget http %d", resp.StatusCode())
	}
	if env.Code != successCode {
		return &apiError{Code: env.Code, Msg: env.Msg}
	}
	if target == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	return json.Unmarshal(env.Data, target)
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func planTypeFor(t exchanges.OrderType, closePosition bool) string {
	switch {
	case t == exchanges.OrderTypeStopMarket && closePosition:
		return "pos_loss"
	case t == exchanges.OrderTypeStopMarket:
		return "loss_plan"
	case closePosition:
		return "pos_profit"
	default:
		return "profit_plan"
	}
}

func planOrderType(planType string) (exchanges.OrderType, bool, bool) {
	switch planType {
	case "pos_loss":
		return exchanges.OrderTypeStopMarket, true, true
	case "loss_plan":
		return exchanges.OrderTypeStopMarket, false, true
	case "pos_profit":
		return exchanges.OrderTypeTakeProfitMarket, true, true
	case "profit_plan":
		return exchanges.OrderTypeTakeProfitMarket, false, true
	}
	return "", false, false
}

// holdSide names the position a TP/SL protects. closeSide is the order side that closes it.
func holdSide(side exchanges.PositionSide, closeSide exchanges.OrderSide) string {
	switch side {
	case exchanges.PositionSideLong:
		return "long"
	case exchanges.PositionSideShort:
		return "short"
	}
	return strings.ToLower(string(exchanges.OppositeSide(closeSide)))
}

func dec(value string) decimal.Decimal {
	if value == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseInt64(v string) int64 {
	i, _ := strconv.ParseInt(v, 10, 64)
	return i
}

func sideFromString(value string) exchanges.OrderSide {
	if strings.EqualFold(value, "sell") {
		return exchanges.OrderSideSell
	}
	return exchanges.OrderSideBuy
}

func positionSideFromString(value string) exchanges.PositionSide {
	switch strings.ToLower(value) {
	case "long":
		return exchanges.PositionSideLong
	case "short":
		return exchanges.PositionSideShort
	default:
		return exchanges.PositionSideBoth
	}
}

func statusFromString(value string) exchanges.OrderStatus {
	switch value {
	case "live", "not_trigger", "new":
		return exchanges.OrderStatusNew
	case "partially_filled":
		return exchanges.OrderStatusPartial
	case "filled", "executed":
		return exchanges.OrderStatusFilled
	case "canceled", "cancelled":
		return exchanges.OrderStatusCanceled
	case "fail_trigger":
		return exchanges.OrderStatusRejected
	default:
		return exchanges.OrderStatusUnknown
	}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.NewReplacer("/", "", "-", "", "_", "").Replace(symbol))
}
