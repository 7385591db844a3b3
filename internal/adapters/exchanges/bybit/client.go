package bybit

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
	"perpgate/pkg/logger"
)

const (
	baseURL        = "https://api.bybit.com"
	testnetURL     = "https://api-testnet.bybit.com"
	defaultTimeout = 10 * time.Second
	defaultRecvWin = 5 * time.Second

	category   = "linear"
	settleCoin = "USDT"

	retLeverageNotModified = 110043
)

// Config configures the Bybit v5 linear client.
type Config struct {
	APIKey    string
	SecretKey string
	Testnet   bool

	// BaseURL overrides the endpoint selected by Testnet.
	BaseURL    string
	HTTPClient *http.Client
	RecvWindow time.Duration
	Logger     *logger.Logger
}

// NewClient creates a new Bybit adapter instance.
func NewClient(cfg Config) (exchanges.Gateway, error) {
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = defaultRecvWin
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = baseURL
		if cfg.Testnet {
			cfg.BaseURL = testnetURL
		}
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}

	return &client{
		cfg: cfg,
		log: log.With("component", "bybit_client"),
	}, nil
}

type client struct {
	cfg Config
	log *logger.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *client) Name() string {
	return "bybit"
}

func (c *client) ListInstruments(ctx context.Context) ([]exchanges.Instrument, error) {
	var out []exchanges.Instrument
	cursor := ""

	for {
		params := url.Values{"category": {category}, "limit": {"1000"}}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var res struct {
			List []struct {
				Symbol        string `json:"symbol"`
				LotSizeFilter struct {
					QtyStep          string `json:"qtyStep"`
					MinOrderQty      string `json:"minOrderQty"`
					MinNotionalValue string `json:"minNotionalValue"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
			NextPageCursor string `json:"nextPageCursor"`
		}
		if err := c.publicGet(ctx, "/v5/market/instruments-info", params, &res); err != nil {
			return nil, err
		}

		for _, item := range res.List {
			out = append(out, exchanges.Instrument{
				Symbol:       item.Symbol,
				QuantityStep: item.LotSizeFilter.QtyStep,
				PriceStep:    item.PriceFilter.TickSize,
				MinQuantity:  dec(item.LotSizeFilter.MinOrderQty),
				MinNotional:  dec(item.LotSizeFilter.MinNotionalValue),
			})
		}

		if res.NextPageCursor == "" || len(res.List) == 0 {
			return out, nil
		}
		cursor = res.NextPageCursor
	}
}

func (c *client) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var res struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}

	params := url.Values{"category": {category}, "symbol": {normalizeSymbol(symbol)}}
	if err := c.publicGet(ctx, "/v5/market/tickers", params, &res); err != nil {
		return decimal.Zero, err
	}
	if len(res.List) == 0 {
		return decimal.Zero, nil
	}
	return dec(res.List[0].LastPrice), nil
}

func (c *client) GetMaxLeverage(ctx context.Context, symbol string) (int, error) {
	var res struct {
		List []struct {
			Symbol         string `json:"symbol"`
			LeverageFilter struct {
				MaxLeverage string `json:"maxLeverage"`
			} `json:"leverageFilter"`
		} `json:"list"`
	}

	symbol = normalizeSymbol(symbol)
	params := url.Values{"category": {category}, "symbol": {symbol}}
	if err := c.publicGet(ctx, "/v5/market/instruments-info", params, &res); err != nil {
		return 0, err
	}
	for _, item := range res.List {
		if item.Symbol == symbol {
			// reported with two decimals, e.g. "100.00"
			if lev := dec(item.LeverageFilter.MaxLeverage).IntPart(); lev > 0 {
				return int(lev), nil
			}
		}
	}
	return 0, errors.Wrapf(errors.ErrInstrumentNotFound, "bybit leverage filter for %s", symbol)
}

// GetTradingMode infers hedge mode from positionIdx 1/2 entries, Bybit has no
// account-wide mode query for linear contracts.
func (c *client) GetTradingMode(ctx context.Context) (exchanges.TradingMode, error) {
	positions, err := c.positionList(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range positions {
		if p.PositionIdx == 1 || p.PositionIdx == 2 {
			return exchanges.TradingModeHedge, nil
		}
	}
	return exchanges.TradingModeOneWay, nil
}

type positionEntry struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	Leverage      string `json:"leverage"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	PositionIdx   int    `json:"positionIdx"`
}

func (c *client) positionList(ctx context.Context) ([]positionEntry, error) {
	var res struct {
		List []positionEntry `json:"list"`
	}
	params := url.Values{"category": {category}, "settleCoin": {settleCoin}}
	if err := c.privateRequest(ctx, http.MethodGet, "/v5/position/list", params, nil, &res); err != nil {
		return nil, err
	}
	return res.List, nil
}

func (c *client) GetBalance(ctx context.Context) (*exchanges.Balance, error) {
	var res struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			Coin                  []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}

	params := url.Values{"accountType": {"UNIFIED"}}
	if err := c.privateRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, nil, &res); err != nil {
		return nil, err
	}

	balance := &exchanges.Balance{Currency: "USD"}
	if len(res.List) == 0 {
		return balance, nil
	}

	account := res.List[0]
	balance.Total = dec(account.TotalEquity)
	balance.Available = dec(account.TotalAvailableBalance)
	for _, coin := range account.Coin {
		balance.Details = append(balance.Details, exchanges.BalanceDetail{
			Currency:  coin.Coin,
			Total:     dec(coin.WalletBalance),
			Available: dec(coin.AvailableToWithdraw),
		})
	}
	return balance, nil
}

func (c *client) GetPositions(ctx context.Context) ([]exchanges.Position, error) {
	list, err := c.positionList(ctx)
	if err != nil {
		return nil, err
	}

	positions := make([]exchanges.Position, 0, len(list))
	for _, p := range list {
		size := dec(p.Size)
		if size.IsZero() {
			continue
		}
		side := positionSideFromIdx(p.PositionIdx)
		if side == exchanges.PositionSideBoth && strings.EqualFold(p.Side, "Sell") {
			size = size.Neg()
		}
		positions = append(positions, exchanges.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    dec(p.AvgPrice),
			MarkPrice:     dec(p.MarkPrice),
			Leverage:      dec(p.Leverage),
			UnrealizedPnL: dec(p.UnrealisedPnl),
		})
	}
	return positions, nil
}

type orderEntry struct {
	OrderID        string `json:"orderId"`
	OrderLinkID    string `json:"orderLinkId"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	OrderType      string `json:"orderType"`
	StopOrderType  string `json:"stopOrderType"`
	Price          string `json:"price"`
	TriggerPrice   string `json:"triggerPrice"`
	Qty            string `json:"qty"`
	CumExecQty     string `json:"cumExecQty"`
	OrderStatus    string `json:"orderStatus"`
	PositionIdx    int    `json:"positionIdx"`
	ReduceOnly     bool   `json:"reduceOnly"`
	CloseOnTrigger bool   `json:"closeOnTrigger"`
	CreatedTime    string `json:"createdTime"`
}

func (o orderEntry) toOrder() exchanges.Order {
	return exchanges.Order{
		ID:            o.OrderID,
		ClientOrderID: o.OrderLinkID,
		Symbol:        o.Symbol,
		Type:          orderTypeFromEntry(o.OrderType, o.StopOrderType),
		Side:          sideFromString(o.Side),
		PositionSide:  positionSideFromIdx(o.PositionIdx),
		Status:        orderStatusFromString(o.OrderStatus),
		Price:         dec(o.Price),
		StopPrice:     dec(o.TriggerPrice),
		Quantity:      dec(o.Qty),
		Filled:        dec(o.CumExecQty),
		ClosePosition: o.StopOrderType == "StopLoss" || o.StopOrderType == "TakeProfit",
		ReduceOnly:    o.ReduceOnly,
		CreatedAt:     time.UnixMilli(parseInt64(o.CreatedTime)),
	}
}

func (c *client) ListOpenOrders(ctx context.Context, symbol string) ([]exchanges.Order, error) {
	var orders []exchanges.Order
	cursor := ""

	for {
		params := url.Values{"category": {category}, "limit": {"50"}}
		if symbol != "" {
			params.Set("symbol", normalizeSymbol(symbol))
		} else {
			params.Set("settleCoin", settleCoin)
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var res struct {
			List           []orderEntry `json:"list"`
			NextPageCursor string       `json:"nextPageCursor"`
		}
		if err := c.privateRequest(ctx, http.MethodGet, "/v5/order/realtime", params, nil, &res); err != nil {
			return nil, err
		}

		for _, o := range res.List {
			orders = append(orders, o.toOrder())
		}

		if res.NextPageCursor == "" || len(res.List) == 0 {
			return orders, nil
		}
		cursor = res.NextPageCursor
	}
}

// maxHistoryLimit is the page size cap of /v5/order/history
const maxHistoryLimit = 50

func (c *client) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]exchanges.Order, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	params := url.Values{
		"category": {category},
		"symbol":   {normalizeSymbol(symbol)},
		"limit":    {strconv.Itoa(limit)},
	}

	var res struct {
		List []orderEntry `json:"list"`
	}
	if err := c.privateRequest(ctx, http.MethodGet, "/v5/order/history", params, nil, &res); err != nil {
		return nil, err
	}

	orders := make([]exchanges.Order, 0, len(res.List))
	for _, o := range res.List {
		orders = append(orders, o.toOrder())
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

	switch req.Type {
	case exchanges.OrderTypeStopMarket, exchanges.OrderTypeTakeProfitMarket:
		return c.placeTradingStop(ctx, req)
	}

	payload := map[string]interface{}{
		"category":    category,
		"symbol":      normalizeSymbol(req.Symbol),
		"side":        mapSide(req.Side),
		"orderType":   mapOrderType(req.Type),
		"qty":         req.Quantity.String(),
		"positionIdx": positionIdx(req.PositionSide),
	}
	if req.Type == exchanges.OrderTypeLimit {
		payload["price"] = req.Price.String()
		payload["timeInForce"] = mapTIF(req.TimeInForce)
	}
	if req.ClientOrderID != "" {
		payload["orderLinkId"] = req.ClientOrderID
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}

	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.privateRequest(ctx, http.MethodPost, "/v5/order/create", nil, payload, &res); err != nil {
		return nil, err
	}

	return &exchanges.Order{
		ID:            res.OrderID,
		ClientOrderID: res.OrderLinkID,
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

// placeTradingStop attaches a stop-loss or take-profit to the position.
// Close-position orders use Full mode, sized legs use Partial mode.
func (c *client) placeTradingStop(ctx context.Context, req *exchanges.OrderRequest) (*exchanges.Order, error) {
	idx := positionIdx(req.PositionSide)
	payload := map[string]interface{}{
		"category":    category,
		"symbol":      normalizeSymbol(req.Symbol),
		"positionIdx": idx,
		"tpslMode":    "Full",
	}
	if !req.ClosePosition {
		payload["tpslMode"] = "Partial"
	}

	if req.Type == exchanges.OrderTypeStopMarket {
		payload["stopLoss"] = req.StopPrice.String()
		payload["slOrderType"] = "Market"
		payload["slTriggerBy"] = "LastPrice"
		if !req.ClosePosition {
			payload["slSize"] = req.Quantity.String()
		}
	} else {
		payload["takeProfit"] = req.StopPrice.String()
		payload["tpOrderType"] = "Market"
		payload["tpTriggerBy"] = "LastPrice"
		if !req.ClosePosition {
			payload["tpSize"] = req.Quantity.String()
		}
	}

	if err := c.privateRequest(ctx, http.MethodPost, "/v5/position/trading-stop", nil, payload, nil); err != nil {
		return nil, err
	}

	order := &exchanges.Order{
		Symbol:        normalizeSymbol(req.Symbol),
		Type:          req.Type,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Status:        exchanges.OrderStatusNew,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		ClosePosition: req.ClosePosition,
		CreatedAt:     time.Now(),
	}

	// trading-stop does not return an id, look the order up.
	// The stop is already attached, so a failed lookup leaves the ID empty rather than failing the call.
	open, err := c.ListOpenOrders(ctx, req.Symbol)
	if err != nil {
		c.log.Warnw("Conditional order placed but id lookup failed",
			"symbol", order.Symbol,
			"type", req.Type,
			"position_side", req.PositionSide,
			"trigger", req.StopPrice,
			"error", err,
		)
		return order, nil
	}
	for _, o := range open {
		if o.PositionSide == req.PositionSide && o.Type == req.Type &&
			o.ClosePosition == req.ClosePosition && o.StopPrice.Equal(req.StopPrice) {
			order.ID = o.ID
			return order, nil
		}
	}
	c.log.Warnw("Conditional order placed but not found among open orders",
		"symbol", order.Symbol,
		"type", req.Type,
		"position_side", req.PositionSide,
		"trigger", req.StopPrice,
	)
	return order, nil
}

func (c *client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	payload := map[string]interface{}{
		"category": category,
		"symbol":   normalizeSymbol(symbol),
		"orderId":  orderID,
	}
	return c.privateRequest(ctx, http.MethodPost, "/v5/order/cancel", nil, payload, nil)
}

func (c *client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	payload := map[string]interface{}{
		"category":     category,
		"symbol":       normalizeSymbol(symbol),
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	err := c.privateRequest(ctx, http.MethodPost, "/v5/position/set-leverage", nil, payload, nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Code == retLeverageNotModified {
		return nil
	}
	return err
}

func (c *client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cfg.HTTPClient.CloseIdleConnections()
	})
	return nil
}

func (c *client) publicGet(ctx context.Context, path string, params url.Values, target interface{}) error {
	body, err := c.doRequest(ctx, http.MethodGet, path, params, nil, false)
	if err != nil {
		return err
	}
	return decodeResponse(body, target)
}

func (c *client) privateRequest(ctx context.Context, method, path string, params url.Values, payload map[string]interface{}, target interface{}) error {
	if err := c.ensureCredentials(); err != nil {
		return err
	}
	body, err := c.doRequest(ctx, method, path, params, payload, true)
	if err != nil {
		return err
	}
	return decodeResponse(body, target)
}

func (c *client) doRequest(ctx context.Context, method, path string, params url.Values, payload map[string]interface{}, signed bool) ([]byte, error) {
	if c.closed.Load() {
		return nil, exchanges.ErrClosed
	}

	var body io.Reader
	var bodyString string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		bodyString = string(raw)
		body = strings.NewReader(bodyString)
	}

	query := ""
	if len(params) > 0 {
		query = params.Encode()
	}

	reqURL := c.cfg.BaseURL + path
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		recv := strconv.FormatInt(c.cfg.RecvWindow.Milliseconds(), 10)
		signed := bodyString
		if method == http.MethodGet {
			signed = query
		}

		req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
		req.Header.Set("X-BAPI-SIGN", c.sign(ts, recv, signed))
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", recv)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrExchangeUnavailable, "bybit %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: bybit http %d", exchanges.ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, errors.Wrapf(errors.ErrExchangeUnavailable, "bybit http %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("bybit http %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// sign covers timestamp, api key, recv window and either the query (GET) or the JSON body
func (c *client) sign(timestamp, recvWindow, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	_, _ = mac.Write([]byte(timestamp + c.cfg.APIKey + recvWindow + payload))
	return fmt.Sprintf("%x", mac.Sum(nil))
}

func (c *client) ensureCredentials() error {
	if c.cfg.APIKey == "" || c.cfg.SecretKey == "" {
		return errors.Wrap(errors.ErrUnauthorized, "bybit private call requires api credentials")
	}
	return nil
}

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// apiError is a non-zero retCode
type apiError struct {
	Code int
	Msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bybit error %d: %s", e.Code, e.Msg)
}

func (e *apiError) Unwrap() error {
	switch {
	case e.Code == 10006 || e.Code == 10018:
		return exchanges.ErrRateLimited
	case e.Code == 10003 || e.Code == 10004 || e.Code == 10005 || e.Code == 33004:
		return errors.ErrUnauthorized
	case e.Code >= 110000 && e.Code < 120000:
		return errors.ErrOrderRejected
	}
	return nil
}

func decodeResponse(body []byte, target interface{}) error {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}
	if resp.RetCode != 0 {
		return &apiError{Code: resp.RetCode, Msg: resp.RetMsg}
	}
	if target == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, target)
}

func dec(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseInt64(value string) int64 {
	i, _ := strconv.ParseInt(value, 10, 64)
	return i
}

func mapSide(side exchanges.OrderSide) string {
	if side == exchanges.OrderSideSell {
		return "Sell"
	}
	return "Buy"
}

func sideFromString(value string) exchanges.OrderSide {
	if strings.EqualFold(value, "sell") {
		return exchanges.OrderSideSell
	}
	return exchanges.OrderSideBuy
}

func positionIdx(side exchanges.PositionSide) int {
	switch side {
	case exchanges.PositionSideLong:
		return 1
	case exchanges.PositionSideShort:
		return 2
	default:
		return 0
	}
}

func positionSideFromIdx(idx int) exchanges.PositionSide {
	switch idx {
	case 1:
		return exchanges.PositionSideLong
	case 2:
		return exchanges.PositionSideShort
	default:
		return exchanges.PositionSideBoth
	}
}

func mapOrderType(t exchanges.OrderType) string {
	if t == exchanges.OrderTypeMarket {
		return "Market"
	}
	return "Limit"
}

func mapTIF(tif exchanges.TimeInForce) string {
	if tif == exchanges.TimeInForceIOC {
		return "IOC"
	}
	return "GTC"
}

func orderTypeFromEntry(orderType, stopOrderType string) exchanges.OrderType {
	switch stopOrderType {
	case "StopLoss", "PartialStopLoss":
		return exchanges.OrderTypeStopMarket
	case "TakeProfit", "PartialTakeProfit":
		return exchanges.OrderTypeTakeProfitMarket
	}
	if strings.EqualFold(orderType, "Market") {
		return exchanges.OrderTypeMarket
	}
	return exchanges.OrderTypeLimit
}

func orderStatusFromString(value string) exchanges.OrderStatus {
	switch value {
	case "New", "Untriggered", "Created":
		return exchanges.OrderStatusNew
	case "PartiallyFilled":
		return exchanges.OrderStatusPartial
	case "Filled":
		return exchanges.OrderStatusFilled
	case "Cancelled", "Deactivated", "PartiallyFilledCanceled":
		return exchanges.OrderStatusCanceled
	case "Rejected":
		return exchanges.OrderStatusRejected
	default:
		return exchanges.OrderStatusUnknown
	}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(symbol, "/", ""), "-", ""))
}
