package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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
	productionBaseURL = "https://www.okx.com"
	defaultTimeout    = 10 * time.Second

	instType = "SWAP"
	tdMode   = "cross"
)

// Config configures the OKX client.
type Config struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	// Testnet routes private calls to the demo trading environment
	Testnet bool

	BaseURL    string
	HTTPClient *http.Client
}

// NewClient constructs a new OKX adapter.
func NewClient(cfg Config) (exchanges.Gateway, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = productionBaseURL
	}
	return &client{cfg: cfg}, nil
}

type client struct {
	cfg Config

	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *client) Name() string {
	return "okx"
}

func (c *client) ListInstruments(ctx context.Context) ([]exchanges.Instrument, error) {
	var res []struct {
		InstID    string `json:"instId"`
		SettleCcy string `json:"settleCcy"`
		LotSz     string `json:"lotSz"`
		MinSz     string `json:"minSz"`
		TickSz    string `json:"tickSz"`
	}
	if err := c.get(ctx, "/api/v5/public/instruments", url.Values{"instType": {instType}}, &res); err != nil {
		return nil, err
	}

	out := make([]exchanges.Instrument, 0, len(res))
	for _, item := range res {
		out = append(out, exchanges.Instrument{
			Symbol:       fromInstID(item.InstID),
			QuantityStep: item.LotSz,
			PriceStep:    item.TickSz,
			MinQuantity:  dec(item.MinSz),
			// OKX publishes no minimum notional for swaps
			MinNotional: decimal.Zero,
		})
	}
	return out, nil
}

func (c *client) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var res []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
	}
	if err := c.get(ctx, "/api/v5/market/ticker", url.Values{"instId": {toInstID(symbol)}}, &res); err != nil {
		return decimal.Zero, err
	}
	if len(res) == 0 {
		return decimal.Zero, nil
	}
	return dec(res[0].Last), nil
}

func (c *client) GetMaxLeverage(ctx context.Context, symbol string) (int, error) {
	instID := toInstID(symbol)
	var res []struct {
		InstID string `json:"instId"`
		Lever  string `json:"lever"`
	}
	params := url.Values{"instType": {instType}, "instId": {instID}}
	if err := c.get(ctx, "/api/v5/public/instruments", params, &res); err != nil {
		return 0, err
	}
	for _, item := range res {
		if item.InstID != instID {
			continue
		}
		if lev := dec(item.Lever).IntPart(); lev > 0 {
			return int(lev), nil
		}
	}
	return 0, errors.Wrapf(errors.ErrInstrumentNotFound, "okx leverage for %s", instID)
}

func (c *client) GetTradingMode(ctx context.Context) (exchanges.TradingMode, error) {
	var res []struct {
		PosMode string `json:"posMode"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v5/account/config", nil, nil, &res); err != nil {
		return "", err
	}
	if len(res) == 0 {
		return "", errors.Wrap(errors.ErrNotFound, "okx account config")
	}

	switch res[0].PosMode {
	case "long_short_mode":
		return exchanges.TradingModeHedge, nil
	case "net_mode":
		return exchanges.TradingModeOneWay, nil
	default:
		return exchanges.TradingMode(res[0].PosMode), nil
	}
}

func (c *client) GetBalance(ctx context.Context) (*exchanges.Balance, error) {
	var res []struct {
		TotalEq string `json:"totalEq"`
		Details []struct {
			Ccy      string `json:"ccy"`
			CashBal  string `json:"cashBal"`
			AvailBal string `json:"availBal"`
		} `json:"details"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v5/account/balance", nil, nil, &res); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, errors.ErrNotFound
	}

	entry := res[0]
	detail := make([]exchanges.BalanceDetail, 0, len(entry.Details))
	available := decimal.Zero
	for _, d := range entry.Details {
		detail = append(detail, exchanges.BalanceDetail{
			Currency:  d.Ccy,
			Total:     dec(d.CashBal),
			Available: dec(d.AvailBal),
		})
		available = available.Add(dec(d.AvailBal))
	}
	return &exchanges.Balance{
		Total:     dec(entry.TotalEq),
		Available: available,
		Currency:  "USD",
		Details:   detail,
	}, nil
}

func (c *client) GetPositions(ctx context.Context) ([]exchanges.Position, error) {
	var res []struct {
		InstID  string `json:"instId"`
		PosSide string `json:"posSide"`
		Pos     string `json:"pos"`
		AvgPx   string `json:"avgPx"`
		MarkPx  string `json:"markPx"`
		Lever   string `json:"lever"`
		Upl     string `json:"upl"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v5/account/positions", url.Values{"instType": {instType}}, nil, &res); err != nil {
		return nil, err
	}

	positions := make([]exchanges.Position, 0, len(res))
	for _, p := range res {
		size := dec(p.Pos)
		if size.IsZero() {
			continue
		}
		side := positionSideFromString(p.PosSide)
		if side != exchanges.PositionSideBoth {
			size = size.Abs()
		}
		positions = append(positions, exchanges.Position{
			Symbol:        fromInstID(p.InstID),
			Side:          side,
			Size:          size,
			EntryPrice:    dec(p.AvgPx),
			MarkPrice:     dec(p.MarkPx),
			Leverage:      dec(p.Lever),
			UnrealizedPnL: dec(p.Upl),
		})
	}
	return positions, nil
}

// ListOpenOrders merges regular pending orders with pending conditional (algo) orders.
// Algo order IDs carry the "algo:" prefix so CancelOrder can route them.
// orderEntry is a regular (non-algo) order as listed by the trade endpoints
type orderEntry struct {
	InstID     string `json:"instId"`
	OrdID      string `json:"ordId"`
	ClOrdID    string `json:"clOrdId"`
	Side       string `json:"side"`
	PosSide    string `json:"posSide"`
	OrdType    string `json:"ordType"`
	Sz         string `json:"sz"`
	Px         string `json:"px"`
	State      string `json:"state"`
	FillSz     string `json:"accFillSz"`
	ReduceOnly string `json:"reduceOnly"`
	CTime      string `json:"cTime"`
}

func (o orderEntry) toOrder() exchanges.Order {
	return exchanges.Order{
		ID:            o.OrdID,
		ClientOrderID: o.ClOrdID,
		Symbol:        fromInstID(o.InstID),
		Type:          orderTypeFromString(o.OrdType),
		Side:          sideFromString(o.Side),
		PositionSide:  positionSideFromString(o.PosSide),
		Status:        stateToOrderStatus(o.State),
		Price:         dec(o.Px),
		Quantity:      dec(o.Sz),
		Filled:        dec(o.FillSz),
		ReduceOnly:    o.ReduceOnly == "true",
		CreatedAt:     time.UnixMilli(parseInt64(o.CTime)),
	}
}

func (c *client) ListOpenOrders(ctx context.Context, symbol string) ([]exchanges.Order, error) {
	params := url.Values{"instType": {instType}}
	if symbol != "" {
		params.Set("instId", toInstID(symbol))
	}

	var pending []orderEntry
	if err := c.request(ctx, http.MethodGet, "/api/v5/trade/orders-pending", params, nil, &pending); err != nil {
		return nil, err
	}

	orders := make([]exchanges.Order, 0, len(pending))
	for _, o := range pending {
		orders = append(orders, o.toOrder())
	}

	algoParams := url.Values{"ordType": {"conditional"}, "instType": {instType}}
	if symbol != "" {
		algoParams.Set("instId", toInstID(symbol))
	}

	var algos []struct {
		InstID        string `json:"instId"`
		AlgoID        string `json:"algoId"`
		AlgoClOrdID   string `json:"algoClOrdId"`
		Side          string `json:"side"`
		PosSide       string `json:"posSide"`
		Sz            string `json:"sz"`
		SlTriggerPx   string `json:"slTriggerPx"`
		TpTriggerPx   string `json:"tpTriggerPx"`
		CloseFraction string `json:"closeFraction"`
		State         string `json:"state"`
		ReduceOnly    string `json:"reduceOnly"`
		CTime         string `json:"cTime"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v5/trade/orders-algo-pending", algoParams, nil, &algos); err != nil {
		return nil, err
	}

	for _, a := range algos {
		order := exchanges.Order{
			ID:            exchanges.AlgoOrderPrefix + a.AlgoID,
			ClientOrderID: a.AlgoClOrdID,
			Symbol:        fromInstID(a.InstID),
			Side:          sideFromString(a.Side),
			PositionSide:  positionSideFromString(a.PosSide),
			Status:        stateToOrderStatus(a.State),
			Quantity:      dec(a.Sz),
			ClosePosition: a.CloseFraction == "1",
			ReduceOnly:    a.ReduceOnly == "true",
			CreatedAt:     time.UnixMilli(parseInt64(a.CTime)),
		}
		if a.SlTriggerPx != "" {
			order.Type = exchanges.OrderTypeStopMarket
			order.StopPrice = dec(a.SlTriggerPx)
		} else {
			order.Type = exchanges.OrderTypeTakeProfitMarket
			order.StopPrice = dec(a.TpTriggerPx)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// maxHistoryLimit is the page size cap of orders-history
const maxHistoryLimit = 100

// GetOrderHistory covers the last seven days of regular orders. Conditional
// orders live in a separate algo history and are not included.
func (c *client) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]exchanges.Order, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	params := url.Values{
		"instType": {instType},
		"instId":   {toInstID(symbol)},
		"limit":    {strconv.Itoa(limit)},
	}

	var res []orderEntry
	if err := c.request(ctx, http.MethodGet, "/api/v5/trade/orders-history", params, nil, &res); err != nil {
		return nil, err
	}

	orders := make([]exchanges.Order, 0, len(res))
	for _, o := range res {
		orders = append(orders, o.toOrder())
	}
	return orders, nil
}

type placeResult struct {
	OrdID       string `json:"ordId"`
	ClOrdID     string `json:"clOrdId"`
	AlgoID      string `json:"algoId"`
	AlgoClOrdID string `json:"algoClOrdId"`
	SCode       string `json:"sCode"`
	SMsg        string `json:"sMsg"`
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
		return c.placeAlgo(ctx, req)
	}

	payload := map[string]string{
		"instId":  toInstID(req.Symbol),
		"tdMode":  tdMode,
		"side":    strings.ToLower(string(req.Side)),
		"posSide": posSide(req.PositionSide),
		"ordType": orderTypeToAPI(req.Type, req.TimeInForce),
		"sz":      req.Quantity.String(),
	}
	if req.Type == exchanges.OrderTypeLimit {
		payload["px"] = req.Price.String()
	}
	if req.ClientOrderID != "" {
		payload["clOrdId"] = req.ClientOrderID
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = "true"
	}

	var res []placeResult
	if err := c.request(ctx, http.MethodPost, "/api/v5/trade/order", nil, payload, &res); err != nil {
		return nil, err
	}
	data, err := firstResult(res)
	if err != nil {
		return nil, err
	}

	return &exchanges.Order{
		ID:            data.OrdID,
		ClientOrderID: data.ClOrdID,
		Symbol:        fromInstID(toInstID(req.Symbol)),
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

// placeAlgo submits a conditional stop or take-profit that fills at market on trigger
func (c *client) placeAlgo(ctx context.Context, req *exchanges.OrderRequest) (*exchanges.Order, error) {
	payload := map[string]string{
		"instId":     toInstID(req.Symbol),
		"tdMode":     tdMode,
		"side":       strings.ToLower(string(req.Side)),
		"posSide":    posSide(req.PositionSide),
		"ordType":    "conditional",
		"reduceOnly": "true",
	}
	if req.Type == exchanges.OrderTypeStopMarket {
		payload["slTriggerPx"] = req.StopPrice.String()
		payload["slOrdPx"] = "-1"
	} else {
		payload["tpTriggerPx"] = req.StopPrice.String()
		payload["tpOrdPx"] = "-1"
	}
	if req.ClosePosition {
		payload["closeFraction"] = "1"
	} else {
		payload["sz"] = req.Quantity.String()
	}
	if req.ClientOrderID != "" {
		payload["algoClOrdId"] = req.ClientOrderID
	}

	var res []placeResult
	if err := c.request(ctx, http.MethodPost, "/api/v5/trade/order-algo", nil, payload, &res); err != nil {
		return nil, err
	}
	data, err := firstResult(res)
	if err != nil {
		return nil, err
	}

	return &exchanges.Order{
		ID:            exchanges.AlgoOrderPrefix + data.AlgoID,
		ClientOrderID: data.AlgoClOrdID,
		Symbol:        fromInstID(toInstID(req.Symbol)),
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
	if prefix == exchanges.AlgoOrderPrefix {
		payload := []map[string]string{{"algoId": id, "instId": toInstID(symbol)}}
		var res []placeResult
		if err := c.request(ctx, http.MethodPost, "/api/v5/trade/cancel-algos", nil, payload, &res); err != nil {
			return err
		}
		_, err := firstResult(res)
		return err
	}

	payload := map[string]string{
		"instId": toInstID(symbol),
		"ordId":  id,
	}
	var res []placeResult
	if err := c.request(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, payload, &res); err != nil {
		return err
	}
	_, err := firstResult(res)
	return err
}

func (c *client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	payload := map[string]string{
		"instId":  toInstID(symbol),
		"lever":   strconv.Itoa(leverage),
		"mgnMode": tdMode,
	}
	return c.request(ctx, http.MethodPost, "/api/v5/account/set-leverage", nil, payload, nil)
}

func (c *client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cfg.HTTPClient.CloseIdleConnections()
	})
	return nil
}

func (c *client) get(ctx context.Context, path string, params url.Values, target interface{}) error {
	if c.closed.Load() {
		return exchanges.ErrClosed
	}

	reqURL := c.cfg.BaseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	return c.do(req, path, target)
}

func (c *client) request(ctx context.Context, method, path string, params url.Values, payload interface{}, target interface{}) error {
	if c.closed.Load() {
		return exchanges.ErrClosed
	}
	if c.cfg.APIKey == "" || c.cfg.SecretKey == "" || c.cfg.Passphrase == "" {
		return errors.Wrap(errors.ErrUnauthorized, "okx private call requires key, secret and passphrase")
	}

	var body io.Reader
	var bodyStr string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		bodyStr = string(raw)
		body = strings.NewReader(bodyStr)
	}

	requestPath := path
	if len(params) > 0 {
		requestPath += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+requestPath, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	signature := sign(timestamp+strings.ToUpper(method)+requestPath+bodyStr, c.cfg.SecretKey)

	req.Header.Set("OK-ACCESS-KEY", c.cfg.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", signature)
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.cfg.Passphrase)
	if c.cfg.Testnet {
		req.Header.Set("x-simulated-trading", "1")
	}

	return c.do(req, path, target)
}

func (c *client) do(req *http.Request, path string, target interface{}) error {
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrapf(errors.ErrExchangeUnavailable, "okx %s: %v", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: okx http 429", exchanges.ErrRateLimited)
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.Wrapf(errors.ErrUnauthorized, "okx http 401: %s", string(respBody))
	case resp.StatusCode >= 500:
		return errors.Wrapf(errors.ErrExchangeUnavailable, "okx http %d", resp.StatusCode)
	}
	return decodeEnvelope(respBody, target)
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// apiError carries an OKX error code, either envelope-level or the per-item sCode
type apiError struct {
	Code string
	Msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("okx error %s: %s", e.Code, e.Msg)
}

func (e *apiError) Unwrap() error {
	switch {
	case e.Code == "50011" || e.Code == "50061":
		return exchanges.ErrRateLimited
	case e.Code == "50111" || e.Code == "50113" || e.Code == "50105":
		return errors.ErrUnauthorized
	case strings.HasPrefix(e.Code, "51"):
		return errors.ErrOrderRejected
	case e.Code == "50001" || e.Code == "50013":
		return errors.ErrExchangeUnavailable
	}
	return nil
}

func decodeEnvelope(body []byte, target interface{}) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	if env.Code != "0" {
		// order endpoints report the real cause per item
		var items []placeResult
		if json.Unmarshal(env.Data, &items) == nil && len(items) > 0 && items[0].SCode != "" && items[0].SCode != "0" {
			return &apiError{Code: items[0].SCode, Msg: items[0].SMsg}
		}
		return &apiError{Code: env.Code, Msg: env.Msg}
	}
	if target == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, target)
}

func firstResult(res []placeResult) (placeResult, error) {
	if len(res) == 0 {
		return placeResult{}, errors.Wrap(errors.ErrNotFound, "okx returned no order")
	}
	if res[0].SCode != "" && res[0].SCode != "0" {
		return placeResult{}, &apiError{Code: res[0].SCode, Msg: res[0].SMsg}
	}
	return res[0], nil
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
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
	case "short":
		return exchanges.PositionSideShort
	case "long":
		return exchanges.PositionSideLong
	default:
		return exchanges.PositionSideBoth
	}
}

func posSide(side exchanges.PositionSide) string {
	switch side {
	case exchanges.PositionSideLong:
		return "long"
	case exchanges.PositionSideShort:
		return "short"
	default:
		return "net"
	}
}

func orderTypeFromString(value string) exchanges.OrderType {
	if strings.EqualFold(value, "market") {
		return exchanges.OrderTypeMarket
	}
	return exchanges.OrderTypeLimit
}

func orderTypeToAPI(value exchanges.OrderType, tif exchanges.TimeInForce) string {
	switch {
	case value == exchanges.OrderTypeMarket:
		return "market"
	case tif == exchanges.TimeInForceIOC:
		return "ioc"
	default:
		return "limit"
	}
}

func stateToOrderStatus(state string) exchanges.OrderStatus {
	switch state {
	case "live", "effective":
		return exchanges.OrderStatusNew
	case "partially_filled":
		return exchanges.OrderStatusPartial
	case "filled":
		return exchanges.OrderStatusFilled
	case "canceled", "mmp_canceled":
		return exchanges.OrderStatusCanceled
	case "order_failed":
		return exchanges.OrderStatusRejected
	default:
		return exchanges.OrderStatusUnknown
	}
}

var quoteCurrencies = []string{"USDT", "USDC", "USD"}

// toInstID maps BTCUSDT, BTC/USDT or BTC-USDT to the BTC-USDT-SWAP instrument id
func toInstID(symbol string) string {
	s := strings.ToUpper(strings.ReplaceAll(symbol, "/", "-"))
	if strings.HasSuffix(s, "-SWAP") {
		return s
	}
	if !strings.Contains(s, "-") {
		for _, quote := range quoteCurrencies {
			if strings.HasSuffix(s, quote) && len(s) > len(quote) {
				s = strings.TrimSuffix(s, quote) + "-" + quote
				break
			}
		}
	}
	return s + "-SWAP"
}

// fromInstID maps BTC-USDT-SWAP back to BTCUSDT
func fromInstID(instID string) string {
	return strings.ReplaceAll(strings.TrimSuffix(instID, "-SWAP"), "-", "")
}
