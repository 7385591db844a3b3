package trading

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perpgate/internal/adapters/exchanges"
	"perpgate/internal/metrics"
	"perpgate/pkg/errors"
	"perpgate/pkg/logger"
)

// Trading failures. Each aborts the operation before anything is submitted.
var (
	ErrInstrumentNotFound = errors.ErrInstrumentNotFound
	ErrPriceUnavailable   = errors.ErrPriceUnavailable
	ErrBelowMinNotional   = errors.ErrBelowMinNotional
)

// Locker serializes protective order replacement for one key across processes
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, err error)
}

// EventPublisher receives trade lifecycle events
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key string, event interface{}) error
}

// Notifier alerts an operator about positions that need attention
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Option customizes the service
type Option func(*Service)

// WithAccountID names the account in lock keys, events and logs
func WithAccountID(id string) Option {
	return func(s *Service) { s.accountID = id }
}

// WithLocker guards stop-loss and take-profit replacement with an external lock
func WithLocker(locker Locker, ttl time.Duration) Option {
	return func(s *Service) {
		s.locker = locker
		s.lockTTL = ttl
	}
}

// WithEventPublisher publishes order and protection events
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithNotifier sends an alert for every degraded position
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLogger overrides the component logger
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

// Service opens, sizes and protects futures positions through one exchange gateway.
// It keeps no state between calls: instruments, prices, trading mode and the
// resting protective orders are re-read from the gateway on every operation.
type Service struct {
	gw        exchanges.Gateway
	accountID string
	locker    Locker
	lockTTL   time.Duration
	publisher EventPublisher
	notifier  Notifier
	log       *logger.Logger
}

// NewService creates a trading service bound to one gateway
func NewService(gw exchanges.Gateway, opts ...Option) *Service {
	s := &Service{
		gw:        gw,
		accountID: gw.Name(),
		lockTTL:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Get().With("component", "trading_service")
	}
	s.log = s.log.With("exchange", gw.Name(), "account", s.accountID)
	return s
}

// OrderRequest describes a primary order. Price is required iff Type is LIMIT.
type OrderRequest struct {
	Symbol   string
	Side     exchanges.OrderSide
	Type     exchanges.OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Leverage int
}

// Validate checks the request before any gateway call is made
func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return errors.NewValidationError("symbol", "is required", r.Symbol)
	}
	if !r.Side.Valid() {
		return errors.NewValidationError("side", "must be BUY or SELL", r.Side)
	}
	switch r.Type {
	case exchanges.OrderTypeMarket:
	case exchanges.OrderTypeLimit:
		if !r.Price.IsPositive() {
			return errors.NewValidationError("price", "is required for LIMIT orders", r.Price)
		}
	default:
		return errors.NewValidationError("type", "must be MARKET or LIMIT", r.Type)
	}
	if !r.Quantity.IsPositive() {
		return errors.NewValidationError("quantity", "must be positive", r.Quantity)
	}
	if r.Leverage < 1 {
		return errors.NewValidationError("leverage", "must be >= 1", r.Leverage)
	}
	return nil
}

// Protection lists the optional protective orders attached to a primary order.
// A zero StopLoss means no stop.
type Protection struct {
	StopLoss    decimal.Decimal
	TakeProfits []decimal.Decimal
}

// DegradedError is returned when the primary order is live but a protective
// leg failed. The position needs manual or higher-level remediation.
type DegradedError struct {
	Order *exchanges.Order
	Err   error
}

func (e *DegradedError) Error() string {
	id := ""
	if e.Order != nil {
		id = e.Order.ID
	}
	return fmt.Sprintf("order %s is live but protection failed: %v", id, e.Err)
}

func (e *DegradedError) Unwrap() error {
	return e.Err
}

// checkLeverage rejects leverage above the symbol cap before anything is changed
// on the exchange. A failed cap lookup is logged and left to the exchange to enforce.
func (s *Service) checkLeverage(ctx context.Context, symbol string, leverage int) error {
	maxLeverage, err := s.gw.GetMaxLeverage(ctx, symbol)
	if err != nil {
		s.log.Warnw("Max leverage lookup failed", "symbol", symbol, "error", err)
		return nil
	}
	if leverage > maxLeverage {
		return errors.NewValidationError("leverage", fmt.Sprintf("exceeds %s maximum of %d", symbol, maxLeverage), leverage)
	}
	return nil
}

// PlaceOrder checks the leverage cap, sets leverage, resolves the position side, submits the primary
// order and then (re)creates its stop-loss and take-profit ladder.
//
// The steps are independent exchange calls. A protective failure does not undo
// the primary order: the ack is returned together with a *DegradedError.
func (s *Service) PlaceOrder(ctx context.Context, req OrderRequest, protection Protection) (*exchanges.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		return nil, err
	}

	if err := s.gw.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		return nil, err
	}

	mode := s.ResolveTradingMode(ctx)
	positionSide := exchanges.PositionSideFor(mode, req.Side)

	orderReq := &exchanges.OrderRequest{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		PositionSide:  positionSide,
		ClientOrderID: newClientOrderID(),
	}
	if req.Type == exchanges.OrderTypeLimit {
		orderReq.Price = req.Price
		orderReq.TimeInForce = exchanges.TimeInForceGTC
	}

	ack, err := s.gw.PlaceOrder(ctx, orderReq)
	if err != nil {
		return nil, err
	}

	metrics.RecordOrderPlaced(s.gw.Name(), req.Side, req.Type)
	s.log.Infow("Primary order placed",
		"symbol", req.Symbol,
		"side", req.Side,
		"type", req.Type,
		"quantity", req.Quantity,
		"position_side", positionSide,
		"order_id", ack.ID,
	)
	s.publish(ctx, TopicOrderPlaced, req.Symbol, OrderPlacedEvent{
		Account:      s.accountID,
		Exchange:     s.gw.Name(),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		PositionSide: positionSide,
		Quantity:     req.Quantity,
		Price:        req.Price,
		Leverage:     req.Leverage,
		OrderID:      ack.ID,
		Timestamp:    time.Now().UTC(),
	})

	var protErr errors.MultiError
	if protection.StopLoss.IsPositive() {
		if _, err := s.setStopLoss(ctx, mode, req.Symbol, req.Side, protection.StopLoss); err != nil {
			protErr.Add(errors.Wrap(err, "stop loss"))
		}
	}
	if len(protection.TakeProfits) > 0 {
		if _, err := s.setTakeProfits(ctx, mode, req.Symbol, req.Side, req.Quantity, protection.TakeProfits); err != nil {
			protErr.Add(errors.Wrap(err, "take profits"))
		}
	}

	if protErr.HasErrors() {
		degraded := &DegradedError{Order: ack, Err: protErr.ToError()}
		s.reportDegraded(ctx, req.Symbol, positionSide, degraded)
		return ack, degraded
	}
	return ack, nil
}

// OpenPositionRequest expresses intent in quote currency: margin, leverage and protection
type OpenPositionRequest struct {
	Symbol              string
	Side                exchanges.OrderSide
	Type                exchanges.OrderType
	Price               decimal.Decimal
	USDTAmount          decimal.Decimal
	Leverage            int
	AdjustToMinNotional bool
	Protection          Protection
}

// OpenPosition sizes the order from a USDT amount and places it with its protection
func (s *Service) OpenPosition(ctx context.Context, req OpenPositionRequest) (*exchanges.Order, error) {
	qty, err := s.ComputeQuantity(ctx, SizingRequest{
		Symbol:              req.Symbol,
		USDTAmount:          req.USDTAmount,
		Leverage:            req.Leverage,
		AdjustToMinNotional: req.AdjustToMinNotional,
		TakeProfitTargets:   req.Protection.TakeProfits,
	})
	if err != nil {
		return nil, err
	}

	return s.PlaceOrder(ctx, OrderRequest{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Quantity: qty,
		Price:    req.Price,
		Leverage: req.Leverage,
	}, req.Protection)
}

func (s *Service) reportDegraded(ctx context.Context, symbol string, side exchanges.PositionSide, degraded *DegradedError) {
	metrics.RecordDegradedPosition(s.gw.Name())
	s.log.Errorw("Position is live without complete protection",
		"symbol", symbol,
		"position_side", side,
		"order_id", degraded.Order.ID,
		"error", degraded.Err,
	)

	s.publish(ctx, TopicProtectionDegraded, symbol, ProtectionDegradedEvent{
		Account:      s.accountID,
		Exchange:     s.gw.Name(),
		Symbol:       symbol,
		PositionSide: side,
		OrderID:      degraded.Order.ID,
		Error:        degraded.Err.Error(),
		Timestamp:    time.Now().UTC(),
	})

	if s.notifier == nil {
		return
	}
	text := fmt.Sprintf("⚠️ *%s* %s %s: order `%s` is live but protection failed: %v",
		s.accountID, symbol, side, degraded.Order.ID, degraded.Err)
	if err := s.notifier.Notify(ctx, text); err != nil {
		s.log.Warnw("Failed to send degraded position alert", "error", err)
	}
}

func (s *Service) publish(ctx context.Context, topic, symbol string, event interface{}) {
	if s.publisher == nil {
		return
	}
	key := s.accountID + ":" + symbol
	if err := s.publisher.Publish(ctx, topic, key, event); err != nil {
		s.log.Warnw("Failed to publish trading event", "topic", topic, "error", err)
	}
}

// newClientOrderID returns a 32 character id accepted by every supported exchange
func newClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
