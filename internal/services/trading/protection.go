package trading

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"perpgate/internal/adapters/exchanges"
	"perpgate/internal/domain/instrument"
	"perpgate/internal/metrics"
	"perpgate/pkg/errors"
)

const (
	kindStopLoss   = "stop_loss"
	kindTakeProfit = "take_profit"
)

// StopLossRequest replaces the stop-loss of one position.
// An empty Mode is resolved from the gateway.
type StopLossRequest struct {
	Symbol    string
	Side      exchanges.OrderSide // entry side of the position
	StopPrice decimal.Decimal
	Mode      exchanges.TradingMode
}

// TakeProfitRequest replaces the take-profit ladder of one position.
// An empty Mode is resolved from the gateway.
type TakeProfitRequest struct {
	Symbol   string
	Side     exchanges.OrderSide // entry side of the position
	Quantity decimal.Decimal
	Targets  []decimal.Decimal
	Mode     exchanges.TradingMode
}

// TakeProfitLeg is one rung of the ladder. The last leg closes the remaining
// position and carries no quantity.
type TakeProfitLeg struct {
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ClosePosition bool
}

// TakeProfitPlan is the ordered ladder submitted for one position
type TakeProfitPlan struct {
	Side exchanges.OrderSide
	Legs []TakeProfitLeg
}

// BuildTakeProfitPlan orders targets nearest-first for the entry side and splits
// quantity into equal chunks rounded up to precision. Every leg but the last
// carries the chunk; the last one closes whatever remains.
func BuildTakeProfitPlan(side exchanges.OrderSide, quantity decimal.Decimal, targets []decimal.Decimal, precision int32) (TakeProfitPlan, error) {
	if len(targets) == 0 {
		return TakeProfitPlan{Side: side}, nil
	}
	if !side.Valid() {
		return TakeProfitPlan{}, errors.NewValidationError("side", "must be BUY or SELL", side)
	}
	if !quantity.IsPositive() {
		return TakeProfitPlan{}, errors.NewValidationError("quantity", "must be positive", quantity)
	}
	for _, t := range targets {
		if !t.IsPositive() {
			return TakeProfitPlan{}, errors.NewValidationError("targets", "must be positive", t)
		}
	}

	sorted := slices.Clone(targets)
	slices.SortStableFunc(sorted, func(a, b decimal.Decimal) int {
		if side == exchanges.OrderSideSell {
			return b.Cmp(a)
		}
		return a.Cmp(b)
	})

	n := int64(len(sorted))
	chunk := instrument.RoundUp(quantity.Div(decimal.NewFromInt(n)), precision)
	if allocated := chunk.Mul(decimal.NewFromInt(n - 1)); allocated.GreaterThan(quantity) {
		return TakeProfitPlan{}, errors.NewValidationError("quantity",
			fmt.Sprintf("too small to split across %d targets at precision %d", n, precision), quantity)
	}

	plan := TakeProfitPlan{Side: side, Legs: make([]TakeProfitLeg, 0, n)}
	for i, price := range sorted {
		if i == len(sorted)-1 {
			plan.Legs = append(plan.Legs, TakeProfitLeg{Price: price, ClosePosition: true})
			continue
		}
		plan.Legs = append(plan.Legs, TakeProfitLeg{Price: price, Quantity: chunk})
	}
	return plan, nil
}

// SetStopLoss cancels every resting stop of the position and creates exactly
// one close-position stop on the opposite side. A zero stop price is a no-op.
func (s *Service) SetStopLoss(ctx context.Context, req StopLossRequest) (*exchanges.Order, error) {
	if !req.Side.Valid() {
		return nil, errors.NewValidationError("side", "must be BUY or SELL", req.Side)
	}
	if req.StopPrice.IsZero() {
		return nil, nil
	}
	mode := req.Mode
	if mode == "" {
		mode = s.ResolveTradingMode(ctx)
	}
	return s.setStopLoss(ctx, mode, req.Symbol, req.Side, req.StopPrice)
}

// SetTakeProfits cancels every resting take-profit of the position and submits
// a new ladder. No targets is a no-op.
func (s *Service) SetTakeProfits(ctx context.Context, req TakeProfitRequest) ([]*exchanges.Order, error) {
	if !req.Side.Valid() {
		return nil, errors.NewValidationError("side", "must be BUY or SELL", req.Side)
	}
	if len(req.Targets) == 0 {
		return nil, nil
	}
	mode := req.Mode
	if mode == "" {
		mode = s.ResolveTradingMode(ctx)
	}
	return s.setTakeProfits(ctx, mode, req.Symbol, req.Side, req.Quantity, req.Targets)
}

func (s *Service) setStopLoss(ctx context.Context, mode exchanges.TradingMode, symbol string, side exchanges.OrderSide, stopPrice decimal.Decimal) (*exchanges.Order, error) {
	if !stopPrice.IsPositive() {
		return nil, errors.NewValidationError("stop_price", "must be positive", stopPrice)
	}
	positionSide := exchanges.PositionSideFor(mode, side)

	spec, err := s.instrument(ctx, symbol)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, symbol, positionSide)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.cancelProtective(ctx, symbol, positionSide, kindStopLoss); err != nil {
		return nil, err
	}

	order, err := s.gw.PlaceOrder(ctx, &exchanges.OrderRequest{
		Symbol:        symbol,
		Side:          exchanges.OppositeSide(side),
		Type:          exchanges.OrderTypeStopMarket,
		StopPrice:     stopPrice.Round(spec.PricePrecision),
		PositionSide:  positionSide,
		ClosePosition: true,
		ClientOrderID: newClientOrderID(),
	})
	if err != nil {
		metrics.RecordProtectiveOrder(s.gw.Name(), kindStopLoss, "error")
		return nil, err
	}
	metrics.RecordProtectiveOrder(s.gw.Name(), kindStopLoss, "create")

	s.log.Infow("Stop loss placed",
		"symbol", symbol,
		"position_side", positionSide,
		"stop_price", order.StopPrice,
		"order_id", order.ID,
	)
	s.publish(ctx, TopicProtectionReplaced, symbol, ProtectionReplacedEvent{
		Account:      s.accountID,
		Exchange:     s.gw.Name(),
		Symbol:       symbol,
		PositionSide: positionSide,
		Kind:         kindStopLoss,
		Prices:       []decimal.Decimal{stopPrice},
		OrderIDs:     []string{order.ID},
		Timestamp:    time.Now().UTC(),
	})
	return order, nil
}

func (s *Service) setTakeProfits(ctx context.Context, mode exchanges.TradingMode, symbol string, side exchanges.OrderSide, quantity decimal.Decimal, targets []decimal.Decimal) ([]*exchanges.Order, error) {
	positionSide := exchanges.PositionSideFor(mode, side)

	spec, err := s.instrument(ctx, symbol)
	if err != nil {
		return nil, err
	}

	plan, err := BuildTakeProfitPlan(side, quantity, targets, spec.QuantityPrecision)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, symbol, positionSide)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.cancelProtective(ctx, symbol, positionSide, kindTakeProfit); err != nil {
		return nil, err
	}

	exitSide := exchanges.OppositeSide(side)
	orders := make([]*exchanges.Order, 0, len(plan.Legs))
	ids := make([]string, 0, len(plan.Legs))
	prices := make([]decimal.Decimal, 0, len(plan.Legs))

	for i, leg := range plan.Legs {
		order, err := s.gw.PlaceOrder(ctx, &exchanges.OrderRequest{
			Symbol:        symbol,
			Side:          exitSide,
			Type:          exchanges.OrderTypeTakeProfitMarket,
			StopPrice:     leg.Price.Round(spec.PricePrecision),
			Quantity:      leg.Quantity,
			PositionSide:  positionSide,
			ClosePosition: leg.ClosePosition,
			ClientOrderID: newClientOrderID(),
		})
		if err != nil {
			metrics.RecordProtectiveOrder(s.gw.Name(), kindTakeProfit, "error")
			return orders, errors.Wrapf(err, "take profit %d/%d at %s", i+1, len(plan.Legs), leg.Price)
		}
		metrics.RecordProtectiveOrder(s.gw.Name(), kindTakeProfit, "create")
		orders = append(orders, order)
		ids = append(ids, order.ID)
		prices = append(prices, leg.Price)
	}

	s.log.Infow("Take profit ladder placed",
		"symbol", symbol,
		"position_side", positionSide,
		"legs", len(orders),
		"quantity", quantity,
	)
	s.publish(ctx, TopicProtectionReplaced, symbol, ProtectionReplacedEvent{
		Account:      s.accountID,
		Exchange:     s.gw.Name(),
		Symbol:       symbol,
		PositionSide: positionSide,
		Kind:         kindTakeProfit,
		Prices:       prices,
		OrderIDs:     ids,
		Timestamp:    time.Now().UTC(),
	})
	return orders, nil
}

// cancelProtective cancels resting orders of one kind for (symbol, positionSide).
// The first failing cancel aborts the sweep.
func (s *Service) cancelProtective(ctx context.Context, symbol string, positionSide exchanges.PositionSide, kind string) error {
	open, err := s.gw.ListOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}

	for _, o := range open {
		if o.Symbol != symbol || o.PositionSide != positionSide {
			continue
		}
		if (kind == kindStopLoss && !o.IsStop()) || (kind == kindTakeProfit && !o.IsTakeProfit()) {
			continue
		}
		if err := s.gw.CancelOrder(ctx, symbol, o.ID); err != nil {
			return errors.Wrapf(err, "cancel %s %s", kind, o.ID)
		}
		metrics.RecordProtectiveOrder(s.gw.Name(), kind, "cancel")
		s.log.Debugw("Cancelled stale protective order",
			"symbol", symbol,
			"position_side", positionSide,
			"kind", kind,
			"order_id", o.ID,
		)
	}
	return nil
}

// lock acquires the optional external lock for (account, symbol, positionSide).
// Without a locker concurrent replacements for the same position can interleave.
func (s *Service) lock(ctx context.Context, symbol string, positionSide exchanges.PositionSide) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}

	key := fmt.Sprintf("protection:%s:%s:%s", s.accountID, symbol, positionSide)
	unlock, err := s.locker.Lock(ctx, key, s.lockTTL)
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", key)
	}
	return func() {
		// Released with a fresh context so a cancelled request still frees the key
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := unlock(releaseCtx); err != nil {
			s.log.Warnw("Failed to release protection lock", "key", key, "error", err)
		}
	}, nil
}
