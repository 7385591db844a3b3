package exchanges

import (
	"strings"

	"github.com/shopspring/decimal"
)

// OppositeSide returns the closing side for an entry side.
func OppositeSide(side OrderSide) OrderSide {
	if side == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// PositionSideFor derives the position side an order with the given entry side belongs to.
func PositionSideFor(mode TradingMode, side OrderSide) PositionSide {
	if mode != TradingModeHedge {
		return PositionSideBoth
	}
	if side == OrderSideSell {
		return PositionSideShort
	}
	return PositionSideLong
}

// EntrySideFor is the inverse of PositionSideFor for hedge positions.
// One-way positions carry their direction in the sign of the size.
func EntrySideFor(side PositionSide, size decimal.Decimal) OrderSide {
	switch side {
	case PositionSideLong:
		return OrderSideBuy
	case PositionSideShort:
		return OrderSideSell
	}
	if size.IsNegative() {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Validate checks an order request before it reaches any adapter.
func (r *OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" || !r.Side.Valid() {
		return ErrInvalidRequest
	}
	switch r.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if !r.Price.IsPositive() {
			return ErrInvalidRequest
		}
	case OrderTypeStopMarket, OrderTypeTakeProfitMarket:
		if !r.StopPrice.IsPositive() {
			return ErrInvalidRequest
		}
	default:
		return ErrInvalidRequest
	}
	if r.ClosePosition {
		return nil
	}
	if !r.Quantity.IsPositive() {
		return ErrInvalidRequest
	}
	return nil
}

// Conditional order IDs are namespaced when an exchange cancels them through a separate endpoint.
const (
	AlgoOrderPrefix = "algo:"
	PlanOrderPrefix = "plan:"
)

// SplitOrderID strips a namespace prefix and reports which one was present.
func SplitOrderID(id string) (prefix string, raw string) {
	for _, p := range []string{AlgoOrderPrefix, PlanOrderPrefix} {
		if strings.HasPrefix(id, p) {
			return p, strings.TrimPrefix(id, p)
		}
	}
	return "", id
}
