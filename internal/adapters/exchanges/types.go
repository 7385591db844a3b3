package exchanges

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide defines buy or sell direction.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Valid reports whether the side is BUY or SELL.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// TradingMode is the account-level position mode.
type TradingMode string

const (
	TradingModeOneWay TradingMode = "ONE_WAY"
	TradingModeHedge  TradingMode = "HEDGE"
)

// PositionSide differentiates hedged positions. BOTH is used only in one-way mode.
type PositionSide string

const (
	PositionSideBoth  PositionSide = "BOTH"
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// OrderType defines supported order execution types.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus enumerates exchange level order lifecycle.
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "new"
	OrderStatusPartial  OrderStatus = "partial"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
	OrderStatusUnknown  OrderStatus = "unknown"
)

// TimeInForce enumerates supported order time policies.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
)

// Instrument is the raw contract metadata as published by an exchange.
// Absent filters are left as an empty step or a zero decimal.
type Instrument struct {
	Symbol       string
	QuantityStep string
	PriceStep    string
	MinQuantity  decimal.Decimal
	MinNotional  decimal.Decimal
}

// OrderRequest is the unified payload for order placement.
// ClosePosition orders close whatever remains and carry no quantity.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   TimeInForce
	PositionSide  PositionSide
	ClosePosition bool
	ReduceOnly    bool
	ClientOrderID string
}

// Order represents a normalized exchange order or placement ack.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Type          OrderType
	Side          OrderSide
	PositionSide  PositionSide
	Status        OrderStatus
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	Filled        decimal.Decimal
	ClosePosition bool
	ReduceOnly    bool
	CreatedAt     time.Time
}

// IsStop reports whether the order is a stop-loss type order.
func (o Order) IsStop() bool {
	return o.Type == OrderTypeStopMarket
}

// IsTakeProfit reports whether the order is a take-profit type order.
func (o Order) IsTakeProfit() bool {
	return o.Type == OrderTypeTakeProfitMarket
}

// Balance describes futures wallet balances.
type Balance struct {
	Total     decimal.Decimal
	Available decimal.Decimal
	Currency  string
	Details   []BalanceDetail
}

// BalanceDetail holds per-asset balance.
type BalanceDetail struct {
	Currency  string
	Total     decimal.Decimal
	Available decimal.Decimal
}

// Asset returns the detail record for currency, if present.
func (b *Balance) Asset(currency string) (BalanceDetail, bool) {
	for _, d := range b.Details {
		if d.Currency == currency {
			return d, true
		}
	}
	return BalanceDetail{}, false
}

// Position represents a futures position.
type Position struct {
	Symbol        string
	Side          PositionSide
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	Leverage      decimal.Decimal
	UnrealizedPnL decimal.Decimal
}
