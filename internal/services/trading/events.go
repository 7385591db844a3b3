package trading

import (
	"time"

	"github.com/shopspring/decimal"

	"perpgate/internal/adapters/exchanges"
)

// Event topics, the publisher may namespace them further
const (
	TopicOrderPlaced        = "orders.placed"
	TopicProtectionReplaced = "protection.replaced"
	TopicProtectionDegraded = "protection.degraded"
)

// OrderPlacedEvent is published after the exchange accepted a primary order
type OrderPlacedEvent struct {
	Account      string                 `json:"account"`
	Exchange     string                 `json:"exchange"`
	Symbol       string                 `json:"symbol"`
	Side         exchanges.OrderSide    `json:"side"`
	Type         exchanges.OrderType    `json:"type"`
	PositionSide exchanges.PositionSide `json:"position_side"`
	Quantity     decimal.Decimal        `json:"quantity"`
	Price        decimal.Decimal        `json:"price"`
	Leverage     int                    `json:"leverage"`
	OrderID      string                 `json:"order_id"`
	Timestamp    time.Time              `json:"timestamp"`
}

// ProtectionReplacedEvent is published after a stop or take-profit ladder was recreated
type ProtectionReplacedEvent struct {
	Account      string                 `json:"account"`
	Exchange     string                 `json:"exchange"`
	Symbol       string                 `json:"symbol"`
	PositionSide exchanges.PositionSide `json:"position_side"`
	Kind         string                 `json:"kind"`
	Prices       []decimal.Decimal      `json:"prices"`
	OrderIDs     []string               `json:"order_ids"`
	Timestamp    time.Time              `json:"timestamp"`
}

// ProtectionDegradedEvent is published when a primary order stays live without full protection
type ProtectionDegradedEvent struct {
	Account      string                 `json:"account"`
	Exchange     string                 `json:"exchange"`
	Symbol       string                 `json:"symbol"`
	PositionSide exchanges.PositionSide `json:"position_side"`
	OrderID      string                 `json:"order_id"`
	Error        string                 `json:"error"`
	Timestamp    time.Time              `json:"timestamp"`
}
