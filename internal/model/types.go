package model

import (
	"encoding/json"
	"time"
)

// -----------------------------------------------------------------------------
// Order
// -----------------------------------------------------------------------------

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Active reports whether the order still rests on the book.
// Filled, cancelled, rejected and expired orders are terminal.
func (s OrderStatus) Active() bool {
	return s == OrderPending || s == OrderPartiallyFilled
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the execution type of an order.
type OrderType string

const (
	TypeMarket    OrderType = "MARKET"
	TypeLimit     OrderType = "LIMIT"
	TypeStop      OrderType = "STOP"
	TypeStopLimit OrderType = "STOP_LIMIT"
)

// Order is the canonical client-side view of a single order.
// The reconciler owns the authoritative copy; everything handed to
// consumers is a value copy.
type Order struct {
	ID              string      `json:"id"`
	ClientOrderID   string      `json:"client_order_id,omitempty"`
	Symbol          string      `json:"symbol"`
	Side            OrderSide   `json:"side"`
	Type            OrderType   `json:"type"`
	Quantity        float64     `json:"quantity"`
	Price           float64     `json:"price,omitempty"`      // limit price, 0 for market orders
	StopPrice       float64     `json:"stop_price,omitempty"` // trigger price for stop orders
	Status          OrderStatus `json:"status"`
	FilledQuantity  float64     `json:"filled_quantity"`
	AvgFillPrice    float64     `json:"avg_fill_price,omitempty"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// -----------------------------------------------------------------------------
// Position / Portfolio
// -----------------------------------------------------------------------------

// Position is an open position. One row per symbol per account.
type Position struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"` // positive long, negative short
	AvgPrice      float64   `json:"avg_price"`
	CurrentPrice  float64   `json:"current_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Long reports whether the position is long.
func (p Position) Long() bool { return p.Quantity > 0 }

// Short reports whether the position is short.
func (p Position) Short() bool { return p.Quantity < 0 }

// Portfolio is a derived account snapshot. It is recomputed server-side
// and replaced wholesale on the client, never merged field by field.
type Portfolio struct {
	TotalValue    float64    `json:"total_value"`
	CashBalance   float64    `json:"cash_balance"`
	TotalPnL      float64    `json:"total_pnl"`
	DayPnL        float64    `json:"day_pnl"`
	Positions     []Position `json:"positions,omitempty"`
	PendingOrders []Order    `json:"pending_orders,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// -----------------------------------------------------------------------------
// Market data / trades
// -----------------------------------------------------------------------------

// Quote is the latest market data for a single symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Trade is a single fill reported by the server.
type Trade struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      OrderSide `json:"side"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// RiskEvent is emitted when server-side risk management intervenes
// (e.g. a stop-loss trigger or forced liquidation).
type RiskEvent struct {
	Symbol     string    `json:"symbol"`
	PositionID string    `json:"position_id,omitempty"`
	Action     string    `json:"action"` // e.g. "STOP_LOSS", "TAKE_PROFIT", "LIQUIDATION"
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Push message envelope
// -----------------------------------------------------------------------------

// MessageKind discriminates inbound push messages.
type MessageKind string

const (
	KindConnectionEstablished MessageKind = "CONNECTION_ESTABLISHED"
	KindMarketData            MessageKind = "MARKET_DATA_UPDATE"
	KindOrderUpdate           MessageKind = "ORDER_UPDATE"
	KindTradeUpdate           MessageKind = "TRADE_UPDATE"
	KindPositionUpdate        MessageKind = "POSITION_UPDATE"
	KindPortfolioUpdate       MessageKind = "PORTFOLIO_UPDATE"
	KindRiskTriggered         MessageKind = "RISK_MANAGEMENT_TRIGGERED"
	KindPong                  MessageKind = "PONG"
)

// Envelope is the wire envelope for every inbound push message.
// It is immutable after receipt; the payload stays opaque until a
// handler decodes it by kind.
type Envelope struct {
	Type      MessageKind     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"` // server timestamp (ISO 8601)

	// ReceivedAt is the local receive time, set by the connection layer.
	ReceivedAt time.Time `json:"-"`
}
