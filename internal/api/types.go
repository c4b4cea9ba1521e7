package api

import (
	"time"

	"github.com/quantpaper/tradesync/internal/model"
)

// PortfolioResponse is the GET /portfolio payload. AsOf is the server
// timestamp of the snapshot, used for staleness ordering downstream.
type PortfolioResponse struct {
	Portfolio model.Portfolio `json:"portfolio"`
	AsOf      time.Time       `json:"as_of"`
}

// PositionsResponse is the GET /positions payload.
type PositionsResponse struct {
	Positions []model.Position `json:"positions"`
	AsOf      time.Time        `json:"as_of"`
}

// OrdersResponse is a page of orders. An empty Cursor means the last
// page.
type OrdersResponse struct {
	Orders []model.Order `json:"orders"`
	Cursor string        `json:"cursor"`
	AsOf   time.Time     `json:"as_of"`
}

// GetOrdersOptions filters an order fetch.
type GetOrdersOptions struct {
	Status model.OrderStatus // empty fetches all statuses
	Symbol string
	Limit  int
	Cursor string
}

// OrderRequest is the payload for placing an order. ClientOrderID is
// filled in by the client when empty.
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          model.OrderSide `json:"side"`
	Type          model.OrderType `json:"type"`
	Quantity      float64         `json:"quantity"`
	Price         float64         `json:"price,omitempty"`
	StopPrice     float64         `json:"stop_price,omitempty"`
}

// ModifyOrderRequest carries the mutable fields of a working order.
// Zero values leave the corresponding field unchanged on the server.
type ModifyOrderRequest struct {
	Quantity  float64 `json:"quantity,omitempty"`
	Price     float64 `json:"price,omitempty"`
	StopPrice float64 `json:"stop_price,omitempty"`
}

// RiskLimitsRequest attaches stop-loss / take-profit levels to a
// position. A zero level clears the corresponding limit.
type RiskLimitsRequest struct {
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
}

// orderResponse wraps a single order in command responses.
type orderResponse struct {
	Order model.Order `json:"order"`
}

// positionResponse wraps a single position.
type positionResponse struct {
	Position model.Position `json:"position"`
}

// OrderResult is the outcome of an order command. A rejection is a
// normal outcome, not an error: Rejected is true and RejectionReason
// carries the server's explanation.
type OrderResult struct {
	Order           model.Order
	Rejected        bool
	RejectionReason string
}

func newOrderResult(order model.Order) OrderResult {
	return OrderResult{
		Order:           order,
		Rejected:        order.Status == model.OrderRejected,
		RejectionReason: order.RejectionReason,
	}
}
