package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/quantpaper/tradesync/internal/model"
)

// GetPortfolio fetches the account portfolio snapshot.
func (c *Client) GetPortfolio(ctx context.Context) (*PortfolioResponse, error) {
	var resp PortfolioResponse
	if err := c.get(ctx, "/portfolio", nil, &resp); err != nil {
		return nil, fmt.Errorf("get portfolio: %w", err)
	}
	return &resp, nil
}

// GetPositions fetches all open positions.
func (c *Client) GetPositions(ctx context.Context) (*PositionsResponse, error) {
	var resp PositionsResponse
	if err := c.get(ctx, "/positions", nil, &resp); err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	return &resp, nil
}

// GetOrders fetches a page of orders.
func (c *Client) GetOrders(ctx context.Context, opts GetOrdersOptions) (*OrdersResponse, error) {
	query := url.Values{}
	if opts.Status != "" {
		query.Set("status", string(opts.Status))
	}
	if opts.Symbol != "" {
		query.Set("symbol", opts.Symbol)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}

	var resp OrdersResponse
	if err := c.get(ctx, "/orders", query, &resp); err != nil {
		return nil, fmt.Errorf("get orders: %w", err)
	}
	return &resp, nil
}

// GetActiveOrders fetches the working orders only.
func (c *Client) GetActiveOrders(ctx context.Context) (*OrdersResponse, error) {
	query := url.Values{}
	query.Set("active", "true")

	var resp OrdersResponse
	if err := c.get(ctx, "/orders", query, &resp); err != nil {
		return nil, fmt.Errorf("get active orders: %w", err)
	}
	return &resp, nil
}

// GetAllOrders fetches the full order history by paginating through
// results. AsOf is the first page's stamp, so staleness checks stay
// conservative across the walk.
func (c *Client) GetAllOrders(ctx context.Context, opts GetOrdersOptions) (*OrdersResponse, error) {
	var out OrdersResponse
	opts.Limit = 500 // Max page size

	for {
		resp, err := c.GetOrders(ctx, opts)
		if err != nil {
			return nil, err
		}

		out.Orders = append(out.Orders, resp.Orders...)
		if out.AsOf.IsZero() {
			out.AsOf = resp.AsOf
		}

		if resp.Cursor == "" {
			break
		}
		opts.Cursor = resp.Cursor
	}

	return &out, nil
}

// PlaceOrder submits a new order. A missing ClientOrderID is generated
// here so a retried submit is correlated with the original attempt.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	var resp orderResponse
	if err := c.post(ctx, "/orders", req, &resp); err != nil {
		return OrderResult{}, fmt.Errorf("place order: %w", err)
	}

	result := newOrderResult(resp.Order)
	if result.Rejected {
		c.logger.Info("order rejected",
			"symbol", req.Symbol,
			"client_order_id", req.ClientOrderID,
			"reason", result.RejectionReason,
		)
	}
	return result, nil
}

// CancelOrder cancels a working order by id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (OrderResult, error) {
	var resp orderResponse
	if err := c.del(ctx, "/orders/"+orderID, &resp); err != nil {
		return OrderResult{}, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return newOrderResult(resp.Order), nil
}

// ModifyOrder amends the mutable fields of a working order.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, req ModifyOrderRequest) (OrderResult, error) {
	var resp orderResponse
	if err := c.put(ctx, "/orders/"+orderID, req, &resp); err != nil {
		return OrderResult{}, fmt.Errorf("modify order %s: %w", orderID, err)
	}
	return newOrderResult(resp.Order), nil
}

// ClosePosition asks the server to flatten a position at market. The
// response is the generated closing order.
func (c *Client) ClosePosition(ctx context.Context, positionID string) (OrderResult, error) {
	var resp orderResponse
	if err := c.post(ctx, "/positions/"+positionID+"/close", nil, &resp); err != nil {
		return OrderResult{}, fmt.Errorf("close position %s: %w", positionID, err)
	}
	return newOrderResult(resp.Order), nil
}

// SetRiskLimits attaches stop-loss / take-profit levels to a position.
func (c *Client) SetRiskLimits(ctx context.Context, positionID string, req RiskLimitsRequest) (*model.Position, error) {
	var resp positionResponse
	if err := c.put(ctx, "/positions/"+positionID+"/risk", req, &resp); err != nil {
		return nil, fmt.Errorf("set risk limits %s: %w", positionID, err)
	}
	return &resp.Position, nil
}
