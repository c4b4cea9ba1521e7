// Package trading exposes the order commands. Every command goes
// through the REST client, and a confirmed mutation is followed by a
// snapshot refresh so the reconciler holds server-authoritative state
// instead of an optimistic guess.
package trading

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/quantpaper/tradesync/internal/api"
	"github.com/quantpaper/tradesync/internal/model"
	"github.com/quantpaper/tradesync/internal/state"
)

// Backend is the slice of the REST client the service depends on.
type Backend interface {
	GetPortfolio(ctx context.Context) (*api.PortfolioResponse, error)
	GetPositions(ctx context.Context) (*api.PositionsResponse, error)
	GetAllOrders(ctx context.Context, opts api.GetOrdersOptions) (*api.OrdersResponse, error)
	PlaceOrder(ctx context.Context, req api.OrderRequest) (api.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (api.OrderResult, error)
	ModifyOrder(ctx context.Context, orderID string, req api.ModifyOrderRequest) (api.OrderResult, error)
	ClosePosition(ctx context.Context, positionID string) (api.OrderResult, error)
	SetRiskLimits(ctx context.Context, positionID string, req api.RiskLimitsRequest) (*model.Position, error)
}

// Service coordinates order commands with the state reconciler.
type Service struct {
	backend Backend
	rec     *state.Reconciler
	logger  *slog.Logger
}

// NewService creates a trading service. A nil logger falls back to
// slog.Default().
func NewService(backend Backend, rec *state.Reconciler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		backend: backend,
		rec:     rec,
		logger:  logger,
	}
}

// LoadSnapshots fetches portfolio, positions, and orders in parallel
// and seeds the reconciler. Used at startup and after a reconnect when
// the push channel may have missed updates.
func (s *Service) LoadSnapshots(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		resp, err := s.backend.GetPortfolio(ctx)
		if err != nil {
			return err
		}
		s.rec.ApplyPortfolioSnapshot(resp.Portfolio, resp.AsOf)
		return nil
	})
	g.Go(func() error {
		resp, err := s.backend.GetPositions(ctx)
		if err != nil {
			return err
		}
		s.rec.ApplyPositionsSnapshot(resp.Positions, resp.AsOf)
		return nil
	})
	g.Go(func() error {
		// Full cursor walk: the snapshot replaces the order collection
		// wholesale, so a single page would drop older history.
		resp, err := s.backend.GetAllOrders(ctx, api.GetOrdersOptions{})
		if err != nil {
			return err
		}
		s.rec.ApplyOrdersSnapshot(resp.Orders, resp.AsOf)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}
	return nil
}

// PlaceOrder submits an order. On acceptance the order and portfolio
// snapshots are refreshed; a rejection skips the refresh since nothing
// changed server-side.
func (s *Service) PlaceOrder(ctx context.Context, req api.OrderRequest) (api.OrderResult, error) {
	result, err := s.backend.PlaceOrder(ctx, req)
	if err != nil {
		return api.OrderResult{}, err
	}
	if result.Rejected {
		return result, nil
	}

	s.refreshAfterCommand(ctx, false)
	return result, nil
}

// CancelOrder cancels a working order and refreshes.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (api.OrderResult, error) {
	result, err := s.backend.CancelOrder(ctx, orderID)
	if err != nil {
		return api.OrderResult{}, err
	}

	s.refreshAfterCommand(ctx, false)
	return result, nil
}

// ModifyOrder amends a working order and refreshes.
func (s *Service) ModifyOrder(ctx context.Context, orderID string, req api.ModifyOrderRequest) (api.OrderResult, error) {
	result, err := s.backend.ModifyOrder(ctx, orderID, req)
	if err != nil {
		return api.OrderResult{}, err
	}
	if result.Rejected {
		return result, nil
	}

	s.refreshAfterCommand(ctx, false)
	return result, nil
}

// ClosePosition flattens a position at market. Positions move, so the
// refresh includes them.
func (s *Service) ClosePosition(ctx context.Context, positionID string) (api.OrderResult, error) {
	result, err := s.backend.ClosePosition(ctx, positionID)
	if err != nil {
		return api.OrderResult{}, err
	}

	s.refreshAfterCommand(ctx, true)
	return result, nil
}

// SetRiskLimits attaches stop-loss / take-profit levels to a position.
func (s *Service) SetRiskLimits(ctx context.Context, positionID string, req api.RiskLimitsRequest) (*model.Position, error) {
	return s.backend.SetRiskLimits(ctx, positionID, req)
}

// refreshAfterCommand pulls fresh order and portfolio snapshots in
// parallel. A refresh failure is logged, not returned: the command
// itself already succeeded, and push messages or the poller will
// converge the state.
func (s *Service) refreshAfterCommand(ctx context.Context, positions bool) {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		resp, err := s.backend.GetAllOrders(ctx, api.GetOrdersOptions{})
		if err != nil {
			return fmt.Errorf("refresh orders: %w", err)
		}
		s.rec.ApplyOrdersSnapshot(resp.Orders, resp.AsOf)
		return nil
	})
	g.Go(func() error {
		resp, err := s.backend.GetPortfolio(ctx)
		if err != nil {
			return fmt.Errorf("refresh portfolio: %w", err)
		}
		s.rec.ApplyPortfolioSnapshot(resp.Portfolio, resp.AsOf)
		return nil
	})
	if positions {
		g.Go(func() error {
			resp, err := s.backend.GetPositions(ctx)
			if err != nil {
				return fmt.Errorf("refresh positions: %w", err)
			}
			s.rec.ApplyPositionsSnapshot(resp.Positions, resp.AsOf)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Warn("post-command refresh failed", "error", err)
	}
}
