package trading

import (
	"context"

	"github.com/shopspring/decimal"

	"perpgate/internal/adapters/exchanges"
	"perpgate/pkg/errors"
)

// FuturesBalance returns the wallet balance of asset. A missing asset is an error.
func (s *Service) FuturesBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	balance, err := s.gw.GetBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	detail, ok := balance.Asset(asset)
	if !ok {
		return decimal.Zero, errors.Wrapf(errors.ErrInsufficientBalance, "no %s balance", asset)
	}
	return detail.Total, nil
}

// FreeMargin returns the balance of asset available for new positions, zero when absent
func (s *Service) FreeMargin(ctx context.Context, asset string) (decimal.Decimal, error) {
	balance, err := s.gw.GetBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	detail, ok := balance.Asset(asset)
	if !ok {
		return decimal.Zero, nil
	}
	return detail.Available, nil
}

// Balances returns every per-asset balance record
func (s *Service) Balances(ctx context.Context) (*exchanges.Balance, error) {
	return s.gw.GetBalance(ctx)
}

// OpenPositions returns the positions with a non-zero size
func (s *Service) OpenPositions(ctx context.Context) ([]exchanges.Position, error) {
	positions, err := s.gw.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	open := make([]exchanges.Position, 0, len(positions))
	for _, p := range positions {
		if !p.Size.IsZero() {
			open = append(open, p)
		}
	}
	return open, nil
}

// MaxLeverage returns the highest leverage the exchange allows for symbol
func (s *Service) MaxLeverage(ctx context.Context, symbol string) (int, error) {
	if symbol == "" {
		return 0, errors.NewValidationError("symbol", "required", symbol)
	}
	return s.gw.GetMaxLeverage(ctx, symbol)
}

// OpenOrders returns resting orders of symbol, or of every symbol when it is empty
func (s *Service) OpenOrders(ctx context.Context, symbol string) ([]exchanges.Order, error) {
	return s.gw.ListOpenOrders(ctx, symbol)
}

// OrderHistory returns recent orders of symbol in any status
func (s *Service) OrderHistory(ctx context.Context, symbol string, limit int) ([]exchanges.Order, error) {
	if symbol == "" {
		return nil, errors.NewValidationError("symbol", "required", symbol)
	}
	if limit < 0 {
		return nil, errors.NewValidationError("limit", "must be >= 0", limit)
	}
	return s.gw.GetOrderHistory(ctx, symbol, limit)
}
