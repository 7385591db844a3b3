package trading

import (
	"context"

	"perpgate/internal/adapters/exchanges"
)

// ResolveTradingMode reads the account position mode from the gateway.
// Any lookup failure collapses to ONE_WAY so that mode resolution never blocks trading.
// The result must not be cached beyond one order placement.
func (s *Service) ResolveTradingMode(ctx context.Context) exchanges.TradingMode {
	mode, err := s.gw.GetTradingMode(ctx)
	if err != nil {
		s.log.Warnw("Trading mode lookup failed, assuming ONE_WAY", "error", err)
		return exchanges.TradingModeOneWay
	}
	if mode != exchanges.TradingModeHedge {
		return exchanges.TradingModeOneWay
	}
	return mode
}
