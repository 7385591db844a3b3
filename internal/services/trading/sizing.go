package trading

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"perpgate/internal/domain/instrument"
	"perpgate/pkg/errors"
)

// SizingRequest is the input of ComputeQuantity
type SizingRequest struct {
	Symbol              string
	USDTAmount          decimal.Decimal
	Leverage            int
	AdjustToMinNotional bool
	TakeProfitTargets   []decimal.Decimal
}

// Quote is a sized order together with the price it was sized at
type Quote struct {
	Symbol      string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	MinNotional decimal.Decimal // after the take-profit multiplier
	Adjusted    bool            // quantity was raised to MinNotional
}

// Notional is the order value at the quoted price
func (q Quote) Notional() decimal.Decimal {
	return q.Quantity.Mul(q.Price)
}

// ComputeQuantity converts a margin amount and leverage into an order quantity
// that satisfies the instrument minimum notional and quantity precision.
func (s *Service) ComputeQuantity(ctx context.Context, req SizingRequest) (decimal.Decimal, error) {
	q, err := s.Quote(ctx, req)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Quantity, nil
}

// Quote sizes an order like ComputeQuantity and reports the price used.
//
// When take-profit targets are given the minimum notional is multiplied by
// their count, since the position will later be split into that many legs.
// The quantity is always rounded up to the quantity precision.
func (s *Service) Quote(ctx context.Context, req SizingRequest) (Quote, error) {
	if strings.TrimSpace(req.Symbol) == "" {
		return Quote{}, errors.NewValidationError("symbol", "is required", req.Symbol)
	}
	if !req.USDTAmount.IsPositive() {
		return Quote{}, errors.NewValidationError("usdt_amount", "must be positive", req.USDTAmount)
	}
	if req.Leverage < 1 {
		return Quote{}, errors.NewValidationError("leverage", "must be >= 1", req.Leverage)
	}

	price, err := s.CurrentPrice(ctx, req.Symbol)
	if err != nil {
		return Quote{}, err
	}

	// usdt × leverage is the exact raw notional, quantity × price would carry division error
	notional := req.USDTAmount.Mul(decimal.NewFromInt(int64(req.Leverage)))
	qty := notional.Div(price)

	spec, err := s.instrument(ctx, req.Symbol)
	if err != nil {
		return Quote{}, err
	}

	minNotional := spec.MinNotional
	if n := len(req.TakeProfitTargets); n > 0 {
		minNotional = minNotional.Mul(decimal.NewFromInt(int64(n)))
	}

	adjusted := false
	if notional.LessThan(minNotional) {
		if !req.AdjustToMinNotional {
			return Quote{}, errors.Wrapf(ErrBelowMinNotional,
				"%s notional %s < %s", req.Symbol, notional, minNotional)
		}
		s.log.Infow("Raising quantity to minimum notional",
			"symbol", req.Symbol,
			"notional", notional,
			"min_notional", minNotional,
		)
		qty = minNotional.Div(price)
		adjusted = true
	}

	qty = instrument.RoundUp(qty, spec.QuantityPrecision)

	// Division is inexact, so the ceiling can still land one step short
	if qty.Mul(price).LessThan(minNotional) {
		qty = qty.Add(decimal.New(1, -spec.QuantityPrecision))
	}

	s.log.Debugw("Computed order quantity",
		"symbol", req.Symbol,
		"usdt", req.USDTAmount,
		"leverage", req.Leverage,
		"price", price,
		"quantity", qty,
	)
	return Quote{
		Symbol:      req.Symbol,
		Price:       price,
		Quantity:    qty,
		MinNotional: minNotional,
		Adjusted:    adjusted,
	}, nil
}

// CurrentPrice returns the last traded price. A non-positive price is ErrPriceUnavailable.
func (s *Service) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := s.gw.GetTickerPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, errors.Wrapf(ErrPriceUnavailable, "%s price %s", symbol, price)
	}
	return price, nil
}

// QuantityPrecision returns the number of decimals the exchange accepts for order size
func (s *Service) QuantityPrecision(ctx context.Context, symbol string) (int32, error) {
	spec, err := s.instrument(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return spec.QuantityPrecision, nil
}

// PricePrecision returns the number of decimals the exchange accepts for prices
func (s *Service) PricePrecision(ctx context.Context, symbol string) (int32, error) {
	spec, err := s.instrument(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return spec.PricePrecision, nil
}

// MinNotional returns the exchange minimum order value for symbol
func (s *Service) MinNotional(ctx context.Context, symbol string) (decimal.Decimal, error) {
	spec, err := s.instrument(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return spec.MinNotional, nil
}

// MinQuantity returns the exchange minimum order size for symbol
func (s *Service) MinQuantity(ctx context.Context, symbol string) (decimal.Decimal, error) {
	spec, err := s.instrument(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return spec.MinQuantity, nil
}

func (s *Service) instrument(ctx context.Context, symbol string) (instrument.Spec, error) {
	list, err := s.gw.ListInstruments(ctx)
	if err != nil {
		return instrument.Spec{}, err
	}
	return instrument.Resolve(list, symbol)
}
