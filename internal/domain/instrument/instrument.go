// Package instrument normalizes exchange contract metadata into the
// precision and minimum constraints order sizing works with.
package instrument

import (
	"strings"

	"github.com/shopspring/decimal"

	"perpgate/internal/adapters/exchanges"
	"perpgate/pkg/errors"
)

// Spec is the normalized view of one instrument.
type Spec struct {
	Symbol            string
	QuantityPrecision int32
	PricePrecision    int32
	MinQuantity       decimal.Decimal
	MinNotional       decimal.Decimal
}

// Precision counts the fractional digits of a step string after trailing
// zeros are stripped: "0.0001" -> 4, "0.010" -> 1, "1" -> 0.
// An empty or malformed step yields 0.
func Precision(step string) int32 {
	step = strings.TrimSpace(step)
	dot := strings.IndexByte(step, '.')
	if dot < 0 {
		return 0
	}
	frac := strings.TrimRight(step[dot+1:], "0")
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0
		}
	}
	return int32(len(frac))
}

// RoundUp returns the smallest multiple of 10^-places that is >= x.
func RoundUp(x decimal.Decimal, places int32) decimal.Decimal {
	if places < 0 {
		places = 0
	}
	return x.RoundCeil(places)
}

// Resolve finds symbol in list and normalizes it.
// A symbol absent from the list is ErrInstrumentNotFound.
func Resolve(list []exchanges.Instrument, symbol string) (Spec, error) {
	for _, inst := range list {
		if inst.Symbol != symbol {
			continue
		}
		return Spec{
			Symbol:            inst.Symbol,
			QuantityPrecision: Precision(inst.QuantityStep),
			PricePrecision:    Precision(inst.PriceStep),
			MinQuantity:       inst.MinQuantity,
			MinNotional:       inst.MinNotional,
		}, nil
	}
	return Spec{}, errors.Wrapf(errors.ErrInstrumentNotFound, "symbol %s", symbol)
}
