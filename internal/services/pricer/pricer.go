// Package pricer values the sale's native currency in USD for purchase quotes.
//
// Exchange sources are public market-data endpoints; no credentials are involved. Stablecoin
// quoted pairs (ETH_USDT, POL_USDC) stand in for USD.
package pricer

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/presale/internal/domain"
)

// ErrNoPrice is returned when a source has no usable price for the requested pair.
var ErrNoPrice = errors.New("no usd price available")

// Pricer returns the current price of one pair.From in pair.To.
type Pricer interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}

// parsePrice turns a raw ticker value into a price. Empty, malformed and non-positive
// values all map to ErrNoPrice so a bad tick never produces a zero USD value.
func parsePrice(source string, pair domain.Pair, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, errors.Wrapf(ErrNoPrice, "%s: empty price for %s", source, pair)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrapf(ErrNoPrice, "%s: malformed price %q for %s", source, raw, pair)
	}
	if price.Sign() <= 0 {
		return decimal.Zero, errors.Wrapf(ErrNoPrice, "%s: non-positive price %s for %s", source, raw, pair)
	}
	return price, nil
}

func noPrice(source string, pair domain.Pair) error {
	return errors.Wrapf(ErrNoPrice, "%s: no ticker for %s", source, pair)
}
