package pricer

import (
	"context"

	"github.com/hirokisan/bybit/v2"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/presale/internal/domain"
)

const sourceBybit = "bybit"

// BybitPricer reads the last spot price from the v5 market tickers endpoint.
type BybitPricer struct {
	client *bybit.Client
}

func NewBybitPricer(client *bybit.Client) *BybitPricer {
	return &BybitPricer{client: client}
}

// GetPrice checks ctx up front; the bybit client itself takes no context.
func (p *BybitPricer) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}

	symbol := bybit.SymbolV5(pair.Symbol())
	result, err := p.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &symbol,
	})
	if err != nil {
		return decimal.Zero, err
	}
	if len(result.Result.Spot.List) == 0 {
		return decimal.Zero, noPrice(sourceBybit, pair)
	}
	return parsePrice(sourceBybit, pair, result.Result.Spot.List[0].LastPrice)
}
