package pricer

import (
	"context"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/presale/internal/domain"
)

const sourceBinance = "binance"

// BinancePricer reads the last spot trade price from the public ticker endpoint.
type BinancePricer struct {
	client *binance.Client
}

func NewBinancePricer(client *binance.Client) *BinancePricer {
	return &BinancePricer{client: client}
}

func (p *BinancePricer) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	prices, err := p.client.NewListPricesService().Symbol(pair.Symbol()).Do(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, tick := range prices {
		if strings.EqualFold(tick.Symbol, pair.Symbol()) {
			return parsePrice(sourceBinance, pair, tick.Price)
		}
	}
	return decimal.Zero, noPrice(sourceBinance, pair)
}
