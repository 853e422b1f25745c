package pricer

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"

	"github.com/vadiminshakov/presale/internal/domain"
)

const sourceHyperliquid = "hyperliquid"

// HyperliquidPricer uses perp mid prices, which are USD denominated. Only pair.From is used.
type HyperliquidPricer struct {
	info *hyperliquid.Info
}

func NewHyperliquidPricer(info *hyperliquid.Info) *HyperliquidPricer {
	return &HyperliquidPricer{info: info}
}

func (p *HyperliquidPricer) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	if p.info == nil {
		return decimal.Zero, errors.New("hyperliquid: info client is not configured")
	}

	mids, err := p.info.AllMids(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	mid, ok := mids[pair.From]
	if !ok {
		return decimal.Zero, noPrice(sourceHyperliquid, pair)
	}
	return parsePrice(sourceHyperliquid, pair, mid)
}
