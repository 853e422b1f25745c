//go:build integration

package pricer

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/presale/internal/clients"
	"github.com/vadiminshakov/presale/internal/domain"
)

// TestUSDSources_Integration asks each public source for the native-currency pairs a sale
// is typically valued in. Run with: go test -tags=integration ./internal/services/pricer/
func TestUSDSources_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("network test")
	}

	hl, err := clients.NewHyperliquidClient(nil, "https://api.hyperliquid.xyz")
	require.NoError(t, err)

	sources := map[string]Pricer{
		"binance":     NewBinancePricer(clients.NewBinanceClient()),
		"bybit":       NewBybitPricer(clients.NewBybitClient()),
		"hyperliquid": NewHyperliquidPricer(hl.Info()),
	}
	pairs := []domain.Pair{{From: "ETH", To: "USDT"}, {From: "POL", To: "USDT"}}

	for name, src := range sources {
		for _, pair := range pairs {
			t.Run(name+"/"+pair.String(), func(t *testing.T) {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()

				price, err := src.GetPrice(ctx, pair)
				if err != nil {
					// not every venue lists every pair
					assert.ErrorIs(t, err, ErrNoPrice)
					return
				}
				assert.True(t, price.IsPositive())

				value := price.Mul(decimal.RequireFromString("0.5")).StringFixed(domain.DisplayPlaces)
				t.Logf("0.5 %s = %s USD", pair.From, value)
			})
		}
	}

	t.Run("unknown pair", func(t *testing.T) {
		_, err := sources["binance"].GetPrice(context.Background(), domain.Pair{From: "NOPE", To: "USDT"})
		assert.Error(t, err)
	})
}
