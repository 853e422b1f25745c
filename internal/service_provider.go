package internal

import (
	"context"
	"fmt"

	binance "github.com/adshao/go-binance/v2"
	bybit "github.com/hirokisan/bybit/v2"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/presale/config"
	"github.com/vadiminshakov/presale/internal/clients"
	"github.com/vadiminshakov/presale/internal/domain"
	"github.com/vadiminshakov/presale/internal/services/pricer"
)

const hyperliquidMainnetURL = "https://api.hyperliquid.xyz"

type priceService interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}

// serviceProvider defines a factory interface for creating market-specific services.
type serviceProvider interface {
	Pricer() (priceService, error)
}

// newQuoteClient creates the market client for the configured quote source.
// It returns nil for QuoteSourceNone.
func newQuoteClient(source string) (any, error) {
	switch source {
	case config.QuoteSourceNone, "":
		return nil, nil
	case config.QuoteSourceBinance:
		return clients.NewBinanceClient(), nil
	case config.QuoteSourceBybit:
		return clients.NewBybitClient(), nil
	case config.QuoteSourceHyperliquid:
		return clients.NewHyperliquidClient(nil, hyperliquidMainnetURL)
	default:
		return nil, fmt.Errorf("unsupported quote source: %s", source)
	}
}

// newServiceProvider creates a new service provider based on the client type.
// This is the single point of truth for dispatching to market-specific implementations.
func newServiceProvider(client any) (serviceProvider, error) {
	switch c := client.(type) {
	case *binance.Client:
		return &binanceProvider{client: c}, nil
	case *bybit.Client:
		return &bybitProvider{client: c}, nil
	case *clients.HyperliquidClient:
		return &hyperliquidProvider{client: c}, nil
	default:
		return nil, fmt.Errorf("unsupported client type: %T", client)
	}
}

type binanceProvider struct {
	client *binance.Client
}

func (p *binanceProvider) Pricer() (priceService, error) {
	return pricer.NewBinancePricer(p.client), nil
}

type bybitProvider struct {
	client *bybit.Client
}

func (p *bybitProvider) Pricer() (priceService, error) {
	return pricer.NewBybitPricer(p.client), nil
}

type hyperliquidProvider struct {
	client *clients.HyperliquidClient
}

func (p *hyperliquidProvider) Pricer() (priceService, error) {
	return pricer.NewHyperliquidPricer(p.client.Info()), nil
}
