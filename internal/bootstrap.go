package internal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/presale/config"
	"github.com/vadiminshakov/presale/internal/clients"
	"github.com/vadiminshakov/presale/internal/services/pricer"
	"github.com/vadiminshakov/presale/internal/storage/txcache"
)

const quoteCacheTTL = 10 * time.Second

// Connect dials the chain, opens the local cache and builds a session for cfg.
// Without a private key the session is read-only.
func Connect(ctx context.Context, cfg config.Config, l *zap.Logger) (*Session, error) {
	var wallet *clients.Wallet
	if cfg.PrivateKey != "" {
		w, err := clients.NewWallet(cfg.PrivateKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load wallet")
		}
		wallet = w
		l.Info("wallet loaded", zap.String("account", w.Address().Hex()))
	} else {
		l.Warn("no private key configured, running read-only")
	}

	client, url, err := clients.DialEthereum(ctx, cfg.RPCURL, cfg.FallbackRPCURL, l)
	if err != nil {
		return nil, err
	}
	l.Info("connected to rpc endpoint", zap.String("url", url))

	contract, err := clients.NewSaleContract(client, cfg.ContractAddress, wallet, l)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to bind sale contract")
	}

	prices, err := newPriceService(cfg.QuoteSource)
	if err != nil {
		client.Close()
		return nil, err
	}

	cache, err := txcache.NewWALStore(cfg.WALDir, l)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to open transaction cache")
	}

	session := NewSession(cfg, contract, cache, prices, l)
	session.onClose = client.Close
	return session, nil
}

// newPriceService returns nil when no quote source is configured.
func newPriceService(source string) (priceService, error) {
	client, err := newQuoteClient(source)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create quote client")
	}
	if client == nil {
		return nil, nil
	}

	provider, err := newServiceProvider(client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create service provider")
	}
	p, err := provider.Pricer()
	if err != nil {
		return nil, err
	}
	return pricer.NewCached(p, quoteCacheTTL), nil
}
