// Command presale keeps a token sale contract's state and transaction feed in sync
// for one wallet and serves them over HTTP.
//
// Usage:
//
//	presale setup                  (interactive wizard, then start)
//	presale --config config.yaml
//	presale --rpc http://localhost:8545 --contract 0x...
//
// Environment variables (also read from .env):
//
//	PRESALE_RPC_URL, PRESALE_CONTRACT_ADDRESS, PRESALE_PRIVATE_KEY, PRESALE_API_TOKEN, ...
//	LOG_LEVEL (debug, info, warn, error), LOG_ENCODING (json, console)
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/presale/config"
	"github.com/vadiminshakov/presale/internal"
	"github.com/vadiminshakov/presale/internal/setup"
	"github.com/vadiminshakov/presale/internal/web"
	"github.com/vadiminshakov/presale/pkg/logging"
)

func main() {
	logger, err := logging.New()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "setup" {
		path, err := setup.RunTUI()
		if err != nil {
			logger.Fatal("setup failed", zap.Error(err))
		}
		args = []string{"--config", path}
	}

	cfg, err := config.Get(args)
	if err != nil {
		logger.Fatal("failed to get configuration", zap.Error(err))
	}

	if cfg.ReadOnly() {
		key, err := config.PromptPrivateKey()
		if err != nil {
			logger.Fatal("failed to read private key", zap.Error(err))
		}
		cfg.PrivateKey = key
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("presale stopped", zap.Error(err))
	}
	logger.Info("presale stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	session, err := internal.Connect(ctx, cfg, logger)
	if err != nil {
		return errors.Wrap(err, "failed to start session")
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("failed to close session", zap.Error(err))
		}
	}()

	server := web.NewServer(cfg.ListenAddr, cfg.TLSDomain, cfg.APIToken, session, session.Notifications(), logger)
	if cfg.APIToken == "" && !cfg.ReadOnly() {
		logger.Warn("no api token configured, buy and admin endpoints are disabled",
			zap.String("env", config.EnvAPIToken))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := session.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx)
	})

	logger.Info("started",
		zap.String("contract", cfg.ContractAddress.Hex()),
		zap.String("listen", cfg.ListenAddr),
		zap.Bool("read_only", cfg.ReadOnly()))

	return g.Wait()
}
