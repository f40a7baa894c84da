package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/textpay/textpay/internal/address"
	"github.com/textpay/textpay/internal/config"
	"github.com/textpay/textpay/internal/infra"
	"github.com/textpay/textpay/internal/ledger"
	"github.com/textpay/textpay/internal/logging"
	"github.com/textpay/textpay/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName)

	ctx := context.Background()

	var (
		pg *pgxpool.Pool
		db *sql.DB
	)
	switch cfg.DirectoryDriver {
	case config.DriverPostgres:
		pg, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.AppName)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
	case config.DriverSQLite:
		db, err = infra.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Error("open sqlite", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("connect redis", "error", err)
		os.Exit(1)
	}
	if cache == nil {
		logger.Warn("redis disabled; webhook dedup and rate limiting are off")
	} else {
		defer closeCache(cache, logger.Warn)
	}

	backend, err := buildLedger(cfg)
	if err != nil {
		logger.Error("build ledger", "error", err)
		os.Exit(1)
	}
	logger.Info("ledger ready", "driver", cfg.LedgerDriver, "directory", cfg.DirectoryDriver)

	srv, err := server.New(ctx, cfg, server.Backends{Postgres: pg, SQLite: db, Cache: cache, Ledger: backend}, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}

func buildLedger(cfg config.Config) (ledger.Ledger, error) {
	if cfg.LedgerDriver != config.DriverSolana {
		return ledger.NewInMemory(), nil
	}
	keys, err := address.New(cfg.RegistryProgramID, cfg.AssetMint)
	if err != nil {
		return nil, err
	}
	signer, err := ledger.LoadSigner(cfg.SignerKeypair, cfg.SignerKeypairPath)
	if err != nil {
		return nil, err
	}
	return ledger.NewSolanaRPC(cfg.SolanaRPCURL, ledger.SolanaConfig{
		Registry: keys.Registry(),
		Mint:     keys.Asset(),
		Decimals: cfg.AssetDecimals,
		Signer:   signer,
	})
}

func closeCache(cache *redis.Client, warn func(string, ...any)) {
	if err := cache.Close(); err != nil {
		warn("close redis", "error", err)
	}
}
