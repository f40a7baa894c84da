package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/textpay/textpay/internal/address"
	"github.com/textpay/textpay/internal/config"
	"github.com/textpay/textpay/internal/directory"
	"github.com/textpay/textpay/internal/identity"
	"github.com/textpay/textpay/internal/intent"
	"github.com/textpay/textpay/internal/ledger"
	"github.com/textpay/textpay/internal/notification"
	"github.com/textpay/textpay/internal/routes"
	"github.com/textpay/textpay/internal/settlement"
	"github.com/textpay/textpay/internal/transfer"
)

// Backends carries the connections opened by main. Only the ones matching the
// configured drivers need to be set.
type Backends struct {
	Postgres *pgxpool.Pool
	SQLite   *sql.DB
	Cache    *redis.Client
	Ledger   ledger.Ledger
}

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app       *fiber.App
	cfg       config.Config
	transfers *transfer.Service
	logger    *slog.Logger
}

// New builds the account directory, settlement adapter and transfer state machine
// for the configured drivers, then delegates route wiring to routes.Setup.
func New(ctx context.Context, cfg config.Config, b Backends, logger *slog.Logger) (*Server, error) {
	if b.Ledger == nil {
		return nil, fmt.Errorf("ledger backend is required")
	}
	dir, journal, err := openStores(ctx, cfg, b)
	if err != nil {
		return nil, err
	}

	hasher, err := identity.NewHasher([]byte(cfg.IdentitySecret), cfg.DefaultRegion)
	if err != nil {
		return nil, fmt.Errorf("build identity hasher: %w", err)
	}
	deriver, err := address.New(cfg.RegistryProgramID, cfg.AssetMint)
	if err != nil {
		return nil, fmt.Errorf("build address deriver: %w", err)
	}

	adapter := settlement.NewAdapter(b.Ledger, dir, deriver, journal, logger, settlement.Config{
		ProvisionAttempts: cfg.ProvisionAttempts,
		ProvisionBackoff:  cfg.ProvisionBackoff,
		ProvisionTimeout:  cfg.ProvisionTimeout,
		SettleTimeout:     cfg.SettleTimeout,
		Decimals:          cfg.AssetDecimals,
	})
	transfers := transfer.NewService(dir, hasher, deriver, adapter, notification.NewLoggerNotifier(logger), logger, transfer.Config{
		ConfirmationTTL: cfg.ConfirmationTTL,
		StaleAfter:      cfg.SettlingStaleAfter,
	})

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	err = routes.Setup(app, routes.Deps{
		Cfg:        cfg,
		Directory:  dir,
		Ledger:     b.Ledger,
		Cache:      b.Cache,
		Transfers:  transfers,
		Classifier: intent.NewRuleClassifier(),
		Contacts:   hasher,
		Logger:     logger,
	})
	if err != nil {
		transfers.Close()
		return nil, err
	}

	return &Server{app: app, cfg: cfg, transfers: transfers, logger: logger}, nil
}

func openStores(ctx context.Context, cfg config.Config, b Backends) (directory.Repository, settlement.Journal, error) {
	switch cfg.DirectoryDriver {
	case config.DriverPostgres:
		if b.Postgres == nil {
			return nil, nil, fmt.Errorf("postgres pool is required for DIRECTORY_DRIVER=%s", cfg.DirectoryDriver)
		}
		dir := directory.NewPostgresRepository(b.Postgres)
		if err := dir.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure directory schema: %w", err)
		}
		journal := settlement.NewPostgresJournal(b.Postgres)
		if err := journal.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure journal schema: %w", err)
		}
		return dir, journal, nil
	case config.DriverSQLite:
		if b.SQLite == nil {
			return nil, nil, fmt.Errorf("sqlite db is required for DIRECTORY_DRIVER=%s", cfg.DirectoryDriver)
		}
		dir := directory.NewSQLiteRepository(b.SQLite)
		if err := dir.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("init directory schema: %w", err)
		}
		journal := settlement.NewSQLiteJournal(b.SQLite)
		if err := journal.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("init journal schema: %w", err)
		}
		return dir, journal, nil
	default:
		return directory.NewMemoryRepository(), settlement.NewMemoryJournal(), nil
	}
}

// App exposes the underlying Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server, then waits for background provisioning.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.transfers.Close()
	return err
}
