package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultAppName          = "TextPay"
	defaultAppEnv           = "development"
	defaultPort             = "8080"
	defaultLogLevel         = "info"
	defaultShutdownDelay    = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultConfirmationTTL  = 5 * time.Minute
	defaultMessageMaxLength = 320
	defaultSettleTimeout    = 30 * time.Second
	defaultStaleAfter       = 2 * time.Minute
	defaultProvisionTries   = 3
	defaultProvisionBackoff = 500 * time.Millisecond
	defaultProvisionTimeout = 30 * time.Second
	defaultAssetDecimals    = 6
	defaultRegion           = "US"
	defaultInboundPerMinute = 20
	shutdownSecondsEnvVar   = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar  = "SHUTDOWN_TIMEOUT"

	// DriverMemory keeps state in process; only valid for development.
	DriverMemory = "memory"
	// DriverPostgres stores the account directory and journal in PostgreSQL.
	DriverPostgres = "postgres"
	// DriverSQLite stores the account directory and journal in a local SQLite file.
	DriverSQLite = "sqlite"
	// DriverSolana settles against a Solana RPC endpoint.
	DriverSolana = "solana"
)

// Config captures application runtime configuration loaded from environment variables
// and an optional config file.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	SQLitePath     string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	DirectoryDriver string
	LedgerDriver    string

	IdentitySecret string
	DefaultRegion  string

	SolanaRPCURL      string
	RegistryProgramID string
	AssetMint         string
	AssetDecimals     uint8
	SignerKeypair     string
	SignerKeypairPath string

	ConfirmationTTL    time.Duration
	MessageMaxLength   int
	SettleTimeout      time.Duration
	SettlingStaleAfter time.Duration
	ProvisionAttempts  int
	ProvisionBackoff   time.Duration
	ProvisionTimeout   time.Duration
	InboundPerMinute   int
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	v.SetDefault("APP_NAME", defaultAppName)
	v.SetDefault("APP_ENV", defaultAppEnv)
	v.SetDefault("PORT", defaultPort)
	v.SetDefault("LOG_LEVEL", defaultLogLevel)
	v.SetDefault("SQLITE_PATH", "data/textpay.db")
	v.SetDefault("IDEMPOTENCY_TTL", defaultIdempotencyTTL)
	v.SetDefault(shutdownDurationEnvVar, defaultShutdownDelay)
	v.SetDefault("DIRECTORY_DRIVER", DriverMemory)
	v.SetDefault("LEDGER_DRIVER", DriverMemory)
	v.SetDefault("DEFAULT_REGION", defaultRegion)
	v.SetDefault("ASSET_DECIMALS", defaultAssetDecimals)
	v.SetDefault("CONFIRMATION_TTL", defaultConfirmationTTL)
	v.SetDefault("MESSAGE_MAX_LENGTH", defaultMessageMaxLength)
	v.SetDefault("SETTLE_TIMEOUT", defaultSettleTimeout)
	v.SetDefault("SETTLING_STALE_AFTER", defaultStaleAfter)
	v.SetDefault("PROVISION_ATTEMPTS", defaultProvisionTries)
	v.SetDefault("PROVISION_BACKOFF", defaultProvisionBackoff)
	v.SetDefault("PROVISION_TIMEOUT", defaultProvisionTimeout)
	v.SetDefault("INBOUND_RATE_PER_MINUTE", defaultInboundPerMinute)

	cfg := Config{
		AppName:            v.GetString("APP_NAME"),
		AppEnv:             v.GetString("APP_ENV"),
		Port:               v.GetString("PORT"),
		LogLevel:           strings.ToLower(v.GetString("LOG_LEVEL")),
		DatabaseURL:        v.GetString("DATABASE_URL"),
		RedisURL:           v.GetString("REDIS_URL"),
		SQLitePath:         v.GetString("SQLITE_PATH"),
		DirectoryDriver:    strings.ToLower(v.GetString("DIRECTORY_DRIVER")),
		LedgerDriver:       strings.ToLower(v.GetString("LEDGER_DRIVER")),
		IdentitySecret:     v.GetString("IDENTITY_SECRET"),
		DefaultRegion:      strings.ToUpper(v.GetString("DEFAULT_REGION")),
		SolanaRPCURL:       v.GetString("SOLANA_RPC_URL"),
		RegistryProgramID:  v.GetString("REGISTRY_PROGRAM_ID"),
		AssetMint:          v.GetString("ASSET_MINT"),
		SignerKeypair:      v.GetString("SIGNER_KEYPAIR"),
		SignerKeypairPath:  v.GetString("SIGNER_KEYPAIR_PATH"),
		MessageMaxLength:   v.GetInt("MESSAGE_MAX_LENGTH"),
		ProvisionAttempts:  v.GetInt("PROVISION_ATTEMPTS"),
		InboundPerMinute:   v.GetInt("INBOUND_RATE_PER_MINUTE"),
		IdempotencyTTL:     v.GetDuration("IDEMPOTENCY_TTL"),
		ConfirmationTTL:    v.GetDuration("CONFIRMATION_TTL"),
		SettleTimeout:      v.GetDuration("SETTLE_TIMEOUT"),
		SettlingStaleAfter: v.GetDuration("SETTLING_STALE_AFTER"),
		ProvisionBackoff:   v.GetDuration("PROVISION_BACKOFF"),
		ProvisionTimeout:   v.GetDuration("PROVISION_TIMEOUT"),
		ShutdownPeriod:     v.GetDuration(shutdownDurationEnvVar),
	}

	if seconds := v.GetInt(shutdownSecondsEnvVar); seconds > 0 {
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	}

	decimals := v.GetInt("ASSET_DECIMALS")
	if decimals < 0 || decimals > 18 {
		return Config{}, fmt.Errorf("invalid ASSET_DECIMALS: %d", decimals)
	}
	cfg.AssetDecimals = uint8(decimals)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks driver-specific requirements.
func (c Config) Validate() error {
	if len(c.IdentitySecret) < 16 {
		return fmt.Errorf("IDENTITY_SECRET must be set (at least 16 bytes)")
	}
	if c.ConfirmationTTL <= 0 {
		return fmt.Errorf("CONFIRMATION_TTL must be positive")
	}
	if c.MessageMaxLength <= 0 {
		return fmt.Errorf("MESSAGE_MAX_LENGTH must be positive")
	}
	if c.ProvisionAttempts <= 0 {
		return fmt.Errorf("PROVISION_ATTEMPTS must be positive")
	}
	if c.ProvisionTimeout <= 0 {
		return fmt.Errorf("PROVISION_TIMEOUT must be positive")
	}

	switch c.DirectoryDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set when DIRECTORY_DRIVER=%s", DriverPostgres)
		}
	default:
		return fmt.Errorf("unknown DIRECTORY_DRIVER %q", c.DirectoryDriver)
	}

	switch c.LedgerDriver {
	case DriverMemory:
	case DriverSolana:
		if c.SolanaRPCURL == "" {
			return fmt.Errorf("SOLANA_RPC_URL must be set when LEDGER_DRIVER=%s", DriverSolana)
		}
		if c.SignerKeypair == "" && c.SignerKeypairPath == "" {
			return fmt.Errorf("SIGNER_KEYPAIR or SIGNER_KEYPAIR_PATH must be set when LEDGER_DRIVER=%s", DriverSolana)
		}
	default:
		return fmt.Errorf("unknown LEDGER_DRIVER %q", c.LedgerDriver)
	}

	if c.RegistryProgramID == "" || c.AssetMint == "" {
		return fmt.Errorf("REGISTRY_PROGRAM_ID and ASSET_MINT must be set")
	}

	if !c.IsDev() && c.DirectoryDriver == DriverMemory {
		return fmt.Errorf("DIRECTORY_DRIVER=%s is only allowed when APP_ENV is development", DriverMemory)
	}
	return nil
}

// IsDev reports whether the app runs in a local development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}
