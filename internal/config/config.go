// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the full runtime configuration for the settlement daemon.
// Values come from the environment, optionally seeded from a .env file.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Ledger    LedgerConfig
	Webhook   WebhookConfig
	Auth      AuthConfig
	Reconcile ReconcileConfig
	Catalog   CatalogConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Addr            string        `env:"SERVER_ADDR,default=:8080"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT,default=30s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=20s"`
	RateLimitRPS    int           `env:"SERVER_RATE_LIMIT_RPS,default=20"`
	RateLimitBurst  int           `env:"SERVER_RATE_LIMIT_BURST,default=40"`
}

// DatabaseConfig selects the persistence backend. An empty URL runs the
// in-memory stores, which only suit tests and local experiments.
type DatabaseConfig struct {
	URL          string        `env:"DATABASE_URL,default="`
	MaxOpenConns int           `env:"DATABASE_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns int           `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnLifetime time.Duration `env:"DATABASE_CONN_LIFETIME,default=30m"`
}

type LedgerConfig struct {
	RPCURL            string        `env:"LEDGER_RPC_URL,default=http://localhost:7332"`
	NetworkID         uint32        `env:"LEDGER_NETWORK_ID,default=894"`
	Timeout           time.Duration `env:"LEDGER_TIMEOUT,default=15s"`
	TokenID           string        `env:"LEDGER_TOKEN_ID,default="`
	TreasuryAccountID string        `env:"LEDGER_TREASURY_ACCOUNT_ID,default="`
	TreasuryKeyWIF    string        `env:"LEDGER_TREASURY_KEY_WIF,default="`
}

type WebhookConfig struct {
	// Secret is the shared HMAC key for payment processor notifications.
	Secret string `env:"WEBHOOK_SECRET,default="`
}

type AuthConfig struct {
	// JWTSecret signs and verifies API bearer tokens. Leave empty to run
	// the API unauthenticated (local development only).
	JWTSecret string `env:"AUTH_JWT_SECRET,default="`
	// EncryptionKey protects wallet signing keys at rest. Raw, base64 or
	// hex encoded 16, 24 or 32 bytes.
	EncryptionKey string `env:"WALLET_ENCRYPTION_KEY,default="`
}

type ReconcileConfig struct {
	Schedule    string        `env:"RECONCILE_SCHEDULE,default=@every 1m"`
	ClaimTTL    time.Duration `env:"RECONCILE_CLAIM_TTL,default=10m"`
	MaxAttempts int           `env:"RECONCILE_MAX_ATTEMPTS,default=5"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

// CatalogConfig points at the YAML credit plan catalog. An empty path means
// the built-in defaults.
type CatalogConfig struct {
	Path string `env:"PLAN_CATALOG_PATH,default="`
}

// Load reads configuration from the environment, seeding it from .env when
// one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}
