// Package app wires the settlement services and manages their lifecycle.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"github.com/nimbuspay/settlement_layer/internal/chain"
	"github.com/nimbuspay/settlement_layer/internal/config"
	"github.com/nimbuspay/settlement_layer/internal/domain/plan"
	"github.com/nimbuspay/settlement_layer/internal/httpapi"
	"github.com/nimbuspay/settlement_layer/internal/ingress"
	"github.com/nimbuspay/settlement_layer/internal/middleware"
	"github.com/nimbuspay/settlement_layer/internal/platform/migrations"
	"github.com/nimbuspay/settlement_layer/internal/secrets"
	"github.com/nimbuspay/settlement_layer/internal/services/balance"
	settlementsvc "github.com/nimbuspay/settlement_layer/internal/services/settlement"
	"github.com/nimbuspay/settlement_layer/internal/services/wallet"
	"github.com/nimbuspay/settlement_layer/internal/storage"
	"github.com/nimbuspay/settlement_layer/internal/storage/memory"
	"github.com/nimbuspay/settlement_layer/internal/storage/postgres"
	"github.com/nimbuspay/settlement_layer/pkg/logger"

	"github.com/gorilla/mux"
)

// Application wires core dependencies and manages the HTTP server and
// reconciler lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	httpServer *http.Server
	reconciler *settlementsvc.Reconciler
	limiter    *middleware.RateLimiter
	db         *sql.DB
}

// Stores groups the persistence interfaces the services consume.
type Stores struct {
	Users         storage.UserStore
	Claims        storage.WalletClaimStore
	Settlements   storage.SettlementStore
	Subscriptions storage.SubscriptionStore
}

// New constructs a fully wired application from configuration.
func New(cfg *config.Config) (*Application, error) {
	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}).WithField("component", "app")

	stores, db, err := buildStores(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	ledger, err := chain.NewClient(chain.Config{
		RPCURL:            cfg.Ledger.RPCURL,
		NetworkID:         cfg.Ledger.NetworkID,
		Timeout:           cfg.Ledger.Timeout,
		TokenID:           cfg.Ledger.TokenID,
		TreasuryAccountID: cfg.Ledger.TreasuryAccountID,
		TreasuryKeyWIF:    cfg.Ledger.TreasuryKeyWIF,
	}, logger.NewDefault("chain"))
	if err != nil {
		return nil, fmt.Errorf("configure ledger client: %w", err)
	}

	var cipher secrets.Cipher = secrets.NoopCipher{}
	if cfg.Auth.EncryptionKey != "" {
		key, err := secrets.ParseKey(cfg.Auth.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("wallet encryption key: %w", err)
		}
		cipher, err = secrets.NewAESCipher(key)
		if err != nil {
			return nil, fmt.Errorf("wallet cipher: %w", err)
		}
	} else {
		log.Warn("wallet encryption key not set, signing keys stored unencrypted")
	}

	catalog, err := plan.LoadCatalogOrDefault(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("load plan catalog: %w", err)
	}

	wallets := wallet.New(stores.Users, stores.Claims, ledger, cipher, logger.NewDefault("wallet"))
	coord := settlementsvc.NewCoordinator(stores.Settlements, stores.Subscriptions, wallets, ledger, catalog, logger.NewDefault("settlement"))
	reconciler := settlementsvc.NewReconciler(coord, wallets, settlementsvc.ReconcilerConfig{
		Schedule:    cfg.Reconcile.Schedule,
		ClaimTTL:    cfg.Reconcile.ClaimTTL,
		MaxAttempts: cfg.Reconcile.MaxAttempts,
	}, logger.NewDefault("reconciler"))
	balances := balance.New(wallets, ledger, logger.NewDefault("balance"))
	in := ingress.New(cfg.Webhook.Secret, coord, logger.NewDefault("ingress"))

	var authMW mux.MiddlewareFunc
	if cfg.Auth.JWTSecret != "" {
		authMW = middleware.NewAuth(cfg.Auth.JWTSecret, logger.NewDefault("auth")).Middleware()
	} else {
		log.Warn("JWT secret not set, API runs unauthenticated")
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, logger.NewDefault("ratelimit"))
	handler := httpapi.NewHandler(in, balances, coord, stores.Users, authMW, limiter.Handler, logger.NewDefault("httpapi"))

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Application{
		cfg:        cfg,
		log:        log,
		httpServer: httpSrv,
		reconciler: reconciler,
		limiter:    limiter,
		db:         db,
	}, nil
}

// Run starts the HTTP server and the reconciler and blocks until the context
// is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.reconciler.Start(); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}
	a.limiter.StartCleanup(time.Minute)

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.cfg.Server.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server, the reconciler and the database pool.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := a.reconciler.Stop(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("reconciler did not stop cleanly")
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}

// buildStores opens postgres-backed stores when a database URL is configured
// and falls back to in-memory stores otherwise.
func buildStores(cfg *config.Config, log *logger.Logger) (Stores, *sql.DB, error) {
	if cfg.Database.URL == "" {
		log.Warn("no database configured, using in-memory stores")
		mem := memory.New()
		return Stores{Users: mem, Claims: mem, Settlements: mem, Subscriptions: mem}, nil, nil
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return Stores{}, nil, err
	}

	migCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := migrations.Apply(migCtx, db); err != nil {
		db.Close()
		return Stores{}, nil, fmt.Errorf("apply migrations: %w", err)
	}

	pg := postgres.New(db)
	return Stores{Users: pg, Claims: pg, Settlements: pg, Subscriptions: pg}, db, nil
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
