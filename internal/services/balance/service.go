// Package balance serves live ledger balance queries for users.
package balance

import (
	"context"

	"github.com/nimbuspay/settlement_layer/internal/chain"
	"github.com/nimbuspay/settlement_layer/pkg/logger"
)

// LedgerClient is the subset of the chain client needed for balance reads.
type LedgerClient interface {
	GetBalance(ctx context.Context, accountID string) (*chain.Balance, error)
}

// WalletProvisioner resolves a user's ledger account, creating it on demand.
type WalletProvisioner interface {
	EnsureWallet(ctx context.Context, userID string) (string, error)
}

// Service answers per-user balance queries against the ledger. Balances are
// never cached and never synthesized: a user whose wallet cannot be resolved
// or whose account cannot be read gets an error, not a zero.
type Service struct {
	wallets WalletProvisioner
	ledger  LedgerClient
	log     *logger.Logger
}

// New constructs a balance service.
func New(wallets WalletProvisioner, ledger LedgerClient, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("balance")
	}
	return &Service{wallets: wallets, ledger: ledger, log: log}
}

// ForUser returns the current finalized balances for the user's wallet,
// provisioning the wallet first if the user never had one.
func (s *Service) ForUser(ctx context.Context, userID string) (*chain.Balance, error) {
	accountID, err := s.wallets.EnsureWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	bal, err := s.ledger.GetBalance(ctx, accountID)
	if err != nil {
		s.log.WithError(err).WithField("account_id", accountID).Warn("balance query failed")
		return nil, err
	}
	return bal, nil
}
