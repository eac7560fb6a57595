// Package wallet guarantees a one-to-one mapping between users and ledger
// accounts, provisioning lazily on first use.
package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nimbuspay/settlement_layer/internal/chain"
	"github.com/nimbuspay/settlement_layer/internal/metrics"
	"github.com/nimbuspay/settlement_layer/internal/secrets"
	"github.com/nimbuspay/settlement_layer/internal/storage"
	"github.com/nimbuspay/settlement_layer/pkg/logger"
)

// ErrUserNotFound indicates the user has no local identity record.
var ErrUserNotFound = errors.New("user not found")

// ErrProvisioningInProgress indicates another process holds the wallet claim
// and has not finished creating the account yet. Callers should retry.
var ErrProvisioningInProgress = errors.New("wallet provisioning in progress")

// LedgerClient is the subset of the chain client used for provisioning.
type LedgerClient interface {
	CreateAccount(ctx context.Context) (*chain.AccountInfo, error)
}

// Service provisions ledger accounts for users.
type Service struct {
	users  storage.UserStore
	claims storage.WalletClaimStore
	ledger LedgerClient
	cipher secrets.Cipher
	log    *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a wallet provisioning service.
func New(users storage.UserStore, claims storage.WalletClaimStore, ledger LedgerClient, cipher secrets.Cipher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("wallet")
	}
	if cipher == nil {
		cipher = secrets.NoopCipher{}
	}
	return &Service{
		users:  users,
		claims: claims,
		ledger: ledger,
		cipher: cipher,
		log:    log,
		locks:  make(map[string]*sync.Mutex),
	}
}

// userLock returns the per-user mutex serializing the check-then-create
// sequence within this process. The persisted claim row covers other
// processes.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	return lock
}

// EnsureWallet returns the user's ledger account id, creating the account on
// first use. Concurrent first-use calls for the same user create exactly one
// account; losers re-read the populated record.
func (s *Service) EnsureWallet(ctx context.Context, userID string) (string, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return "", err
	}
	if u.HasWallet() {
		return u.WalletAccountID, nil
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a concurrent caller may have finished.
	u, err = s.users.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.HasWallet() {
		return u.WalletAccountID, nil
	}

	if _, err := s.claims.CreateClaim(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrClaimExists) {
			return s.resumeClaim(ctx, userID)
		}
		return "", err
	}

	info, err := s.ledger.CreateAccount(ctx)
	if err != nil {
		// Nothing was created; release the claim so the next call retries.
		if delErr := s.claims.DeleteClaim(ctx, userID); delErr != nil {
			s.log.WithError(delErr).WithField("user_id", userID).Warn("release wallet claim failed")
		}
		return "", err
	}

	encSecret, err := s.cipher.Encrypt(info.SigningKey)
	if err != nil {
		// The on-ledger account is now orphaned; keep the claim so the
		// reconciler can release it, and surface the configuration fault.
		s.log.WithError(err).WithField("account_id", info.AccountID).
			Error("encrypt wallet secret failed; account orphaned pending reconciliation")
		return "", fmt.Errorf("encrypt wallet secret: %w", err)
	}

	// Record the account on the claim first: a crash between here and the
	// user update leaves a claim naming the orphan for reconciliation.
	if err := s.claims.SetClaimAccount(ctx, userID, info.AccountID, encSecret); err != nil {
		return "", err
	}

	if _, err := s.users.SetWallet(ctx, userID, info.AccountID, encSecret); err != nil {
		if errors.Is(err, storage.ErrWalletAlreadySet) {
			// Lost a cross-process race after all; use the winner's account.
			return s.existingWallet(ctx, userID)
		}
		return "", err
	}

	if err := s.claims.DeleteClaim(ctx, userID); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("delete completed wallet claim failed")
	}

	metrics.RecordWalletProvisioned()
	s.log.WithFields(map[string]interface{}{
		"user_id":    userID,
		"account_id": info.AccountID,
	}).Info("wallet provisioned")

	return info.AccountID, nil
}

// resumeClaim handles an in-flight claim held by another process: finish the
// linkage when the account already exists, otherwise report the transient
// state to the caller.
func (s *Service) resumeClaim(ctx context.Context, userID string) (string, error) {
	claim, err := s.claims.GetClaim(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Claim released between the insert collision and this read.
			return s.existingWallet(ctx, userID)
		}
		return "", err
	}

	if claim.AccountID == "" {
		return "", ErrProvisioningInProgress
	}

	if _, err := s.users.SetWallet(ctx, userID, claim.AccountID, claim.EncryptedSecret); err != nil &&
		!errors.Is(err, storage.ErrWalletAlreadySet) {
		return "", err
	}
	if err := s.claims.DeleteClaim(ctx, userID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.log.WithError(err).WithField("user_id", userID).Warn("delete resumed wallet claim failed")
	}
	return s.existingWallet(ctx, userID)
}

func (s *Service) existingWallet(ctx context.Context, userID string) (string, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if !u.HasWallet() {
		return "", ErrProvisioningInProgress
	}
	return u.WalletAccountID, nil
}

// ResolveStaleClaims finishes or releases wallet claims older than the
// cutoff. A claim with a recorded account id is completed against the user
// record; one without never got an account and is released.
func (s *Service) ResolveStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	claims, err := s.claims.ListStaleClaims(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, claim := range claims {
		if claim.AccountID != "" {
			if _, err := s.users.SetWallet(ctx, claim.UserID, claim.AccountID, claim.EncryptedSecret); err != nil &&
				!errors.Is(err, storage.ErrWalletAlreadySet) {
				s.log.WithError(err).WithField("user_id", claim.UserID).Warn("complete stale wallet claim failed")
				continue
			}
		}
		if err := s.claims.DeleteClaim(ctx, claim.UserID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			s.log.WithError(err).WithField("user_id", claim.UserID).Warn("release stale wallet claim failed")
			continue
		}
		resolved++
	}
	return resolved, nil
}

// WalletSecret decrypts and returns the signing credential for the user's
// account. Exposed for future user-initiated transactions; never served over
// the HTTP API.
func (s *Service) WalletSecret(ctx context.Context, userID string) (string, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.WalletSecret == "" {
		return "", fmt.Errorf("user %s has no wallet secret", userID)
	}
	return s.cipher.Decrypt(u.WalletSecret)
}
