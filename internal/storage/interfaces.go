// Package storage defines the persistence interfaces consumed by the
// settlement services.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nimbuspay/settlement_layer/internal/domain/settlement"
	"github.com/nimbuspay/settlement_layer/internal/domain/user"
)

// ErrDuplicateEvent is returned when a settlement record insert collides with
// an existing external event id. This is the idempotency signal, not a fault.
var ErrDuplicateEvent = errors.New("settlement event already recorded")

// ErrClaimExists is returned when a wallet claim insert collides with an
// existing claim for the same user.
var ErrClaimExists = errors.New("wallet claim already held")

// ErrWalletAlreadySet is returned when a wallet link write finds the user
// already linked. Wallet fields move from null to set exactly once.
var ErrWalletAlreadySet = errors.New("wallet already provisioned")

// UserStore persists local identity records and their wallet linkage.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	// SetWallet links a ledger account to the user. It fails with
	// ErrWalletAlreadySet if the user is already linked.
	SetWallet(ctx context.Context, userID, accountID, encryptedSecret string) (user.User, error)
}

// WalletClaimStore persists per-user provisioning claims.
type WalletClaimStore interface {
	// CreateClaim inserts a claim row for the user; ErrClaimExists when a
	// claim is already held.
	CreateClaim(ctx context.Context, userID string) (user.WalletClaim, error)
	// SetClaimAccount records the on-ledger account on the claim before the
	// user row is updated.
	SetClaimAccount(ctx context.Context, userID, accountID, encryptedSecret string) error
	GetClaim(ctx context.Context, userID string) (user.WalletClaim, error)
	DeleteClaim(ctx context.Context, userID string) error
	// ListStaleClaims returns claims created before the cutoff, which the
	// reconciler inspects for half-finished provisioning.
	ListStaleClaims(ctx context.Context, cutoff time.Time) ([]user.WalletClaim, error)
}

// SettlementStore persists settlement records. CreateRecord is the
// idempotency gate: the unique constraint on external_event_id admits at most
// one record per processor event, ever.
type SettlementStore interface {
	CreateRecord(ctx context.Context, rec settlement.Record) (settlement.Record, error)
	UpdateRecord(ctx context.Context, rec settlement.Record) (settlement.Record, error)
	GetRecord(ctx context.Context, id string) (settlement.Record, error)
	GetRecordByEventID(ctx context.Context, externalEventID string) (settlement.Record, error)
	ListRecordsByUser(ctx context.Context, userID string) ([]settlement.Record, error)
	// ListReconcilable returns failed records still eligible for the
	// reconciliation sweep.
	ListReconcilable(ctx context.Context) ([]settlement.Record, error)
}

// SubscriptionStore persists recurring-subscription bookkeeping.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub settlement.Subscription) (settlement.Subscription, error)
	GetSubscription(ctx context.Context, ref string) (settlement.Subscription, error)
}
