// Package user defines the local identity record for externally
// authenticated users.
package user

import "time"

// User mirrors an identity owned by the external auth provider. Only the
// wallet linkage is mutated locally, exactly once, by wallet provisioning.
type User struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	WalletAccountID string `json:"wallet_account_id,omitempty"`
	// WalletSecret holds the account signing credential, AES-GCM encrypted
	// at rest. Never exposed over the API.
	WalletSecret string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasWallet reports whether a ledger account is already linked.
func (u User) HasWallet() bool { return u.WalletAccountID != "" }

// WalletClaim is the persisted per-user provisioning claim. Its unique
// constraint on UserID is what guarantees at most one ledger account is ever
// created per user. Once the account exists on-ledger the claim records the
// account id and encrypted secret, so a crash before the user row update
// leaves enough state for reconciliation to finish or release the claim.
type WalletClaim struct {
	UserID          string    `json:"user_id"`
	AccountID       string    `json:"account_id,omitempty"`
	EncryptedSecret string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}
