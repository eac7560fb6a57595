// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbuspay/settlement_layer/internal/domain/settlement"
	"github.com/nimbuspay/settlement_layer/internal/domain/user"
	"github.com/nimbuspay/settlement_layer/internal/storage"
)

// Store is the in-memory store.
type Store struct {
	mu             sync.RWMutex
	users          map[string]user.User
	claims         map[string]user.WalletClaim
	records        map[string]settlement.Record
	recordsByEvent map[string]string
	subscriptions  map[string]settlement.Subscription
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.WalletClaimStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)
var _ storage.SubscriptionStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:          make(map[string]user.User),
		claims:         make(map[string]user.WalletClaim),
		records:        make(map[string]settlement.Record),
		recordsByEvent: make(map[string]string),
		subscriptions:  make(map[string]settlement.Subscription),
	}
}

// UserStore implementation ----------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.NewString()
	} else if _, exists := s.users[u.ID]; exists {
		return user.User{}, fmt.Errorf("user %s already exists", u.ID)
	}

	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, fmt.Errorf("user %s: %w", id, sql.ErrNoRows)
	}
	return u, nil
}

func (s *Store) SetWallet(_ context.Context, userID, accountID, encryptedSecret string) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return user.User{}, fmt.Errorf("user %s: %w", userID, sql.ErrNoRows)
	}
	if u.WalletAccountID != "" {
		return user.User{}, storage.ErrWalletAlreadySet
	}

	u.WalletAccountID = accountID
	u.WalletSecret = encryptedSecret
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return u, nil
}

// WalletClaimStore implementation ---------------------------------------------

func (s *Store) CreateClaim(_ context.Context, userID string) (user.WalletClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.claims[userID]; exists {
		return user.WalletClaim{}, storage.ErrClaimExists
	}

	claim := user.WalletClaim{
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	s.claims[userID] = claim
	return claim, nil
}

func (s *Store) SetClaimAccount(_ context.Context, userID, accountID, encryptedSecret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok := s.claims[userID]
	if !ok {
		return fmt.Errorf("claim for user %s: %w", userID, sql.ErrNoRows)
	}
	claim.AccountID = accountID
	claim.EncryptedSecret = encryptedSecret
	s.claims[userID] = claim
	return nil
}

func (s *Store) GetClaim(_ context.Context, userID string) (user.WalletClaim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	claim, ok := s.claims[userID]
	if !ok {
		return user.WalletClaim{}, fmt.Errorf("claim for user %s: %w", userID, sql.ErrNoRows)
	}
	return claim, nil
}

func (s *Store) DeleteClaim(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.claims[userID]; !ok {
		return fmt.Errorf("claim for user %s: %w", userID, sql.ErrNoRows)
	}
	delete(s.claims, userID)
	return nil
}

func (s *Store) ListStaleClaims(_ context.Context, cutoff time.Time) ([]user.WalletClaim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []user.WalletClaim
	for _, claim := range s.claims {
		if claim.CreatedAt.Before(cutoff) {
			result = append(result, claim)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// SettlementStore implementation ----------------------------------------------

func (s *Store) CreateRecord(_ context.Context, rec settlement.Record) (settlement.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.recordsByEvent[rec.ExternalEventID]; exists {
		return settlement.Record{}, storage.ErrDuplicateEvent
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.records[rec.ID] = rec
	s.recordsByEvent[rec.ExternalEventID] = rec.ID
	return rec, nil
}

func (s *Store) UpdateRecord(_ context.Context, rec settlement.Record) (settlement.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.ID]
	if !ok {
		return settlement.Record{}, fmt.Errorf("settlement record %s: %w", rec.ID, sql.ErrNoRows)
	}

	rec.ExternalEventID = existing.ExternalEventID
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	s.records[rec.ID] = rec
	return rec, nil
}

func (s *Store) GetRecord(_ context.Context, id string) (settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return settlement.Record{}, fmt.Errorf("settlement record %s: %w", id, sql.ErrNoRows)
	}
	return rec, nil
}

func (s *Store) GetRecordByEventID(_ context.Context, externalEventID string) (settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.recordsByEvent[externalEventID]
	if !ok {
		return settlement.Record{}, fmt.Errorf("settlement event %s: %w", externalEventID, sql.ErrNoRows)
	}
	return s.records[id], nil
}

func (s *Store) ListRecordsByUser(_ context.Context, userID string) ([]settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []settlement.Record
	for _, rec := range s.records {
		if rec.UserID == userID {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) ListReconcilable(_ context.Context) ([]settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []settlement.Record
	for _, rec := range s.records {
		if rec.Status == settlement.StatusFailed && rec.ReconcileState == settlement.ReconcileEligible {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// SubscriptionStore implementation --------------------------------------------

func (s *Store) UpsertSubscription(_ context.Context, sub settlement.Subscription) (settlement.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.subscriptions[sub.Ref]; ok {
		sub.CreatedAt = existing.CreatedAt
	} else {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	s.subscriptions[sub.Ref] = sub
	return sub, nil
}

func (s *Store) GetSubscription(_ context.Context, ref string) (settlement.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[ref]
	if !ok {
		return settlement.Subscription{}, fmt.Errorf("subscription %s: %w", ref, sql.ErrNoRows)
	}
	return sub, nil
}
