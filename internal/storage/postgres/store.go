// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nimbuspay/settlement_layer/internal/domain/settlement"
	"github.com/nimbuspay/settlement_layer/internal/domain/user"
	"github.com/nimbuspay/settlement_layer/internal/storage"
)

// Store implements the storage interfaces on a database handle.
type Store struct {
	db *sql.DB
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.WalletClaimStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)
var _ storage.SubscriptionStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// uniqueViolation is the Postgres error code for unique constraint hits.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// --- UserStore --------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_users (id, email, wallet_account_id, wallet_secret, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
	`, u.ID, u.Email, u.WalletAccountID, u.WalletSecret, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, COALESCE(wallet_account_id, ''), COALESCE(wallet_secret, ''), created_at, updated_at
		FROM settlement_users
		WHERE id = $1
	`, id)

	var u user.User
	if err := row.Scan(&u.ID, &u.Email, &u.WalletAccountID, &u.WalletSecret, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) SetWallet(ctx context.Context, userID, accountID, encryptedSecret string) (user.User, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE settlement_users
		SET wallet_account_id = $2, wallet_secret = $3, updated_at = $4
		WHERE id = $1 AND wallet_account_id IS NULL
	`, userID, accountID, encryptedSecret, time.Now().UTC())
	if err != nil {
		return user.User{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Either the user is missing or the wallet is already linked.
		existing, getErr := s.GetUser(ctx, userID)
		if getErr != nil {
			return user.User{}, getErr
		}
		if existing.WalletAccountID != "" {
			return user.User{}, storage.ErrWalletAlreadySet
		}
		return user.User{}, sql.ErrNoRows
	}
	return s.GetUser(ctx, userID)
}

// --- WalletClaimStore -------------------------------------------------------

func (s *Store) CreateClaim(ctx context.Context, userID string) (user.WalletClaim, error) {
	claim := user.WalletClaim{
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_claims (user_id, created_at)
		VALUES ($1, $2)
	`, claim.UserID, claim.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return user.WalletClaim{}, storage.ErrClaimExists
		}
		return user.WalletClaim{}, err
	}
	return claim, nil
}

func (s *Store) SetClaimAccount(ctx context.Context, userID, accountID, encryptedSecret string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE wallet_claims
		SET account_id = $2, encrypted_secret = $3
		WHERE user_id = $1
	`, userID, accountID, encryptedSecret)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetClaim(ctx context.Context, userID string) (user.WalletClaim, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, COALESCE(account_id, ''), COALESCE(encrypted_secret, ''), created_at
		FROM wallet_claims
		WHERE user_id = $1
	`, userID)

	var claim user.WalletClaim
	if err := row.Scan(&claim.UserID, &claim.AccountID, &claim.EncryptedSecret, &claim.CreatedAt); err != nil {
		return user.WalletClaim{}, err
	}
	return claim, nil
}

func (s *Store) DeleteClaim(ctx context.Context, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM wallet_claims WHERE user_id = $1
	`, userID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) ListStaleClaims(ctx context.Context, cutoff time.Time) ([]user.WalletClaim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, COALESCE(account_id, ''), COALESCE(encrypted_secret, ''), created_at
		FROM wallet_claims
		WHERE created_at < $1
		ORDER BY created_at
	`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []user.WalletClaim
	for rows.Next() {
		var claim user.WalletClaim
		if err := rows.Scan(&claim.UserID, &claim.AccountID, &claim.EncryptedSecret, &claim.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, claim)
	}
	return result, rows.Err()
}

// --- SettlementStore --------------------------------------------------------

func (s *Store) CreateRecord(ctx context.Context, rec settlement.Record) (settlement.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_records (
			id, external_event_id, user_id, plan_id, credit_amount, currency,
			status, failure_reason, failure_detail, ledger_tx_id, ledger_tx_status,
			reconcile_state, reconcile_count, created_at, updated_at, settled_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, rec.ID, rec.ExternalEventID, rec.UserID, rec.PlanID, rec.CreditAmount, rec.Currency,
		rec.Status, rec.FailureReason, rec.FailureDetail, rec.LedgerTxID, rec.LedgerTxStatus,
		rec.ReconcileState, rec.ReconcileCount, rec.CreatedAt, rec.UpdatedAt, toNullTime(rec.SettledAt))
	if err != nil {
		if isUniqueViolation(err) {
			return settlement.Record{}, storage.ErrDuplicateEvent
		}
		return settlement.Record{}, err
	}
	return rec, nil
}

func (s *Store) UpdateRecord(ctx context.Context, rec settlement.Record) (settlement.Record, error) {
	existing, err := s.GetRecord(ctx, rec.ID)
	if err != nil {
		return settlement.Record{}, err
	}

	rec.ExternalEventID = existing.ExternalEventID
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE settlement_records
		SET status = $2, failure_reason = $3, failure_detail = $4, ledger_tx_id = $5,
			ledger_tx_status = $6, reconcile_state = $7, reconcile_count = $8,
			updated_at = $9, settled_at = $10
		WHERE id = $1
	`, rec.ID, rec.Status, rec.FailureReason, rec.FailureDetail, rec.LedgerTxID,
		rec.LedgerTxStatus, rec.ReconcileState, rec.ReconcileCount, rec.UpdatedAt, toNullTime(rec.SettledAt))
	if err != nil {
		return settlement.Record{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return settlement.Record{}, sql.ErrNoRows
	}
	return rec, nil
}

const recordColumns = `
	id, external_event_id, user_id, plan_id, credit_amount, currency,
	status, failure_reason, failure_detail, ledger_tx_id, ledger_tx_status,
	reconcile_state, reconcile_count, created_at, updated_at, settled_at
`

func scanRecord(row interface{ Scan(...interface{}) error }) (settlement.Record, error) {
	var (
		rec       settlement.Record
		settledAt sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.ExternalEventID, &rec.UserID, &rec.PlanID, &rec.CreditAmount,
		&rec.Currency, &rec.Status, &rec.FailureReason, &rec.FailureDetail, &rec.LedgerTxID,
		&rec.LedgerTxStatus, &rec.ReconcileState, &rec.ReconcileCount, &rec.CreatedAt,
		&rec.UpdatedAt, &settledAt); err != nil {
		return settlement.Record{}, err
	}
	if settledAt.Valid {
		rec.SettledAt = settledAt.Time.UTC()
	}
	return rec, nil
}

func (s *Store) GetRecord(ctx context.Context, id string) (settlement.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM settlement_records
		WHERE id = $1
	`, id)
	return scanRecord(row)
}

func (s *Store) GetRecordByEventID(ctx context.Context, externalEventID string) (settlement.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM settlement_records
		WHERE external_event_id = $1
	`, externalEventID)
	return scanRecord(row)
}

func (s *Store) ListRecordsByUser(ctx context.Context, userID string) ([]settlement.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM settlement_records
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []settlement.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *Store) ListReconcilable(ctx context.Context) ([]settlement.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM settlement_records
		WHERE status = $1 AND reconcile_state = $2
		ORDER BY created_at
	`, settlement.StatusFailed, settlement.ReconcileEligible)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []settlement.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// --- SubscriptionStore ------------------------------------------------------

func (s *Store) UpsertSubscription(ctx context.Context, sub settlement.Subscription) (settlement.Subscription, error) {
	now := time.Now().UTC()
	sub.UpdatedAt = now
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processor_subscriptions (ref, user_id, plan_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ref) DO UPDATE
		SET user_id = COALESCE(NULLIF(EXCLUDED.user_id, ''), processor_subscriptions.user_id),
			plan_id = COALESCE(NULLIF(EXCLUDED.plan_id, ''), processor_subscriptions.plan_id),
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, sub.Ref, sub.UserID, sub.PlanID, sub.Status, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return settlement.Subscription{}, err
	}
	return s.GetSubscription(ctx, sub.Ref)
}

func (s *Store) GetSubscription(ctx context.Context, ref string) (settlement.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ref, user_id, plan_id, status, created_at, updated_at
		FROM processor_subscriptions
		WHERE ref = $1
	`, ref)

	var sub settlement.Subscription
	if err := row.Scan(&sub.Ref, &sub.UserID, &sub.PlanID, &sub.Status, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return settlement.Subscription{}, err
	}
	return sub, nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
