package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/nimbuspay/settlement_layer/internal/domain/settlement"
	"github.com/nimbuspay/settlement_layer/internal/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestCreateRecordMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO settlement_records").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "ux_settlement_records_event"})

	_, err := store.CreateRecord(context.Background(), settlement.Record{
		ExternalEventID: "evt_1",
		UserID:          "u1",
		Status:          settlement.StatusPending,
	})
	require.ErrorIs(t, err, storage.ErrDuplicateEvent)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateClaimMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO wallet_claims").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "wallet_claims_pkey"})

	_, err := store.CreateClaim(context.Background(), "u1")
	require.ErrorIs(t, err, storage.ErrClaimExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetWalletDetectsExistingLink(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE settlement_users").
		WithArgs("u1", "acct-2", "enc", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM settlement_users").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "wallet_account_id", "wallet_secret", "created_at", "updated_at"}).
			AddRow("u1", "u1@example.com", "acct-1", "enc", now, now))

	_, err := store.SetWallet(context.Background(), "u1", "acct-2", "enc")
	require.ErrorIs(t, err, storage.ErrWalletAlreadySet)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetWalletMissingUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE settlement_users").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM settlement_users").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := store.SetWallet(context.Background(), "ghost", "acct-1", "enc")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecordByEventID(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	columns := []string{
		"id", "external_event_id", "user_id", "plan_id", "credit_amount", "currency",
		"status", "failure_reason", "failure_detail", "ledger_tx_id", "ledger_tx_status",
		"reconcile_state", "reconcile_count", "created_at", "updated_at", "settled_at",
	}
	mock.ExpectQuery("SELECT (.+) FROM settlement_records").
		WithArgs("evt_1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("rec-1", "evt_1", "u1", "pro_pack", int64(1000), "USD",
				settlement.StatusSucceeded, "", "", "tx-1", "SUCCESS",
				"", 0, now, now, now))

	rec, err := store.GetRecordByEventID(context.Background(), "evt_1")
	require.NoError(t, err)
	require.Equal(t, "rec-1", rec.ID)
	require.Equal(t, int64(1000), rec.CreditAmount)
	require.Equal(t, settlement.StatusSucceeded, rec.Status)
	require.False(t, rec.SettledAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRecordPreservesEventID(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	columns := []string{
		"id", "external_event_id", "user_id", "plan_id", "credit_amount", "currency",
		"status", "failure_reason", "failure_detail", "ledger_tx_id", "ledger_tx_status",
		"reconcile_state", "reconcile_count", "created_at", "updated_at", "settled_at",
	}
	mock.ExpectQuery("SELECT (.+) FROM settlement_records").
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("rec-1", "evt_1", "u1", "pro_pack", int64(1000), "USD",
				settlement.StatusPending, "", "", "", "",
				"", 0, now, now, nil))
	mock.ExpectExec("UPDATE settlement_records").
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := store.UpdateRecord(context.Background(), settlement.Record{
		ID:              "rec-1",
		ExternalEventID: "evt_rewritten",
		Status:          settlement.StatusSucceeded,
	})
	require.NoError(t, err)
	require.Equal(t, "evt_1", updated.ExternalEventID)
	require.NoError(t, mock.ExpectationsWereMet())
}
