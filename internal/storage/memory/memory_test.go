package memory

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/nimbuspay/settlement_layer/internal/domain/settlement"
	"github.com/nimbuspay/settlement_layer/internal/domain/user"
	"github.com/nimbuspay/settlement_layer/internal/storage"
)

func TestCreateRecordEnforcesEventUniqueness(t *testing.T) {
	store := New()
	ctx := context.Background()

	first, err := store.CreateRecord(ctx, settlement.Record{ExternalEventID: "evt_1", UserID: "u1", Status: settlement.StatusPending})
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected generated record id")
	}

	_, err = store.CreateRecord(ctx, settlement.Record{ExternalEventID: "evt_1", UserID: "u1", Status: settlement.StatusPending})
	if !errors.Is(err, storage.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
}

func TestUpdateRecordPreservesIdentity(t *testing.T) {
	store := New()
	ctx := context.Background()

	rec, err := store.CreateRecord(ctx, settlement.Record{ExternalEventID: "evt_1", UserID: "u1", Status: settlement.StatusPending})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec.Status = settlement.StatusSucceeded
	rec.ExternalEventID = "evt_rewritten"
	updated, err := store.UpdateRecord(ctx, rec)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ExternalEventID != "evt_1" {
		t.Fatalf("external event id mutated to %q", updated.ExternalEventID)
	}
	if updated.Status != settlement.StatusSucceeded {
		t.Fatalf("status = %q", updated.Status)
	}
}

func TestGetMissingRowsWrapErrNoRows(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.GetUser(ctx, "ghost"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetUser: %v", err)
	}
	if _, err := store.GetRecordByEventID(ctx, "evt_ghost"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetRecordByEventID: %v", err)
	}
	if _, err := store.GetClaim(ctx, "ghost"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetClaim: %v", err)
	}
	if _, err := store.GetSubscription(ctx, "ghost"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetSubscription: %v", err)
	}
}

func TestSetWalletExactlyOnce(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, user.User{ID: "u1"}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if _, err := store.SetWallet(ctx, "u1", "acct-1", "enc"); err != nil {
		t.Fatalf("first SetWallet: %v", err)
	}
	if _, err := store.SetWallet(ctx, "u1", "acct-2", "enc"); !errors.Is(err, storage.ErrWalletAlreadySet) {
		t.Fatalf("expected ErrWalletAlreadySet, got %v", err)
	}

	u, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.WalletAccountID != "acct-1" {
		t.Fatalf("wallet = %q, want acct-1", u.WalletAccountID)
	}
}

func TestClaimLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.CreateClaim(ctx, "u1"); err != nil {
		t.Fatalf("create claim: %v", err)
	}
	if _, err := store.CreateClaim(ctx, "u1"); !errors.Is(err, storage.ErrClaimExists) {
		t.Fatalf("expected ErrClaimExists, got %v", err)
	}

	stale, err := store.ListStaleClaims(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].UserID != "u1" {
		t.Fatalf("stale claims = %+v", stale)
	}

	none, err := store.ListStaleClaims(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("fresh claims reported stale: %+v", none)
	}

	if err := store.DeleteClaim(ctx, "u1"); err != nil {
		t.Fatalf("delete claim: %v", err)
	}
	if err := store.DeleteClaim(ctx, "u1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows on second delete, got %v", err)
	}
}

func TestListReconcilableFiltersEligible(t *testing.T) {
	store := New()
	ctx := context.Background()

	seed := []settlement.Record{
		{ExternalEventID: "evt_ok", UserID: "u1", Status: settlement.StatusSucceeded},
		{ExternalEventID: "evt_terminal", UserID: "u1", Status: settlement.StatusFailed, ReconcileState: settlement.ReconcileNone},
		{ExternalEventID: "evt_retry", UserID: "u1", Status: settlement.StatusFailed, ReconcileState: settlement.ReconcileEligible},
		{ExternalEventID: "evt_parked", UserID: "u1", Status: settlement.StatusFailed, ReconcileState: settlement.ReconcileExhausted},
	}
	for _, rec := range seed {
		if _, err := store.CreateRecord(ctx, rec); err != nil {
			t.Fatalf("seed %s: %v", rec.ExternalEventID, err)
		}
	}

	eligible, err := store.ListReconcilable(ctx)
	if err != nil {
		t.Fatalf("ListReconcilable: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ExternalEventID != "evt_retry" {
		t.Fatalf("eligible = %+v", eligible)
	}
}
