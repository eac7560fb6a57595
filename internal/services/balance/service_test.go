package balance

import (
	"context"
	"errors"
	"testing"

	"github.com/nimbuspay/settlement_layer/internal/chain"
)

type stubWallets struct {
	accountID string
	err       error
}

func (s stubWallets) EnsureWallet(ctx context.Context, userID string) (string, error) {
	return s.accountID, s.err
}

type stubLedger struct {
	balance *chain.Balance
	err     error
}

func (s stubLedger) GetBalance(ctx context.Context, accountID string) (*chain.Balance, error) {
	return s.balance, s.err
}

func TestForUserReturnsLedgerBalance(t *testing.T) {
	svc := New(
		stubWallets{accountID: "acct-1"},
		stubLedger{balance: &chain.Balance{AccountID: "acct-1", NativeBalance: 100_000_000, TokenBalance: 1500, TokenAssociated: true}},
		nil,
	)

	bal, err := svc.ForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ForUser: %v", err)
	}
	if bal.AccountID != "acct-1" || bal.TokenBalance != 1500 {
		t.Fatalf("balance = %+v", bal)
	}
}

func TestForUserSurfacesWalletError(t *testing.T) {
	wantErr := errors.New("provisioning stalled")
	svc := New(stubWallets{err: wantErr}, stubLedger{}, nil)

	_, err := svc.ForUser(context.Background(), "u1")
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wallet error, got %v", err)
	}
}

func TestForUserNeverFabricatesZeroBalance(t *testing.T) {
	svc := New(
		stubWallets{accountID: "acct-1"},
		stubLedger{err: &chain.NetworkError{Op: "getbalance", Err: errors.New("gateway down")}},
		nil,
	)

	bal, err := svc.ForUser(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected error when the ledger is unreachable")
	}
	if bal != nil {
		t.Fatalf("balance = %+v, want nil on error", bal)
	}
}
