package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"

	"github.com/nimbuspay/settlement_layer/pkg/logger"
)

// gatewayStub is a scriptable JSON-RPC ledger gateway.
type gatewayStub struct {
	t  *testing.T
	mu sync.Mutex

	handlers map[string]func(params []interface{}) (interface{}, *RPCError)
	calls    map[string]int
}

func newGatewayStub(t *testing.T) *gatewayStub {
	return &gatewayStub{
		t:        t,
		handlers: make(map[string]func(params []interface{}) (interface{}, *RPCError)),
		calls:    make(map[string]int),
	}
}

func (g *gatewayStub) handle(method string, fn func(params []interface{}) (interface{}, *RPCError)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[method] = fn
}

func (g *gatewayStub) callCount(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[method]
}

func (g *gatewayStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.t.Errorf("malformed rpc request: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	g.calls[req.Method]++
	fn, ok := g.handlers[req.Method]
	g.mu.Unlock()

	resp := RPCResponse{JSONRPC: "2.0", ID: req.ID}
	if !ok {
		resp.Error = &RPCError{Code: -32601, Message: "method not found: " + req.Method}
	} else if result, rpcErr := fn(req.Params); rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			g.t.Errorf("marshal stub result: %v", err)
		}
		resp.Result = raw
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, url, tokenID string) *Client {
	t.Helper()
	priv, err := keys.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate treasury key: %v", err)
	}
	client, err := NewClient(Config{
		RPCURL:         url,
		NetworkID:      894,
		TokenID:        tokenID,
		TreasuryKeyWIF: priv.WIF(),
		PollInterval:   5 * time.Millisecond,
		TxWaitTimeout:  time.Second,
	}, logger.NewDefault("chain-test"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func successReceipt(txID string) func(params []interface{}) (interface{}, *RPCError) {
	return func(params []interface{}) (interface{}, *RPCError) {
		return Receipt{TxID: txID, Status: StatusSuccess}, nil
	}
}

func TestCreateAccountAssociatesToken(t *testing.T) {
	stub := newGatewayStub(t)
	srv := httptest.NewServer(stub)
	defer srv.Close()

	stub.handle("createaccount", func(params []interface{}) (interface{}, *RPCError) {
		if len(params) != 2 {
			t.Errorf("createaccount params = %v", params)
		}
		if got := int64(params[1].(float64)); got != StartingBalance {
			t.Errorf("starting balance = %d, want %d", got, StartingBalance)
		}
		return map[string]string{"account_id": "acct-1", "tx_id": "tx-create"}, nil
	})
	stub.handle("associatetoken", func(params []interface{}) (interface{}, *RPCError) {
		return map[string]string{"tx_id": "tx-assoc"}, nil
	})
	stub.handle("gettransactionreceipt", func(params []interface{}) (interface{}, *RPCError) {
		return Receipt{TxID: params[0].(string), Status: StatusSuccess}, nil
	})

	client := newTestClient(t, srv.URL, "tok-1")

	info, err := client.CreateAccount(context.Background())
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if info.AccountID != "acct-1" {
		t.Fatalf("account id = %q", info.AccountID)
	}
	if info.SigningKey == "" || info.PublicKey == "" {
		t.Fatal("expected signing key and public key on new account")
	}
	if stub.callCount("associatetoken") != 1 {
		t.Fatalf("associatetoken calls = %d, want 1", stub.callCount("associatetoken"))
	}
}

func TestCreateAccountSurvivesAssociationFailure(t *testing.T) {
	stub := newGatewayStub(t)
	srv := httptest.NewServer(stub)
	defer srv.Close()

	stub.handle("createaccount", func(params []interface{}) (interface{}, *RPCError) {
		return map[string]string{"account_id": "acct-2", "tx_id": "tx-create"}, nil
	})
	stub.handle("associatetoken", func(params []interface{}) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -1, Message: "gateway busy"}
	})
	stub.handle("gettransactionreceipt", successReceipt("tx-create"))

	client := newTestClient(t, srv.URL, "tok-1")

	info, err := client.CreateAccount(context.Background())
	if err != nil {
		t.Fatalf("CreateAccount should tolerate association failure, got %v", err)
	}
	if info.AccountID != "acct-2" {
		t.Fatalf("account id = %q", info.AccountID)
	}
}

func TestGetBalanceNotFound(t *testing.T) {
	stub := newGatewayStub(t)
	srv := httptest.NewServer(stub)
	defer srv.Close()

	stub.handle("getbalance", func(params []interface{}) (interface{}, *RPCError) {
		return nil, &RPCError{Code: codeNotFound, Message: "unknown account"}
	})

	client := newTestClient(t, srv.URL, "")

	_, err := client.GetBalance(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestTransferSuccess(t *testing.T) {
	stub := newGatewayStub(t)
	srv := httptest.NewServer(stub)
	defer srv.Close()

	stub.handle("getbalance", func(params []interface{}) (interface{}, *RPCError) {
		return Balance{AccountID: params[0].(string), TokenAssociated: true}, nil
	})
	stub.handle("transfertoken", func(params []interface{}) (interface{}, *RPCError) {
		if len(params) != 7 {
			t.Errorf("transfertoken params = %d, want 7", len(params))
		}
		if got := int64(params[3].(float64)); got != 500 {
			t.Errorf("transfer amount = %d, want 500", got)
		}
		return map[string]string{"tx_id": "tx-transfer"}, nil
	})
	stub.handle("gettransactionreceipt", successReceipt("tx-transfer"))

	client := newTestClient(t, srv.URL, "tok-1")

	receipt, err := client.Transfer(context.Background(), "acct-dest", 500)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if receipt.TxID != "tx-transfer" || receipt.Status != StatusSuccess {
		t.Fatalf("receipt = %+v", receipt)
	}
}

func TestTransferLazyAssociation(t *testing.T) {
	stub := newGatewayStub(t)
	srv := httptest.NewServer(stub)
	defer srv.Close()

	stub.handle("getbalance", func(params []interface{}) (interface{}, *RPCError) {
		return Balance{AccountID: params[0].(string), TokenAssociated: false}, nil
	})
	stub.handle("associatetoken", func(params []interface{}) (interface{}, *RPCError) {
		return map[string]string{"tx_id": "tx-assoc"}, nil
	})
	stub.handle("transfertoken", func(params []interface{}) (interface{}, *RPCError) {
		return map[string]string{"tx_id": "tx-transfer"}, nil
	})
	stub.handle("gettransactionreceipt", func(params []interface{}) (interface{}, *RPCError) {
		return Receipt{TxID: params[0].(string), Status: StatusSuccess}, nil
	})

	client := newTestClient(t, srv.URL, "tok-1")

	if _, err := client.Transfer(context.Background(), "acct-new", 100); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if stub.callCount("associatetoken") != 1 {
		t.Fatalf("associatetoken calls = %d, want 1", stub.callCount("associatetoken"))
	}
}

func TestTransferTerminalFailure(t *testing.T) {
	stub := newGatewayStub(t)
	srv := httptest.NewServer(stub)
	defer srv.Close()

	stub.handle("getbalance", func(params []interface{}) (interface{}, *RPCError) {
		return Balance{TokenAssociated: true}, nil
	})
	stub.handle("transfertoken", func(params []interface{}) (interface{}, *RPCError) {
		return map[string]string{"tx_id": "tx-broke"}, nil
	})
	stub.handle("gettransactionreceipt", func(params []interface{}) (interface{}, *RPCError) {
		return Receipt{TxID: "tx-broke", Status: StatusInsufficientFunds}, nil
	})

	client := newTestClient(t, srv.URL, "tok-1")

	receipt, err := client.Transfer(context.Background(), "acct-dest", 500)
	var transferErr *TransferError
	if !errors.As(err, &transferErr) {
		t.Fatalf("expected *TransferError, got %v", err)
	}
	if transferErr.Status != StatusInsufficientFunds {
		t.Fatalf("status = %q, want %q", transferErr.Status, StatusInsufficientFunds)
	}
	if receipt == nil || receipt.TxID != "tx-broke" {
		t.Fatalf("receipt = %+v, want tx-broke", receipt)
	}
}

func TestWaitForReceiptPolls(t *testing.T) {
	stub := newGatewayStub(t)
	srv := httptest.NewServer(stub)
	defer srv.Close()

	attempts := 0
	stub.handle("gettransactionreceipt", func(params []interface{}) (interface{}, *RPCError) {
		attempts++
		if attempts < 3 {
			return nil, &RPCError{Code: codeNotFound, Message: "not ordered yet"}
		}
		return Receipt{TxID: "tx-slow", Status: StatusSuccess}, nil
	})

	client := newTestClient(t, srv.URL, "")

	receipt, err := client.WaitForReceipt(context.Background(), "tx-slow", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForReceipt: %v", err)
	}
	if receipt.Status != StatusSuccess {
		t.Fatalf("status = %q", receipt.Status)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestCallTransportErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := newTestClient(t, url, "")

	_, err := client.Call(context.Background(), "getbalance", []interface{}{"acct"})
	if !IsNetwork(err) {
		t.Fatalf("expected network error, got %v", err)
	}
}
