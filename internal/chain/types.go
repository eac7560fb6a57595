package chain

import "encoding/json"

// RPCRequest is a JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
	ID      int           `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// RPCError is a JSON-RPC error object returned by the ledger gateway.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// Gateway error codes.
const (
	codeNotFound = -100
)

// Terminal transaction receipt statuses. StatusSuccess is the only
// successful terminal state; everything else is a terminal failure whose
// code is surfaced verbatim.
const (
	StatusSuccess            = "SUCCESS"
	StatusInsufficientFunds  = "INSUFFICIENT_TREASURY_BALANCE"
	StatusTokenNotAssociated = "TOKEN_NOT_ASSOCIATED"
	StatusAccountFrozen      = "ACCOUNT_FROZEN"
	StatusInvalidSignature   = "INVALID_SIGNATURE"
)

// AccountInfo is returned by account creation.
type AccountInfo struct {
	AccountID  string `json:"account_id"`
	PublicKey  string `json:"public_key"`
	SigningKey string `json:"-"` // WIF-encoded private key, never serialized
}

// Balance holds finalized native and token balances for an account.
type Balance struct {
	AccountID       string `json:"account_id"`
	NativeBalance   int64  `json:"native_balance"`
	TokenBalance    int64  `json:"token_balance"`
	TokenAssociated bool   `json:"token_associated"`
}

// Receipt is the finality confirmation for a submitted transaction.
type Receipt struct {
	TxID   string `json:"tx_id"`
	Status string `json:"status"`
}
