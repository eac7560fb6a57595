// Package chain provides ledger network interaction for the settlement layer.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"

	"github.com/nimbuspay/settlement_layer/pkg/logger"
)

// StartingBalance is the native balance, in 1e-8 units, funded into every
// newly created account so it can pay network fees.
const StartingBalance int64 = 100_000_000

// DefaultPollInterval is the receipt polling cadence.
const DefaultPollInterval = 2 * time.Second

// DefaultTxWaitTimeout bounds how long a submitted transaction is awaited.
const DefaultTxWaitTimeout = 60 * time.Second

// Client talks JSON-RPC to a ledger gateway node. It holds the treasury
// signing key used for all user credits and performs no local persistence.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	networkID  uint32
	tokenID    string

	pollInterval  time.Duration
	txWaitTimeout time.Duration

	treasuryAccountID string
	treasuryKey       *keys.PrivateKey

	log *logger.Logger
}

// Config holds client configuration.
type Config struct {
	RPCURL            string
	NetworkID         uint32
	Timeout           time.Duration
	TokenID           string // fungible token associated with new accounts
	TreasuryAccountID string
	TreasuryKeyWIF    string
	PollInterval      time.Duration // receipt polling cadence, default 2s
	TxWaitTimeout     time.Duration // per-transaction finality bound, default 60s
}

// NewClient creates a ledger client.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	if log == nil {
		log = logger.NewDefault("chain")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		networkID:     cfg.NetworkID,
		tokenID:       cfg.TokenID,
		pollInterval:  cfg.PollInterval,
		txWaitTimeout: cfg.TxWaitTimeout,
		log:           log,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.txWaitTimeout <= 0 {
		c.txWaitTimeout = DefaultTxWaitTimeout
	}

	if cfg.TreasuryKeyWIF != "" {
		priv, err := keys.NewPrivateKeyFromWIF(cfg.TreasuryKeyWIF)
		if err != nil {
			return nil, fmt.Errorf("parse treasury key: %w", err)
		}
		c.treasuryKey = priv
		c.treasuryAccountID = cfg.TreasuryAccountID
		if c.treasuryAccountID == "" {
			c.treasuryAccountID = priv.PublicKey().Address()
		}
	}

	return c, nil
}

// TokenID returns the configured fungible token id.
func (c *Client) TokenID() string { return c.tokenID }

// TreasuryAccountID returns the account all credits are transferred from.
func (c *Client) TreasuryAccountID() string { return c.treasuryAccountID }

// Call makes a JSON-RPC call to the ledger gateway.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Op: method, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: method, Err: err}
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, &NetworkError{Op: method, Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// GetTransactionReceipt returns the receipt for a finalized transaction.
// A *NotFoundError means the transaction is not yet ordered.
func (c *Client) GetTransactionReceipt(ctx context.Context, txID string) (*Receipt, error) {
	result, err := c.Call(ctx, "gettransactionreceipt", []interface{}{txID})
	if err != nil {
		return nil, mapRPCError(err, "transaction", txID)
	}

	var receipt Receipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, &NetworkError{Op: "gettransactionreceipt", Err: err}
	}
	return &receipt, nil
}

// WaitForReceipt polls for a transaction receipt until it is available or the
// context is done. A missing transaction is treated as pending and retried.
func (c *Client) WaitForReceipt(ctx context.Context, txID string, pollInterval time.Duration) (*Receipt, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.GetTransactionReceipt(ctx, txID)
		if err == nil {
			return receipt, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, &NetworkError{Op: "waitforreceipt", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// mapRPCError normalizes gateway errors: the not-found code becomes a
// *NotFoundError and everything else transport-shaped stays as returned.
func mapRPCError(err error, kind, id string) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == codeNotFound {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return err
}
