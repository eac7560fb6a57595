package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
)

// CreateAccount allocates a fresh keypair, submits an account-creation
// transaction funded with StartingBalance and waits for finality. Token
// association is attempted best-effort: a failure is logged and the account
// is still returned as usable, association is retried on first credit.
func (c *Client) CreateAccount(ctx context.Context) (*AccountInfo, error) {
	priv, err := keys.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	pubHex := hex.EncodeToString(priv.PublicKey().Bytes())

	result, err := c.Call(ctx, "createaccount", []interface{}{pubHex, StartingBalance})
	if err != nil {
		return nil, err
	}

	var created struct {
		AccountID string `json:"account_id"`
		TxID      string `json:"tx_id"`
	}
	if err := json.Unmarshal(result, &created); err != nil {
		return nil, &NetworkError{Op: "createaccount", Err: err}
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.txWaitTimeout)
	defer cancel()
	receipt, err := c.WaitForReceipt(waitCtx, created.TxID, c.pollInterval)
	if err != nil {
		return nil, err
	}
	if receipt.Status != StatusSuccess {
		return nil, fmt.Errorf("account creation %s finalized with status %s", created.TxID, receipt.Status)
	}

	info := &AccountInfo{
		AccountID:  created.AccountID,
		PublicKey:  pubHex,
		SigningKey: priv.WIF(),
	}

	if c.tokenID != "" {
		if err := c.AssociateToken(ctx, info.AccountID); err != nil {
			c.log.WithError(err).WithField("account_id", info.AccountID).
				Warn("token association failed; will retry on first credit")
		}
	}

	return info, nil
}

// AssociateToken associates the configured fungible token with the account.
// Association is treasury-sponsored on this network, so the client signs the
// request with the treasury key.
func (c *Client) AssociateToken(ctx context.Context, accountID string) error {
	if c.tokenID == "" {
		return fmt.Errorf("no token configured")
	}
	if c.treasuryKey == nil {
		return fmt.Errorf("treasury key not configured")
	}

	msg := fmt.Sprintf("associate|%d|%s|%s", c.networkID, c.tokenID, accountID)
	sig := hex.EncodeToString(c.treasuryKey.Sign([]byte(msg)))
	pub := hex.EncodeToString(c.treasuryKey.PublicKey().Bytes())

	result, err := c.Call(ctx, "associatetoken", []interface{}{accountID, c.tokenID, sig, pub})
	if err != nil {
		return mapRPCError(err, "account", accountID)
	}

	var submitted struct {
		TxID string `json:"tx_id"`
	}
	if err := json.Unmarshal(result, &submitted); err != nil {
		return &NetworkError{Op: "associatetoken", Err: err}
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.txWaitTimeout)
	defer cancel()
	receipt, err := c.WaitForReceipt(waitCtx, submitted.TxID, c.pollInterval)
	if err != nil {
		return err
	}
	if receipt.Status != StatusSuccess {
		return fmt.Errorf("association %s finalized with status %s", submitted.TxID, receipt.Status)
	}
	return nil
}

// GetBalance queries current finalized balances for the account.
func (c *Client) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	result, err := c.Call(ctx, "getbalance", []interface{}{accountID})
	if err != nil {
		return nil, mapRPCError(err, "account", accountID)
	}

	var bal Balance
	if err := json.Unmarshal(result, &bal); err != nil {
		return nil, &NetworkError{Op: "getbalance", Err: err}
	}
	if bal.AccountID == "" {
		bal.AccountID = accountID
	}
	return &bal, nil
}

// Transfer moves amount of the fungible token from the treasury to
// toAccountID, waits for finality and returns the receipt. A terminal
// non-success status is returned as a *TransferError carrying the network
// status code verbatim.
func (c *Client) Transfer(ctx context.Context, toAccountID string, amount int64) (*Receipt, error) {
	if c.treasuryKey == nil {
		return nil, fmt.Errorf("treasury key not configured")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}

	// Lazy association retry: if the destination never got the token
	// associated at creation time, try once more before transferring.
	if bal, err := c.GetBalance(ctx, toAccountID); err == nil && !bal.TokenAssociated {
		if err := c.AssociateToken(ctx, toAccountID); err != nil {
			c.log.WithError(err).WithField("account_id", toAccountID).
				Warn("lazy token association failed before transfer")
		}
	}

	nonce := time.Now().UnixNano()
	msg := fmt.Sprintf("transfer|%d|%s|%s|%s|%d|%d",
		c.networkID, c.tokenID, c.treasuryAccountID, toAccountID, amount, nonce)
	sig := hex.EncodeToString(c.treasuryKey.Sign([]byte(msg)))
	pub := hex.EncodeToString(c.treasuryKey.PublicKey().Bytes())

	result, err := c.Call(ctx, "transfertoken", []interface{}{
		c.tokenID, c.treasuryAccountID, toAccountID, amount, nonce, sig, pub,
	})
	if err != nil {
		return nil, mapRPCError(err, "account", toAccountID)
	}

	var submitted struct {
		TxID string `json:"tx_id"`
	}
	if err := json.Unmarshal(result, &submitted); err != nil {
		return nil, &NetworkError{Op: "transfertoken", Err: err}
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.txWaitTimeout)
	defer cancel()
	receipt, err := c.WaitForReceipt(waitCtx, submitted.TxID, c.pollInterval)
	if err != nil {
		// The transfer was submitted. Hand back the tx id so the caller
		// can resolve the outcome from the receipt later instead of
		// resubmitting blind.
		return &Receipt{TxID: submitted.TxID}, err
	}
	if receipt.Status != StatusSuccess {
		return receipt, &TransferError{TxID: receipt.TxID, Status: receipt.Status}
	}

	c.log.WithFields(map[string]interface{}{
		"to_account": toAccountID,
		"amount":     amount,
		"tx_id":      receipt.TxID,
	}).Info("transfer finalized")

	return receipt, nil
}
