// Package settlement implements the payment-to-ledger settlement state
// machine and its reconciliation sweep.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimbuspay/settlement_layer/internal/chain"
	"github.com/nimbuspay/settlement_layer/internal/domain/plan"
	"github.com/nimbuspay/settlement_layer/internal/domain/settlement"
	"github.com/nimbuspay/settlement_layer/internal/metrics"
	"github.com/nimbuspay/settlement_layer/internal/services/wallet"
	"github.com/nimbuspay/settlement_layer/internal/storage"
	"github.com/nimbuspay/settlement_layer/pkg/logger"
)

// LedgerClient is the subset of the chain client used for settlement.
type LedgerClient interface {
	Transfer(ctx context.Context, toAccountID string, amount int64) (*chain.Receipt, error)
	GetTransactionReceipt(ctx context.Context, txID string) (*chain.Receipt, error)
}

// WalletProvisioner resolves a user's ledger account, creating it on demand.
type WalletProvisioner interface {
	EnsureWallet(ctx context.Context, userID string) (string, error)
}

// Coordinator drives each purchase event through
// pending -> {succeeded | failed} exactly once per external event id.
type Coordinator struct {
	store   storage.SettlementStore
	subs    storage.SubscriptionStore
	wallets WalletProvisioner
	ledger  LedgerClient
	catalog *plan.Catalog
	log     *logger.Logger
}

// NewCoordinator constructs a settlement coordinator.
func NewCoordinator(store storage.SettlementStore, subs storage.SubscriptionStore, wallets WalletProvisioner, ledger LedgerClient, catalog *plan.Catalog, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	if catalog == nil {
		catalog = plan.DefaultCatalog()
	}
	return &Coordinator{
		store:   store,
		subs:    subs,
		wallets: wallets,
		ledger:  ledger,
		catalog: catalog,
		log:     log,
	}
}

// OnPurchaseCompleted settles a classified one-time purchase event.
//
// Settlement failures are recorded on the returned record, not returned as an
// error: re-delivery of the same event must only ever hit the duplicate
// no-op path, so the processor is told "received" regardless of outcome. The
// error return covers infrastructure faults (store unavailable, malformed
// event) where nothing durable was recorded and re-delivery is wanted.
func (c *Coordinator) OnPurchaseCompleted(ctx context.Context, evt settlement.PurchaseEvent) (settlement.Record, error) {
	if strings.TrimSpace(evt.ExternalEventID) == "" {
		return settlement.Record{}, fmt.Errorf("external event id is required")
	}
	if strings.TrimSpace(evt.UserID) == "" {
		return settlement.Record{}, fmt.Errorf("user id is required")
	}
	if evt.Mode != settlement.ModeOneTime {
		return settlement.Record{}, fmt.Errorf("only one-time purchases settle credits, got mode %s", evt.Mode)
	}

	rec, err := c.store.CreateRecord(ctx, settlement.Record{
		ExternalEventID: evt.ExternalEventID,
		UserID:          evt.UserID,
		PlanID:          evt.PlanID,
		Currency:        evt.Currency,
		Status:          settlement.StatusPending,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			existing, getErr := c.store.GetRecordByEventID(ctx, evt.ExternalEventID)
			if getErr != nil {
				return settlement.Record{}, getErr
			}
			c.log.WithFields(map[string]interface{}{
				"external_event_id": evt.ExternalEventID,
				"status":            existing.Status,
			}).Info("duplicate purchase event ignored")
			metrics.RecordSettlement("duplicate", "")
			return existing, nil
		}
		return settlement.Record{}, err
	}

	return c.settle(ctx, rec)
}

// settle runs the resolve steps strictly in order: plan, wallet, transfer.
// Any earlier failure short-circuits later steps.
func (c *Coordinator) settle(ctx context.Context, rec settlement.Record) (settlement.Record, error) {
	p, ok := c.catalog.Lookup(rec.PlanID)
	if !ok {
		return c.fail(ctx, rec, settlement.ReasonInvalidPlan,
			fmt.Sprintf("unknown plan %q", rec.PlanID), settlement.ReconcileNone)
	}
	rec.CreditAmount = p.CreditAmount

	accountID, err := c.wallets.EnsureWallet(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, wallet.ErrUserNotFound) {
			return c.fail(ctx, rec, settlement.ReasonUserNotFound, err.Error(), settlement.ReconcileNone)
		}
		return c.fail(ctx, rec, settlement.ReasonNetworkError, err.Error(), settlement.ReconcileEligible)
	}

	start := time.Now()
	receipt, err := c.ledger.Transfer(ctx, accountID, rec.CreditAmount)
	metrics.RecordTransferDuration(time.Since(start))
	if receipt != nil {
		rec.LedgerTxID = receipt.TxID
		rec.LedgerTxStatus = receipt.Status
	}
	if err != nil {
		var transferErr *chain.TransferError
		if errors.As(err, &transferErr) {
			return c.fail(ctx, rec, settlement.ReasonTransferError, transferErr.Status, settlement.ReconcileEligible)
		}
		return c.fail(ctx, rec, settlement.ReasonNetworkError, err.Error(), settlement.ReconcileEligible)
	}

	rec.Status = settlement.StatusSucceeded
	rec.SettledAt = time.Now().UTC()
	updated, err := c.store.UpdateRecord(ctx, rec)
	if err != nil {
		return settlement.Record{}, err
	}

	metrics.RecordSettlement(settlement.StatusSucceeded, "")
	c.log.WithFields(map[string]interface{}{
		"external_event_id": updated.ExternalEventID,
		"user_id":           updated.UserID,
		"credit_amount":     updated.CreditAmount,
		"ledger_tx_id":      updated.LedgerTxID,
	}).Info("settlement succeeded")

	return updated, nil
}

// fail transitions the record to failed with the reason preserved for audit.
// Failed transfers are never retried inline; eligible records are picked up
// by the reconciliation sweep instead.
func (c *Coordinator) fail(ctx context.Context, rec settlement.Record, reason, detail, reconcileState string) (settlement.Record, error) {
	rec.Status = settlement.StatusFailed
	rec.FailureReason = reason
	rec.FailureDetail = detail
	rec.ReconcileState = reconcileState

	updated, err := c.store.UpdateRecord(ctx, rec)
	if err != nil {
		return settlement.Record{}, err
	}

	metrics.RecordSettlement(settlement.StatusFailed, reason)
	c.log.WithFields(map[string]interface{}{
		"external_event_id": updated.ExternalEventID,
		"user_id":           updated.UserID,
		"reason":            reason,
		"detail":            detail,
	}).Warn("settlement failed")

	return updated, nil
}

// OnRecurringPayment records a recurring payment against subscription
// bookkeeping. Recurring events never reach the credit settlement path.
func (c *Coordinator) OnRecurringPayment(ctx context.Context, evt settlement.SubscriptionEvent) error {
	if c.subs == nil || strings.TrimSpace(evt.SubscriptionRef) == "" {
		return nil
	}
	_, err := c.subs.UpsertSubscription(ctx, settlement.Subscription{
		Ref:    evt.SubscriptionRef,
		UserID: evt.UserID,
		Status: "active",
	})
	return err
}

// OnSubscriptionChanged updates the stored status for a subscription.
func (c *Coordinator) OnSubscriptionChanged(ctx context.Context, evt settlement.SubscriptionEvent) error {
	if c.subs == nil || strings.TrimSpace(evt.SubscriptionRef) == "" {
		return nil
	}
	_, err := c.subs.UpsertSubscription(ctx, settlement.Subscription{
		Ref:    evt.SubscriptionRef,
		UserID: evt.UserID,
		Status: evt.Status,
	})
	return err
}

// ListForUser returns the settlement audit trail for a user.
func (c *Coordinator) ListForUser(ctx context.Context, userID string) ([]settlement.Record, error) {
	return c.store.ListRecordsByUser(ctx, userID)
}

// GetByEventID returns the record for an external event id.
func (c *Coordinator) GetByEventID(ctx context.Context, externalEventID string) (settlement.Record, error) {
	return c.store.GetRecordByEventID(ctx, externalEventID)
}
