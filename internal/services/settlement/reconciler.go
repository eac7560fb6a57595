package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nimbuspay/settlement_layer/internal/chain"
	"github.com/nimbuspay/settlement_layer/internal/domain/settlement"
	"github.com/nimbuspay/settlement_layer/internal/metrics"
	"github.com/nimbuspay/settlement_layer/internal/services/wallet"
	"github.com/nimbuspay/settlement_layer/internal/storage"
	"github.com/nimbuspay/settlement_layer/pkg/logger"
)

// Reconciler defaults.
const (
	DefaultReconcileSchedule = "@every 1m"
	DefaultClaimTTL          = 10 * time.Minute
	DefaultMaxAttempts       = 5
	DefaultBackoffBase       = time.Minute
	DefaultBackoffFactor     = 4
)

// ReconcilerConfig tunes the background reconciliation sweep.
type ReconcilerConfig struct {
	// Schedule is a cron expression for the sweep cadence.
	Schedule string
	// ClaimTTL is how old a wallet claim must be before the sweep treats
	// it as abandoned by a crashed provisioner.
	ClaimTTL time.Duration
	// MaxAttempts bounds re-settlement tries per record before the record
	// is parked for manual intervention.
	MaxAttempts int
	// BackoffBase and BackoffFactor shape the per-record retry delay:
	// base * factor^attempts since the last transition.
	BackoffBase   time.Duration
	BackoffFactor int
}

func (c *ReconcilerConfig) applyDefaults() {
	if c.Schedule == "" {
		c.Schedule = DefaultReconcileSchedule
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = DefaultClaimTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = DefaultBackoffFactor
	}
}

// Reconciler periodically re-drives failed-but-recoverable settlements and
// cleans up provisioning claims abandoned mid-flight. Receipt lookup always
// runs before any resubmission so a transfer that actually landed is
// recovered instead of repeated.
type Reconciler struct {
	coord   *Coordinator
	store   storage.SettlementStore
	wallets *wallet.Service
	ledger  LedgerClient
	cfg     ReconcilerConfig
	log     *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewReconciler constructs the sweep around an existing coordinator.
func NewReconciler(coord *Coordinator, wallets *wallet.Service, cfg ReconcilerConfig, log *logger.Logger) *Reconciler {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewDefault("reconciler")
	}
	return &Reconciler{
		coord:   coord,
		store:   coord.store,
		wallets: wallets,
		ledger:  coord.ledger,
		cfg:     cfg,
		log:     log,
	}
}

// Start schedules the sweep. It is a no-op when already running.
func (r *Reconciler) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		if err := r.Sweep(context.Background()); err != nil {
			r.log.WithError(err).Error("reconciliation sweep failed")
		}
	}); err != nil {
		return err
	}
	r.cron.Start()
	r.running = true
	r.log.WithField("schedule", r.cfg.Schedule).Info("reconciler started")
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish, bounded
// by ctx.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false

	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one reconciliation pass: stale wallet claims first, then every
// eligible settlement record whose backoff window has elapsed.
func (r *Reconciler) Sweep(ctx context.Context) error {
	if resolved, err := r.wallets.ResolveStaleClaims(ctx, time.Now().Add(-r.cfg.ClaimTTL)); err != nil {
		r.log.WithError(err).Warn("stale claim sweep failed")
	} else if resolved > 0 {
		r.log.WithField("resolved", resolved).Info("stale wallet claims resolved")
	}

	records, err := r.store.ListReconcilable(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, rec := range records {
		if !r.due(rec, now) {
			continue
		}
		if rec.ReconcileCount >= r.cfg.MaxAttempts {
			r.exhaust(ctx, rec)
			continue
		}
		if _, err := r.coord.Resettle(ctx, rec); err != nil {
			r.log.WithError(err).WithField("external_event_id", rec.ExternalEventID).
				Warn("resettle attempt failed")
		}
	}
	return nil
}

// due reports whether the record's exponential backoff window has elapsed.
func (r *Reconciler) due(rec settlement.Record, now time.Time) bool {
	delay := r.cfg.BackoffBase
	for i := 0; i < rec.ReconcileCount; i++ {
		delay *= time.Duration(r.cfg.BackoffFactor)
	}
	return !now.Before(rec.UpdatedAt.Add(delay))
}

func (r *Reconciler) exhaust(ctx context.Context, rec settlement.Record) {
	rec.ReconcileState = settlement.ReconcileExhausted
	if _, err := r.store.UpdateRecord(ctx, rec); err != nil {
		r.log.WithError(err).WithField("external_event_id", rec.ExternalEventID).
			Error("failed to park exhausted record")
		return
	}
	metrics.RecordReconcile("settlement", "exhausted")
	r.log.WithFields(map[string]interface{}{
		"external_event_id": rec.ExternalEventID,
		"attempts":          rec.ReconcileCount,
	}).Error("settlement reconciliation exhausted, manual intervention required")
}

// Resettle re-drives one failed record. When a ledger tx id was recorded the
// receipt decides: a success receipt recovers the record without touching the
// ledger again, a definite failure receipt permits a fresh transfer. Only
// records with no recorded tx id are resubmitted without receipt evidence.
func (c *Coordinator) Resettle(ctx context.Context, rec settlement.Record) (settlement.Record, error) {
	rec.ReconcileCount++

	if rec.LedgerTxID != "" {
		receipt, err := c.ledger.GetTransactionReceipt(ctx, rec.LedgerTxID)
		switch {
		case err == nil && receipt.Status == chain.StatusSuccess:
			rec.LedgerTxStatus = receipt.Status
			rec.Status = settlement.StatusSucceeded
			rec.FailureReason = ""
			rec.FailureDetail = ""
			rec.ReconcileState = settlement.ReconcileNone
			rec.SettledAt = time.Now().UTC()
			updated, uerr := c.store.UpdateRecord(ctx, rec)
			if uerr != nil {
				return settlement.Record{}, uerr
			}
			metrics.RecordReconcile("settlement", "recovered")
			c.log.WithFields(map[string]interface{}{
				"external_event_id": updated.ExternalEventID,
				"ledger_tx_id":      updated.LedgerTxID,
			}).Info("settlement recovered from finalized transfer")
			return updated, nil
		case err == nil:
			// Definite terminal failure, safe to resubmit below.
			rec.LedgerTxStatus = receipt.Status
		case chain.IsNotFound(err):
			// The submission never finalized; resubmit below.
		default:
			// Receipt service unreachable. Record the attempt so backoff
			// grows, resolve on a later sweep.
			updated, uerr := c.store.UpdateRecord(ctx, rec)
			if uerr != nil {
				return settlement.Record{}, uerr
			}
			metrics.RecordReconcile("settlement", "deferred")
			return updated, err
		}
	}

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
	rec.FailureReason = ""
	rec.FailureDetail = ""
	rec.ReconcileState = settlement.ReconcileNone
	rec.SettledAt = time.Now().UTC()
	updated, err := c.store.UpdateRecord(ctx, rec)
	if err != nil {
		return settlement.Record{}, err
	}
	metrics.RecordReconcile("settlement", "recovered")
	metrics.RecordSettlement(settlement.StatusSucceeded, "")
	c.log.WithFields(map[string]interface{}{
		"external_event_id": updated.ExternalEventID,
		"ledger_tx_id":      updated.LedgerTxID,
		"attempts":          updated.ReconcileCount,
	}).Info("settlement recovered by resubmission")
	return updated, nil
}
