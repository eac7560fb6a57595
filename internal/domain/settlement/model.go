// Package settlement defines the durable record tying one payment processor
// event to one ledger credit outcome.
package settlement

import "time"

// Record status values. A record is created pending and transitions to
// succeeded or failed exactly once. Records are never deleted.
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Reconciliation states for failed records.
const (
	ReconcileNone      = ""
	ReconcileEligible  = "eligible"
	ReconcileExhausted = "exhausted"
)

// Failure reason classes recorded on terminal failures.
const (
	ReasonInvalidPlan   = "invalid_plan"
	ReasonUserNotFound  = "user_not_found"
	ReasonNetworkError  = "network_error"
	ReasonTransferError = "transfer_error"
)

// Record is the idempotency anchor and audit row for a settlement. The
// ExternalEventID carries a storage-level uniqueness constraint; at most one
// record ever exists per processor event.
type Record struct {
	ID              string    `json:"id"`
	ExternalEventID string    `json:"external_event_id"`
	UserID          string    `json:"user_id"`
	PlanID          string    `json:"plan_id"`
	CreditAmount    int64     `json:"credit_amount"`
	Currency        string    `json:"currency"`
	Status          string    `json:"status"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	FailureDetail   string    `json:"failure_detail,omitempty"`
	LedgerTxID      string    `json:"ledger_tx_id,omitempty"`
	LedgerTxStatus  string    `json:"ledger_tx_status,omitempty"`
	ReconcileState  string    `json:"reconcile_state,omitempty"`
	ReconcileCount  int       `json:"reconcile_count,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	SettledAt       time.Time `json:"settled_at,omitempty"`
}

// PurchaseMode distinguishes one-time pack purchases from recurring renewals.
type PurchaseMode string

const (
	ModeOneTime   PurchaseMode = "one_time"
	ModeRecurring PurchaseMode = "recurring"
)

// PurchaseEvent is a classified "funds received" notification handed to the
// coordinator by the payment event ingress.
type PurchaseEvent struct {
	ExternalEventID string       `json:"external_event_id"`
	UserID          string       `json:"user_id"`
	PlanID          string       `json:"plan_id"`
	Amount          int64        `json:"amount"`
	Currency        string       `json:"currency"`
	Mode            PurchaseMode `json:"mode"`
}

// SubscriptionEvent covers recurring payment and subscription lifecycle
// notifications. These update subscription bookkeeping only and never reach
// the credit settlement path.
type SubscriptionEvent struct {
	SubscriptionRef string `json:"subscription_ref"`
	UserID          string `json:"user_id,omitempty"`
	Status          string `json:"status,omitempty"`
}

// Subscription is the local bookkeeping row for a processor-managed
// recurring subscription.
type Subscription struct {
	Ref       string    `json:"ref"`
	UserID    string    `json:"user_id"`
	PlanID    string    `json:"plan_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
