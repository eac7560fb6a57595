// Package ingress authenticates and classifies payment processor
// notifications before they reach the settlement coordinator.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nimbuspay/settlement_layer/internal/domain/settlement"
	"github.com/nimbuspay/settlement_layer/internal/metrics"
	settlementsvc "github.com/nimbuspay/settlement_layer/internal/services/settlement"
	"github.com/nimbuspay/settlement_layer/pkg/logger"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Payment-Signature"

// Processor event types on the wire.
const (
	typePurchaseCompleted   = "purchase_completed"
	typeRecurringPayment    = "recurring_payment_succeeded"
	typeSubscriptionChanged = "subscription_changed"
)

// ErrSignatureInvalid is returned when the payload signature does not match.
// The caller must reject the delivery without any state change.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// ErrMalformedEvent is returned when a recognized event type is missing
// required fields. Malformed deliveries are rejected so the processor's
// retries surface the problem instead of burying it.
var ErrMalformedEvent = errors.New("malformed webhook event")

// Ingress verifies, classifies and dispatches inbound webhook deliveries.
type Ingress struct {
	secret []byte
	coord  *settlementsvc.Coordinator
	log    *logger.Logger
}

// New constructs the ingress with the processor's shared webhook secret.
func New(secret string, coord *settlementsvc.Coordinator, log *logger.Logger) *Ingress {
	if log == nil {
		log = logger.NewDefault("ingress")
	}
	return &Ingress{secret: []byte(secret), coord: coord, log: log}
}

// VerifySignature checks the hex HMAC-SHA256 of body against the shared
// secret in constant time. A "sha256=" prefix on the header value is
// tolerated.
func (i *Ingress) VerifySignature(body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Process authenticates one delivery and routes it by event type. Unknown
// event types are dropped and reported as accepted so the processor does not
// retry them forever. Recorded settlement failures are likewise accepted;
// only infrastructure faults propagate, making the processor re-deliver into
// the duplicate no-op path.
func (i *Ingress) Process(ctx context.Context, body []byte, signature string) error {
	if !i.VerifySignature(body, signature) {
		metrics.RecordWebhookEvent("unverified", "rejected")
		return ErrSignatureInvalid
	}

	eventType := gjson.GetBytes(body, "type").String()
	switch eventType {
	case typePurchaseCompleted:
		return i.handlePurchase(ctx, body)
	case typeRecurringPayment:
		return i.handleRecurringPayment(ctx, body)
	case typeSubscriptionChanged:
		return i.handleSubscriptionChanged(ctx, body)
	default:
		metrics.RecordWebhookEvent(eventType, "ignored")
		i.log.WithField("type", eventType).Debug("unrecognized webhook event ignored")
		return nil
	}
}

func (i *Ingress) handlePurchase(ctx context.Context, body []byte) error {
	evt := settlement.PurchaseEvent{
		ExternalEventID: gjson.GetBytes(body, "externalEventId").String(),
		UserID:          gjson.GetBytes(body, "userId").String(),
		PlanID:          gjson.GetBytes(body, "planOrPackId").String(),
		Amount:          gjson.GetBytes(body, "amount").Int(),
		Currency:        gjson.GetBytes(body, "currency").String(),
		Mode:            settlement.ModeOneTime,
	}
	if gjson.GetBytes(body, "mode").String() == string(settlement.ModeRecurring) {
		evt.Mode = settlement.ModeRecurring
	}
	if evt.ExternalEventID == "" || evt.UserID == "" {
		metrics.RecordWebhookEvent(typePurchaseCompleted, "malformed")
		return fmt.Errorf("%w: purchase event requires externalEventId and userId", ErrMalformedEvent)
	}

	if evt.Mode == settlement.ModeRecurring {
		// Recurring purchases only touch subscription bookkeeping.
		err := i.coord.OnRecurringPayment(ctx, settlement.SubscriptionEvent{
			SubscriptionRef: gjson.GetBytes(body, "subscriptionRef").String(),
			UserID:          evt.UserID,
		})
		if err != nil {
			metrics.RecordWebhookEvent(typePurchaseCompleted, "error")
			return err
		}
		metrics.RecordWebhookEvent(typePurchaseCompleted, "processed")
		return nil
	}

	if _, err := i.coord.OnPurchaseCompleted(ctx, evt); err != nil {
		metrics.RecordWebhookEvent(typePurchaseCompleted, "error")
		return err
	}
	metrics.RecordWebhookEvent(typePurchaseCompleted, "processed")
	return nil
}

func (i *Ingress) handleRecurringPayment(ctx context.Context, body []byte) error {
	ref := gjson.GetBytes(body, "subscriptionRef").String()
	if ref == "" {
		metrics.RecordWebhookEvent(typeRecurringPayment, "malformed")
		return fmt.Errorf("%w: recurring payment requires subscriptionRef", ErrMalformedEvent)
	}
	err := i.coord.OnRecurringPayment(ctx, settlement.SubscriptionEvent{
		SubscriptionRef: ref,
		UserID:          gjson.GetBytes(body, "userId").String(),
	})
	if err != nil {
		metrics.RecordWebhookEvent(typeRecurringPayment, "error")
		return err
	}
	metrics.RecordWebhookEvent(typeRecurringPayment, "processed")
	return nil
}

func (i *Ingress) handleSubscriptionChanged(ctx context.Context, body []byte) error {
	ref := gjson.GetBytes(body, "subscriptionRef").String()
	if ref == "" {
		metrics.RecordWebhookEvent(typeSubscriptionChanged, "malformed")
		return fmt.Errorf("%w: subscription change requires subscriptionRef", ErrMalformedEvent)
	}
	err := i.coord.OnSubscriptionChanged(ctx, settlement.SubscriptionEvent{
		SubscriptionRef: ref,
		UserID:          gjson.GetBytes(body, "userId").String(),
		Status:          gjson.GetBytes(body, "newStatus").String(),
	})
	if err != nil {
		metrics.RecordWebhookEvent(typeSubscriptionChanged, "error")
		return err
	}
	metrics.RecordWebhookEvent(typeSubscriptionChanged, "processed")
	return nil
}
