// payment-core/internal/webhook/event.go
package webhook

import (
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"

	errs "github.com/example/payment-core/pkg/errors"
)

// Event types the reconciler acts on.
const (
	PaymentIntentSucceeded      = "payment_intent.succeeded"
	PaymentIntentFailed         = "payment_intent.payment_failed"
	PaymentIntentCanceled       = "payment_intent.canceled"
	PaymentIntentRequiresAction = "payment_intent.requires_action"
	TransferCreated             = "transfer.created"
	TransferReversed            = "transfer.reversed"
	PayoutPaid                  = "payout.paid"
	PayoutFailed                = "payout.failed"
	ChargeRefunded              = "charge.refunded"
)

// Event is the part of a processor event the handlers need.
type Event struct {
	ID        string
	Type      string
	Created   time.Time
	ObjectID  string
	PaymentID string
	// ParentRef is the object the event's object belongs to, e.g. the payment
	// intent behind a refunded charge.
	ParentRef      string
	FailureMessage string
	AmountRefunded int64
}

type eventObject struct {
	ID               string            `json:"id"`
	Metadata         map[string]string `json:"metadata"`
	PaymentIntent    string            `json:"payment_intent"`
	FailureMessage   string            `json:"failure_message"`
	AmountRefunded   int64             `json:"amount_refunded"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// Verify checks the signed-payload header against the endpoint secret.
func Verify(payload []byte, signature, secret string) error {
	if err := webhook.ValidatePayload(payload, signature, secret); err != nil {
		return errs.Wrap(errs.KindAuthentication, "invalid_signature", "webhook signature verification failed", err)
	}
	return nil
}

// Parse decodes a verified payload.
func Parse(payload []byte) (Event, error) {
	var raw stripe.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, errs.Validation("invalid_payload", "webhook payload is not a processor event")
	}
	if raw.ID == "" || raw.Type == "" {
		return Event{}, errs.Validation("invalid_payload", "webhook event has no id or type")
	}

	ev := Event{ID: raw.ID, Type: raw.Type, Created: time.Unix(raw.Created, 0).UTC()}
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return ev, nil
	}
	var obj eventObject
	if err := json.Unmarshal(raw.Data.Raw, &obj); err != nil {
		return Event{}, errs.Validation("invalid_payload", "webhook event object is malformed")
	}
	ev.ObjectID = obj.ID
	ev.PaymentID = obj.Metadata["payment_id"]
	ev.ParentRef = obj.PaymentIntent
	ev.AmountRefunded = obj.AmountRefunded
	ev.FailureMessage = obj.FailureMessage
	if obj.LastPaymentError != nil && obj.LastPaymentError.Message != "" {
		ev.FailureMessage = obj.LastPaymentError.Message
	}
	return ev, nil
}
