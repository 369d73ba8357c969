// payment-core/internal/events/message.go
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/payment-core/internal/payment"
)

// StateChanged is consumed by the ETL pipeline.
type StateChanged struct {
	EventID        string    `json:"eventId"`
	PaymentID      string    `json:"paymentId"`
	IncidentID     string    `json:"incidentId"`
	VendorID       string    `json:"vendorId"`
	Action         string    `json:"action"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	Status         string    `json:"status"`
	AmountCents    int64     `json:"amountCents"`
	Currency       string    `json:"currency"`
	FraudStatus    string    `json:"fraudStatus,omitempty"`
	ExternalRef    string    `json:"externalRef,omitempty"`
	ActorID        string    `json:"actorId"`
	ActorType      string    `json:"actorType"`
	Note           string    `json:"note,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Notification matches the notification service's SendNotification request.
type Notification struct {
	Type      string            `json:"type"`
	Template  string            `json:"template"`
	Recipient string            `json:"recipient"`
	Data      map[string]string `json:"data"`
}

func newStateChanged(c payment.StateChange) StateChanged {
	p := c.Payment
	msg := StateChanged{
		EventID:     uuid.NewString(),
		PaymentID:   p.ID.String(),
		IncidentID:  p.IncidentID,
		VendorID:    p.VendorID,
		Action:      c.Action,
		Status:      string(p.Status),
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		FraudStatus: string(p.FraudStatus),
		ActorID:     c.Actor.ID,
		ActorType:   string(c.Actor.Type),
		Note:        c.Note,
		OccurredAt:  c.OccurredAt,
	}
	if c.Previous != nil {
		msg.PreviousStatus = string(*c.Previous)
	}
	if p.ExternalRef != nil {
		msg.ExternalRef = *p.ExternalRef
	}
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}
	return msg
}

func newNotification(tpl payment.NotificationTemplate, p *payment.Payment, recipient string) Notification {
	data := map[string]string{
		"paymentId":  p.ID.String(),
		"incidentId": p.IncidentID,
		"vendorId":   p.VendorID,
		"amount":     FormatAmount(p.AmountCents, p.Currency),
		"status":     string(p.Status),
	}
	if p.FailureReason != nil {
		data["failureReason"] = *p.FailureReason
	}
	return Notification{
		Type:      "email",
		Template:  string(tpl),
		Recipient: recipient,
		Data:      data,
	}
}

// FormatAmount renders minor units as "185.00 USD".
func FormatAmount(cents int64, currency string) string {
	return decimal.New(cents, -2).StringFixed(2) + " " + strings.ToUpper(currency)
}
