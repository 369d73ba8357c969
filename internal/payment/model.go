// payment-core/internal/payment/model.go
package payment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusProcessing      Status = "processing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal statuses accept nothing but appended audit entries.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type PayerType string

const (
	PayerBackOffice PayerType = "back_office"
	PayerDriverIC   PayerType = "driver_ic"
)

func (p PayerType) Valid() bool { return p == PayerBackOffice || p == PayerDriverIC }

type FraudStatus string

const (
	FraudUnscored   FraudStatus = "unscored"
	FraudLowRisk    FraudStatus = "low_risk"
	FraudMediumRisk FraudStatus = "medium_risk"
	FraudHighRisk   FraudStatus = "high_risk"
	FraudFlagged    FraudStatus = "flagged"
)

type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorAdmin  ActorType = "admin"
)

// Actor is whoever causes a mutation. Role comes from the auth token.
type Actor struct {
	ID   string    `json:"id"`
	Type ActorType `json:"type"`
	Role string    `json:"role,omitempty"`
}

// SystemActor is used for webhook and worker driven changes.
var SystemActor = Actor{ID: "system", Type: ActorSystem}

type Payment struct {
	ID            uuid.UUID      `json:"id"`
	IncidentID    string         `json:"incident_id"`
	VendorID      string         `json:"vendor_id"`
	PayerType     PayerType      `json:"payer_type"`
	PayerID       *string        `json:"payer_id,omitempty"`
	AmountCents   int64          `json:"amount_cents"`
	Currency      string         `json:"currency"`
	Status        Status         `json:"status"`
	ExternalRef   *string        `json:"external_ref,omitempty"`
	FraudScore    *float64       `json:"fraud_score,omitempty"`
	FraudStatus   FraudStatus    `json:"fraud_status"`
	ApprovedBy    *string        `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time     `json:"approved_at,omitempty"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
	FailureReason *string        `json:"failure_reason,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	LineItems     []LineItem     `json:"line_items"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Clone deep-copies the mutable parts so stores never hand out shared state.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	out := *p
	out.PayerID = cloneStr(p.PayerID)
	out.ExternalRef = cloneStr(p.ExternalRef)
	out.ApprovedBy = cloneStr(p.ApprovedBy)
	out.FailureReason = cloneStr(p.FailureReason)
	out.ApprovedAt = cloneTime(p.ApprovedAt)
	out.ProcessedAt = cloneTime(p.ProcessedAt)
	if p.FraudScore != nil {
		v := *p.FraudScore
		out.FraudScore = &v
	}
	out.Metadata = make(map[string]any, len(p.Metadata))
	for k, v := range p.Metadata {
		out.Metadata[k] = v
	}
	out.LineItems = append([]LineItem(nil), p.LineItems...)
	return &out
}

func (p *Payment) ExternalReference() string {
	if p.ExternalRef == nil {
		return ""
	}
	return *p.ExternalRef
}

type LineItem struct {
	ID             uuid.UUID `json:"id"`
	PaymentID      uuid.UUID `json:"payment_id"`
	Description    string    `json:"description"`
	Quantity       int64     `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	TotalCents     int64     `json:"total_cents"`
}

type AuditAction string

const (
	AuditCreated         AuditAction = "created"
	AuditApproved        AuditAction = "approved"
	AuditCancelled       AuditAction = "cancelled"
	AuditCompleted       AuditAction = "completed"
	AuditFailed          AuditAction = "failed"
	AuditRefundRequested AuditAction = "refund_requested"
)

type AuditLogEntry struct {
	ID             uuid.UUID   `json:"id"`
	PaymentID      uuid.UUID   `json:"payment_id"`
	Action         AuditAction `json:"action"`
	ActorID        string      `json:"actor_id"`
	ActorType      ActorType   `json:"actor_type"`
	PreviousStatus *Status     `json:"previous_status,omitempty"`
	NewStatus      *Status     `json:"new_status,omitempty"`
	Note           string      `json:"note,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

type LineItemInput struct {
	Description    string `json:"description"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unitPriceCents"`
}

// CreateInput is the external create request.
type CreateInput struct {
	IncidentID         string          `json:"incidentId"`
	VendorID           string          `json:"vendorId"`
	PayerType          PayerType       `json:"payerType"`
	PayerID            *string         `json:"payerId,omitempty"`
	AmountCents        int64           `json:"amountCents"`
	Currency           string          `json:"currency,omitempty"`
	LineItems          []LineItemInput `json:"lineItems"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
	DestinationAccount string          `json:"destinationAccount,omitempty"`
}

type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// VendorStats feeds the fraud feature vector.
type VendorStats struct {
	PaymentsSince      int
	TotalPayments      int
	CompletedPayments  int
	AverageAmountCents int64
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func strPtr(s string) *string { return &s }

func statusPtr(s Status) *Status { return &s }
