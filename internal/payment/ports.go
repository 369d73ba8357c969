// payment-core/internal/payment/ports.go
package payment

import (
	"context"
	"time"

	"github.com/google/uuid"

	errs "github.com/example/payment-core/pkg/errors"
)

// FraudResult is what the fraud gate decided. Score is the raw model output.
type FraudResult struct {
	Score  float64
	Status FraudStatus
	Reason string
}

// FraudScorer never returns an error: failures come back as FraudFlagged.
type FraudScorer interface {
	Score(ctx context.Context, p *Payment) FraudResult
}

// ProcessorStatus is the processor-reported state of a submitted payment.
type ProcessorStatus string

const (
	ProcessorSucceeded      ProcessorStatus = "succeeded"
	ProcessorPending        ProcessorStatus = "pending"
	ProcessorRequiresAction ProcessorStatus = "requires_action"
	ProcessorFailed         ProcessorStatus = "failed"
)

type SubmissionOutcome struct {
	ExternalID        string
	Status            ProcessorStatus
	RequiresAction    bool
	ClientActionToken string
	FailureMessage    string
}

type RefundOutcome struct {
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
}

type Processor interface {
	CreateCharge(ctx context.Context, p *Payment) (SubmissionOutcome, error)
	CreateTransfer(ctx context.Context, p *Payment, destination string) (SubmissionOutcome, error)
	Refund(ctx context.Context, externalID string, amountCents *int64, reason string) (RefundOutcome, error)
}

// DestinationResolver finds where a back_office transfer goes.
type DestinationResolver interface {
	DestinationAccount(ctx context.Context, p *Payment) (string, error)
}

// ManualQueue takes submissions the processor could not accept right now.
type ManualQueue interface {
	Enqueue(ctx context.Context, paymentID uuid.UUID, reason string) error
}

// StateChange is emitted after every committed mutation.
type StateChange struct {
	Payment    *Payment
	Previous   *Status
	Action     string
	Actor      Actor
	Note       string
	OccurredAt time.Time
}

type NotificationTemplate string

const (
	NotifyApproved  NotificationTemplate = "payment.approved"
	NotifyCompleted NotificationTemplate = "payment.completed"
	NotifyFailed    NotificationTemplate = "payment.failed"
)

type EventPublisher interface {
	PaymentChanged(ctx context.Context, change StateChange) error
	Notify(ctx context.Context, template NotificationTemplate, p *Payment) error
}

type submissionKey struct{}

// WithSubmission tags ctx with the payment being sent to the processor so
// fallbacks can tell which payment they are standing in for.
func WithSubmission(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, submissionKey{}, id)
}

func SubmissionFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(submissionKey{}).(uuid.UUID)
	return id, ok
}

// MetadataDestinations resolves the destination from the payment's own
// metadata, as supplied at creation.
type MetadataDestinations struct{}

func (MetadataDestinations) DestinationAccount(_ context.Context, p *Payment) (string, error) {
	if acct, ok := p.Metadata[MetadataDestinationAccount].(string); ok && acct != "" {
		return acct, nil
	}
	return "", errs.Validation("missing_destination_account",
		"back_office payments need a destination account")
}
