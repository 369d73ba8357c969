// payment-core/internal/payment/store.go
package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TransitionResult is what a committed transition produced.
type TransitionResult struct {
	Payment  *Payment
	Previous Status
	// Audit is nil when the move was an in-flight marker or a resume.
	Audit *AuditLogEntry
}

// Changed is false when a resume left the row untouched.
func (r TransitionResult) Changed() bool {
	return r.Payment != nil && r.Payment.Status != r.Previous
}

// Store persists payments. Implementations serialize Transition and Update per
// payment with an exclusive row lock held only for the local read-modify-write.
type Store interface {
	// Create writes the payment, its line items and the created entry atomically.
	Create(ctx context.Context, p *Payment, created AuditLogEntry) error
	Get(ctx context.Context, id uuid.UUID) (*Payment, error)
	Transition(ctx context.Context, id uuid.UUID, req TransitionRequest) (TransitionResult, error)
	Update(ctx context.Context, id uuid.UUID, m Mutation) (*Payment, error)
	// AppendAudit is the only write allowed against a terminal payment.
	AppendAudit(ctx context.Context, entry AuditLogEntry) error
	ListAudit(ctx context.Context, id uuid.UUID) ([]AuditLogEntry, error)
	// ListPending returns pending_approval payments oldest first.
	ListPending(ctx context.Context, page Page) ([]*Payment, error)
	FindByExternalRef(ctx context.Context, ref string) (*Payment, error)
	VendorStats(ctx context.Context, vendorID string, since time.Time) (VendorStats, error)
	Ping(ctx context.Context) error
}
