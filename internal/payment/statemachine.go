// payment-core/internal/payment/statemachine.go
package payment

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	errs "github.com/example/payment-core/pkg/errors"
)

// transitions is the complete set of legal moves. Anything else is a conflict.
var transitions = map[Status][]Status{
	StatusPendingApproval: {StatusApproved, StatusCancelled},
	StatusApproved:        {StatusProcessing, StatusCancelled},
	StatusProcessing:      {StatusCompleted, StatusFailed},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionRequest is applied under the row lock.
type TransitionRequest struct {
	Target        Status
	Actor         Actor
	Note          string
	ExternalRef   *string
	FailureReason *string
	Metadata      map[string]any
	// Resume accepts a processing payment that never got a processor reference
	// as already claimed. The manual queue relies on it.
	Resume bool
	// RequireFraudClearance refuses approval unless the fraud gate cleared
	// the payment. Checked against the locked row.
	RequireFraudClearance bool
}

func (req TransitionRequest) resumes(p *Payment) bool {
	return req.Resume && req.Target == StatusProcessing &&
		p.Status == StatusProcessing && p.ExternalRef == nil
}

// Mutation is non-status bookkeeping on a live payment.
type Mutation struct {
	FraudScore  *float64
	FraudStatus FraudStatus
	ExternalRef *string
	Metadata    map[string]any
	// Audit, when set, is appended in the same transaction.
	Audit *AuditLogEntry
}

// Apply moves p to req.Target and returns the audit entry to append. Entering
// processing is an in-flight marker and yields no entry of its own.
func Apply(p *Payment, req TransitionRequest, now time.Time) (*AuditLogEntry, error) {
	if req.resumes(p) {
		return nil, nil
	}
	if !CanTransition(p.Status, req.Target) {
		return nil, errs.Conflict("illegal_transition",
			fmt.Sprintf("payment %s cannot move from %s to %s", p.ID, p.Status, req.Target)).
			With("from", string(p.Status)).
			With("to", string(req.Target))
	}
	if req.RequireFraudClearance && req.Target == StatusApproved {
		if err := fraudCleared(p); err != nil {
			return nil, err
		}
	}

	prev := p.Status
	p.Status = req.Target
	p.UpdatedAt = now

	switch req.Target {
	case StatusApproved:
		p.ApprovedBy = strPtr(req.Actor.ID)
		p.ApprovedAt = &now
	case StatusCompleted, StatusFailed:
		p.ProcessedAt = &now
	}
	if req.FailureReason != nil {
		p.FailureReason = cloneStr(req.FailureReason)
	}
	if req.ExternalRef != nil {
		p.ExternalRef = cloneStr(req.ExternalRef)
	}
	mergeMetadata(p, req.Metadata)

	if req.Target == StatusProcessing {
		return nil, nil
	}
	entry := NewAuditEntry(p.ID, auditActionFor(req.Target), req.Actor, &prev, &p.Status, req.Note, now)
	return &entry, nil
}

func fraudCleared(p *Payment) error {
	switch p.FraudStatus {
	case FraudFlagged:
		return errs.FraudDetected("fraud_flagged",
			fmt.Sprintf("payment %s was flagged by fraud screening and needs an admin approver", p.ID))
	case FraudUnscored, "":
		return errs.Conflict("fraud_pending",
			fmt.Sprintf("payment %s has not been scored yet; only an admin may approve it", p.ID))
	}
	return nil
}

// ApplyMutation updates bookkeeping fields. Terminal payments are frozen.
func ApplyMutation(p *Payment, m Mutation, now time.Time) error {
	if p.Status.Terminal() {
		return errs.Conflict("payment_terminal",
			fmt.Sprintf("payment %s is %s and cannot be modified", p.ID, p.Status))
	}
	if m.ExternalRef != nil {
		if p.ExternalRef != nil && *p.ExternalRef != *m.ExternalRef {
			return errs.Conflict("external_ref_mismatch",
				fmt.Sprintf("payment %s already references %s", p.ID, *p.ExternalRef))
		}
		p.ExternalRef = cloneStr(m.ExternalRef)
	}
	if m.FraudScore != nil {
		v := *m.FraudScore
		p.FraudScore = &v
	}
	if m.FraudStatus != "" {
		p.FraudStatus = m.FraudStatus
	}
	mergeMetadata(p, m.Metadata)
	p.UpdatedAt = now
	return nil
}

func NewAuditEntry(paymentID uuid.UUID, action AuditAction, actor Actor, prev, next *Status, note string, now time.Time) AuditLogEntry {
	e := AuditLogEntry{
		ID:        uuid.New(),
		PaymentID: paymentID,
		Action:    action,
		ActorID:   actor.ID,
		ActorType: actor.Type,
		Note:      note,
		CreatedAt: now,
	}
	if prev != nil {
		e.PreviousStatus = statusPtr(*prev)
	}
	if next != nil {
		e.NewStatus = statusPtr(*next)
	}
	return e
}

func auditActionFor(target Status) AuditAction {
	switch target {
	case StatusApproved:
		return AuditApproved
	case StatusCancelled:
		return AuditCancelled
	case StatusCompleted:
		return AuditCompleted
	default:
		return AuditFailed
	}
}

func mergeMetadata(p *Payment, md map[string]any) {
	if len(md) == 0 {
		return
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	for k, v := range md {
		p.Metadata[k] = v
	}
}
