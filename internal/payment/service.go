// payment-core/internal/payment/service.go
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	errs "github.com/example/payment-core/pkg/errors"
	m "github.com/example/payment-core/pkg/metrics"
)

// CodeQueuedManual marks a submission handed to the manual-processing queue.
const CodeQueuedManual = "queued_manual"

// RoleAdmin may approve payments the fraud gate flagged.
const RoleAdmin = "admin"

const metadataActionRequired = "processor_action_required"

type Deps struct {
	Store         Store
	Fraud         FraudScorer
	Processor     Processor
	Destinations  DestinationResolver
	Manual        ManualQueue
	Events        EventPublisher
	ApproverRoles []string
	Logger        *zap.Logger
	Now           func() time.Time
}

type Service struct {
	store        Store
	fraud        FraudScorer
	processor    Processor
	destinations DestinationResolver
	manual       ManualQueue
	events       EventPublisher
	approvers    map[string]bool
	log          *zap.Logger
	now          func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		store:        d.Store,
		fraud:        d.Fraud,
		processor:    d.Processor,
		destinations: d.Destinations,
		manual:       d.Manual,
		events:       d.Events,
		approvers:    map[string]bool{},
		log:          d.Logger,
		now:          d.Now,
	}
	for _, r := range d.ApproverRoles {
		s.approvers[r] = true
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("payments")
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.destinations == nil {
		s.destinations = MetadataDestinations{}
	}
	return s
}

// SubmitResult tells the caller where a submission ended up.
type SubmitResult struct {
	Payment           *Payment `json:"payment"`
	RequiresAction    bool     `json:"requires_action"`
	ClientActionToken string   `json:"client_action_token,omitempty"`
	Queued            bool     `json:"queued_for_manual_processing"`
}

// Create validates and persists a pending payment, then scores it.
func (s *Service) Create(ctx context.Context, in CreateInput, actor Actor) (*Payment, error) {
	p, created, err := NewPayment(in, actor, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, p, created); err != nil {
		return nil, err
	}
	m.IncTransition("new", string(StatusPendingApproval))
	s.log.Info("payment created",
		zap.String("payment_id", p.ID.String()),
		zap.String("vendor_id", p.VendorID),
		zap.Int64("amount_cents", p.AmountCents),
		zap.String("actor_id", actor.ID),
	)
	s.publish(ctx, StateChange{Payment: p, Action: string(AuditCreated), Actor: actor, OccurredAt: created.CreatedAt})

	if s.fraud == nil {
		return p, nil
	}
	res := s.fraud.Score(ctx, p)
	score := res.Score
	scored, err := s.store.Update(ctx, p.ID, Mutation{
		FraudScore:  &score,
		FraudStatus: res.Status,
		Metadata:    fraudMetadata(res),
	})
	if err != nil {
		// Creation already committed; the payment stays unscored and only an
		// admin can approve it.
		s.log.Error("record fraud result", zap.String("payment_id", p.ID.String()), zap.Error(err))
		return p, nil
	}
	return scored, nil
}

func fraudMetadata(res FraudResult) map[string]any {
	if res.Reason == "" {
		return nil
	}
	return map[string]any{"fraud_reason": res.Reason}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Audit(ctx context.Context, id uuid.UUID) ([]AuditLogEntry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, id)
}

func (s *Service) ListPending(ctx context.Context, page Page) ([]*Payment, error) {
	return s.store.ListPending(ctx, page.Normalize())
}

// CanApprove reports whether the actor's role is allowed to approve.
func (s *Service) CanApprove(actor Actor) bool {
	return actor.Type == ActorAdmin || s.approvers[actor.Role]
}

// Approve is the guarded pending_approval -> approved transition. Payments
// the fraud gate has not cleared need an admin.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, approver Actor) (*Payment, error) {
	if !s.CanApprove(approver) {
		return nil, errs.Authorization("forbidden_role",
			fmt.Sprintf("role %q may not approve payments", approver.Role))
	}
	res, err := s.store.Transition(ctx, id, TransitionRequest{
		Target:                StatusApproved,
		Actor:                 approver,
		RequireFraudClearance: !isAdmin(approver),
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, res, approver, "")
	return res.Payment, nil
}

func isAdmin(a Actor) bool { return a.Type == ActorAdmin || a.Role == RoleAdmin }

// Cancel is only reachable from pending_approval or approved.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor Actor, reason string) (*Payment, error) {
	res, err := s.store.Transition(ctx, id, TransitionRequest{
		Target: StatusCancelled,
		Actor:  actor,
		Note:   reason,
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, res, actor, reason)
	return res.Payment, nil
}

// Submit claims an approved payment for processing and sends it to the
// processor. The row lock is released before the outbound call. A payment
// already processing is a conflict.
func (s *Service) Submit(ctx context.Context, id uuid.UUID) (SubmitResult, error) {
	return s.submit(ctx, id, false)
}

// Resume is Submit for the manual queue: a processing payment that never got
// a processor reference is sent again under the same idempotency key.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (SubmitResult, error) {
	return s.submit(ctx, id, true)
}

func (s *Service) submit(ctx context.Context, id uuid.UUID, resume bool) (SubmitResult, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return SubmitResult{}, err
	}
	log := s.log.With(zap.String("payment_id", id.String()), zap.String("payer_type", string(current.PayerType)))

	var destination string
	if current.PayerType == PayerBackOffice && !current.Status.Terminal() {
		destination, err = s.destinations.DestinationAccount(ctx, current)
		if err != nil {
			return s.claimFailed(ctx, current, err, resume, log)
		}
	}

	claim, err := s.store.Transition(ctx, id, TransitionRequest{
		Target: StatusProcessing,
		Actor:  SystemActor,
		Resume: resume,
	})
	if err != nil {
		return s.claimFailed(ctx, current, err, resume, log)
	}
	if claim.Changed() {
		s.committed(ctx, claim, SystemActor, "")
	}
	p := claim.Payment

	subCtx := WithSubmission(ctx, p.ID)
	var out SubmissionOutcome
	switch p.PayerType {
	case PayerDriverIC:
		out, err = s.processor.CreateCharge(subCtx, p)
	default:
		out, err = s.processor.CreateTransfer(subCtx, p, destination)
	}

	if err != nil {
		return s.submissionFailed(ctx, p, err, log)
	}

	switch out.Status {
	case ProcessorSucceeded:
		done, err := s.finish(ctx, p.ID, StatusCompleted, out.ExternalID, "", fmt.Sprintf("processor reference %s", out.ExternalID))
		if err != nil {
			return SubmitResult{}, err
		}
		log.Info("payment completed synchronously", zap.String("external_ref", out.ExternalID))
		return SubmitResult{Payment: done}, nil
	case ProcessorFailed:
		reason := out.FailureMessage
		if reason == "" {
			reason = "processor_declined"
		}
		done, err := s.finish(ctx, p.ID, StatusFailed, out.ExternalID, reason, fmt.Sprintf("processor reference %s", out.ExternalID))
		if err != nil {
			return SubmitResult{}, err
		}
		log.Warn("payment declined by processor", zap.String("reason", reason))
		return SubmitResult{Payment: done}, nil
	default:
		ref := out.ExternalID
		mut := Mutation{ExternalRef: &ref}
		if out.RequiresAction {
			mut.Metadata = map[string]any{metadataActionRequired: true}
		}
		updated, err := s.store.Update(ctx, p.ID, mut)
		if err != nil {
			return SubmitResult{}, err
		}
		log.Info("payment awaiting processor outcome",
			zap.String("external_ref", ref),
			zap.Bool("requires_action", out.RequiresAction),
		)
		return SubmitResult{
			Payment:           updated,
			RequiresAction:    out.RequiresAction,
			ClientActionToken: out.ClientActionToken,
		}, nil
	}
}

// claimFailed handles errors before the payment was claimed. A transient
// failure parks an approved payment on the manual queue so it is not left
// approved with nobody retrying it. The manual queue itself gets the error
// back and retries with backoff.
func (s *Service) claimFailed(ctx context.Context, p *Payment, cause error, resume bool, log *zap.Logger) (SubmitResult, error) {
	switch errs.KindOf(cause) {
	case errs.KindUnavailable, errs.KindTimeout, errs.KindInternal:
	default:
		return SubmitResult{}, cause
	}
	if resume || s.manual == nil || p.Status != StatusApproved {
		return SubmitResult{}, cause
	}
	if err := s.manual.Enqueue(ctx, p.ID, errs.CodeOf(cause)); err != nil {
		log.Error("enqueue manual processing", zap.Error(err), zap.NamedError("cause", cause))
		return SubmitResult{}, cause
	}
	log.Warn("submission could not start, payment queued for manual processing", zap.Error(cause))
	return SubmitResult{Payment: p, Queued: true}, nil
}

func (s *Service) submissionFailed(ctx context.Context, p *Payment, cause error, log *zap.Logger) (SubmitResult, error) {
	switch errs.KindOf(cause) {
	case errs.KindValidation, errs.KindPaymentFailed:
		done, err := s.finish(ctx, p.ID, StatusFailed, "", errs.CodeOf(cause), cause.Error())
		if err != nil {
			return SubmitResult{}, err
		}
		log.Warn("processor rejected payment", zap.Error(cause))
		return SubmitResult{Payment: done}, nil
	}

	if errs.CodeOf(cause) == CodeQueuedManual {
		log.Warn("processor unavailable, payment queued for manual processing", zap.Error(cause))
		return SubmitResult{Payment: p, Queued: true}, nil
	}

	// Retries exhausted. The payment stays processing without a reference and
	// the manual queue resubmits it under the same idempotency key.
	if s.manual == nil {
		return SubmitResult{}, cause
	}
	if err := s.manual.Enqueue(ctx, p.ID, errs.CodeOf(cause)); err != nil {
		log.Error("enqueue manual processing", zap.Error(err), zap.NamedError("cause", cause))
		return SubmitResult{}, cause
	}
	log.Warn("processor call failed, payment queued for manual processing", zap.Error(cause))
	return SubmitResult{Payment: p, Queued: true}, nil
}

// finish moves a processing payment to a terminal status. A concurrent webhook
// may have finished it first, in which case the current state is returned.
func (s *Service) finish(ctx context.Context, id uuid.UUID, target Status, externalRef, reason, note string) (*Payment, error) {
	req := TransitionRequest{Target: target, Actor: SystemActor, Note: note}
	if externalRef != "" {
		req.ExternalRef = &externalRef
	}
	if reason != "" {
		req.FailureReason = &reason
	}
	res, err := s.store.Transition(ctx, id, req)
	if err != nil {
		if errs.IsKind(err, errs.KindConflict) {
			if current, gerr := s.store.Get(ctx, id); gerr == nil && current.Status.Terminal() {
				return current, nil
			}
		}
		return nil, err
	}
	s.committed(ctx, res, SystemActor, note)
	return res.Payment, nil
}

// Reconcile applies an asynchronous processor outcome. It only acts when the
// payment is still processing; anything else is a replay or out of order and
// reports changed=false.
func (s *Service) Reconcile(ctx context.Context, id uuid.UUID, target Status, externalRef, reason string) (bool, *Payment, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return false, nil, err
	}
	if current.Status != StatusProcessing {
		return false, current, nil
	}
	req := TransitionRequest{
		Target: target,
		Actor:  SystemActor,
		Note:   "processor webhook",
	}
	if externalRef != "" && current.ExternalRef == nil {
		req.ExternalRef = &externalRef
	}
	if reason != "" {
		req.FailureReason = &reason
	}
	res, err := s.store.Transition(ctx, id, req)
	if err != nil {
		if errs.IsKind(err, errs.KindConflict) {
			// Lost a race with the synchronous path or another delivery.
			latest, gerr := s.store.Get(ctx, id)
			if gerr != nil {
				return false, nil, gerr
			}
			return false, latest, nil
		}
		return false, nil, err
	}
	s.committed(ctx, res, SystemActor, req.Note)
	return true, res.Payment, nil
}

// MarkActionRequired records that the processor is waiting on the payer.
func (s *Service) MarkActionRequired(ctx context.Context, id uuid.UUID, externalRef string) (bool, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if current.Status != StatusProcessing {
		return false, nil
	}
	if flagged, _ := current.Metadata[metadataActionRequired].(bool); flagged {
		return false, nil
	}
	mut := Mutation{Metadata: map[string]any{metadataActionRequired: true}}
	if externalRef != "" && current.ExternalRef == nil {
		mut.ExternalRef = &externalRef
	}
	if _, err := s.store.Update(ctx, id, mut); err != nil {
		return false, err
	}
	return true, nil
}

// RecordRefund appends a refund entry to a completed payment's audit trail.
func (s *Service) RecordRefund(ctx context.Context, id uuid.UUID, actor Actor, note string) error {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	st := current.Status
	entry := NewAuditEntry(id, AuditRefundRequested, actor, &st, &st, note, s.now())
	return s.store.AppendAudit(ctx, entry)
}

// Refund refunds all or part of a completed payment.
func (s *Service) Refund(ctx context.Context, id uuid.UUID, amountCents *int64, reason string, actor Actor) (RefundOutcome, error) {
	if !isAdmin(actor) {
		return RefundOutcome{}, errs.Authorization("forbidden_role", "only admins may refund payments")
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return RefundOutcome{}, err
	}
	if p.Status != StatusCompleted || p.ExternalRef == nil {
		return RefundOutcome{}, errs.Conflict("not_refundable",
			fmt.Sprintf("payment %s is %s and cannot be refunded", id, p.Status))
	}
	if amountCents != nil && (*amountCents <= 0 || *amountCents > p.AmountCents) {
		return RefundOutcome{}, errs.Validation("invalid_refund_amount",
			fmt.Sprintf("refund amount must be in (0, %d]", p.AmountCents))
	}

	out, err := s.processor.Refund(WithSubmission(ctx, id), *p.ExternalRef, amountCents, reason)
	if err != nil {
		return RefundOutcome{}, err
	}

	amount := p.AmountCents
	if amountCents != nil {
		amount = *amountCents
	}
	note := fmt.Sprintf("refund %s amount_cents=%d", out.ExternalID, amount)
	if reason != "" {
		note += " reason=" + reason
	}
	if err := s.RecordRefund(ctx, id, actor, note); err != nil {
		// The processor already accepted the refund; retrying the request is
		// safe because the refund idempotency key is deterministic.
		return RefundOutcome{}, err
	}
	s.log.Info("refund requested",
		zap.String("payment_id", id.String()),
		zap.String("refund_id", out.ExternalID),
		zap.Int64("amount_cents", amount),
	)
	return out, nil
}

// committed emits events for a committed transition. Publishing never
// undoes committed state.
func (s *Service) committed(ctx context.Context, res TransitionResult, actor Actor, note string) {
	p := res.Payment
	prev := res.Previous
	m.IncTransition(string(prev), string(p.Status))

	action := string(p.Status)
	if res.Audit != nil {
		action = string(res.Audit.Action)
	}
	s.publish(ctx, StateChange{
		Payment:    p,
		Previous:   &prev,
		Action:     action,
		Actor:      actor,
		Note:       note,
		OccurredAt: p.UpdatedAt,
	})

	var tpl NotificationTemplate
	switch p.Status {
	case StatusApproved:
		tpl = NotifyApproved
	case StatusCompleted:
		tpl = NotifyCompleted
	case StatusFailed:
		tpl = NotifyFailed
	default:
		return
	}
	if s.events == nil {
		return
	}
	if err := s.events.Notify(ctx, tpl, p); err != nil {
		s.log.Error("publish notification",
			zap.String("payment_id", p.ID.String()),
			zap.String("template", string(tpl)),
			zap.Error(err),
		)
	}
}

func (s *Service) publish(ctx context.Context, change StateChange) {
	if s.events == nil {
		return
	}
	if err := s.events.PaymentChanged(ctx, change); err != nil {
		s.log.Error("publish state change",
			zap.String("payment_id", change.Payment.ID.String()),
			zap.String("action", change.Action),
			zap.Error(err),
		)
	}
}
