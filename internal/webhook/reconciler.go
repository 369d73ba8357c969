// payment-core/internal/webhook/reconciler.go
package webhook

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/payment-core/internal/payment"
	errs "github.com/example/payment-core/pkg/errors"
	m "github.com/example/payment-core/pkg/metrics"
)

// Payments is the part of payment.Service the reconciler drives.
type Payments interface {
	Get(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
	Reconcile(ctx context.Context, id uuid.UUID, target payment.Status, externalRef, reason string) (bool, *payment.Payment, error)
	MarkActionRequired(ctx context.Context, id uuid.UUID, externalRef string) (bool, error)
	RecordRefund(ctx context.Context, id uuid.UUID, actor payment.Actor, note string) error
}

// Lookup resolves a processor object id to a payment.
type Lookup interface {
	FindByExternalRef(ctx context.Context, ref string) (*payment.Payment, error)
}

// Outcomes reported per event.
const (
	OutcomeApplied   = "applied"
	OutcomeNoop      = "noop"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

type Result struct {
	EventID string
	Type    string
	Outcome string
}

type Reconciler struct {
	payments Payments
	lookup   Lookup
	dedup    Deduper
	secret   string
	log      *zap.Logger
}

func NewReconciler(payments Payments, lookup Lookup, dedup Deduper, secret string, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if dedup == nil {
		dedup = NewMemoryDeduper(0)
	}
	return &Reconciler{payments: payments, lookup: lookup, dedup: dedup, secret: secret, log: log.Named("webhook")}
}

// Handle verifies, de-duplicates and applies one delivery. A nil error means
// the delivery may be acknowledged; any error asks the processor to redeliver,
// except signature and payload errors which are permanent.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signature string) (Result, error) {
	if err := Verify(payload, signature, r.secret); err != nil {
		m.IncWebhookEvent("unknown", OutcomeRejected)
		r.log.Warn("rejected webhook", zap.Error(err))
		return Result{Outcome: OutcomeRejected}, err
	}
	ev, err := Parse(payload)
	if err != nil {
		m.IncWebhookEvent("unknown", OutcomeRejected)
		return Result{Outcome: OutcomeRejected}, err
	}
	res := Result{EventID: ev.ID, Type: ev.Type}
	log := r.log.With(zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))

	seen, err := r.dedup.Seen(ctx, ev.ID)
	if err != nil {
		// State guards make a replay harmless, so carry on without dedup.
		log.Warn("dedup check failed", zap.Error(err))
	}
	if seen {
		res.Outcome = OutcomeDuplicate
		m.IncWebhookEvent(ev.Type, res.Outcome)
		log.Debug("duplicate webhook")
		return res, nil
	}

	res.Outcome, err = r.Dispatch(ctx, ev)
	if err != nil {
		res.Outcome = OutcomeError
		m.IncWebhookEvent(ev.Type, res.Outcome)
		log.Error("webhook handling failed", zap.Error(err))
		return res, err
	}
	if err := r.dedup.Mark(ctx, ev.ID); err != nil {
		log.Warn("dedup mark failed", zap.Error(err))
	}
	m.IncWebhookEvent(ev.Type, res.Outcome)
	log.Info("webhook handled", zap.String("outcome", res.Outcome))
	return res, nil
}

// Dispatch applies a parsed event and reports what it did.
func (r *Reconciler) Dispatch(ctx context.Context, ev Event) (string, error) {
	switch ev.Type {
	case PaymentIntentSucceeded, TransferCreated, PayoutPaid:
		return r.reconcile(ctx, ev, payment.StatusCompleted, "")
	case PaymentIntentFailed, PayoutFailed:
		reason := ev.FailureMessage
		if reason == "" {
			reason = "payment_failed"
		}
		return r.reconcile(ctx, ev, payment.StatusFailed, reason)
	case PaymentIntentCanceled:
		return r.reconcile(ctx, ev, payment.StatusFailed, "canceled_by_processor")
	case TransferReversed:
		return r.transferReversed(ctx, ev)
	case PaymentIntentRequiresAction:
		return r.requiresAction(ctx, ev)
	case ChargeRefunded:
		return r.refunded(ctx, ev)
	default:
		return OutcomeIgnored, nil
	}
}

func (r *Reconciler) reconcile(ctx context.Context, ev Event, target payment.Status, reason string) (string, error) {
	p, err := r.find(ctx, ev)
	if err != nil || p == nil {
		return OutcomeIgnored, err
	}
	changed, _, err := r.payments.Reconcile(ctx, p.ID, target, ev.ObjectID, reason)
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeNoop, nil
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) requiresAction(ctx context.Context, ev Event) (string, error) {
	p, err := r.find(ctx, ev)
	if err != nil || p == nil {
		return OutcomeIgnored, err
	}
	changed, err := r.payments.MarkActionRequired(ctx, p.ID, ev.ObjectID)
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeNoop, nil
	}
	return OutcomeApplied, nil
}

// transferReversed fails an in-flight transfer; a reversal of a completed one
// is a refund and only lands in the audit trail.
func (r *Reconciler) transferReversed(ctx context.Context, ev Event) (string, error) {
	p, err := r.find(ctx, ev)
	if err != nil || p == nil {
		return OutcomeIgnored, err
	}
	if p.Status == payment.StatusCompleted {
		note := fmt.Sprintf("transfer %s reversed by processor", ev.ObjectID)
		if err := r.payments.RecordRefund(ctx, p.ID, payment.SystemActor, note); err != nil {
			return "", err
		}
		return OutcomeApplied, nil
	}
	return r.reconcile(ctx, ev, payment.StatusFailed, "transfer_reversed")
}

func (r *Reconciler) refunded(ctx context.Context, ev Event) (string, error) {
	p, err := r.find(ctx, ev)
	if err != nil || p == nil {
		return OutcomeIgnored, err
	}
	if p.Status != payment.StatusCompleted {
		return OutcomeNoop, nil
	}
	note := fmt.Sprintf("charge %s refunded by processor amount_refunded=%d", ev.ObjectID, ev.AmountRefunded)
	if err := r.payments.RecordRefund(ctx, p.ID, payment.SystemActor, note); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// find resolves the payment an event is about: first the payment_id metadata
// we attach to every processor object, then the object or its parent as an
// external reference. (nil, nil) means the event is not ours.
func (r *Reconciler) find(ctx context.Context, ev Event) (*payment.Payment, error) {
	if ev.PaymentID != "" {
		if id, err := uuid.Parse(ev.PaymentID); err == nil {
			p, err := r.payments.Get(ctx, id)
			if err == nil {
				return p, nil
			}
			if !errs.IsKind(err, errs.KindNotFound) {
				return nil, err
			}
		}
	}
	for _, ref := range []string{ev.ObjectID, ev.ParentRef} {
		if ref == "" || r.lookup == nil {
			continue
		}
		p, err := r.lookup.FindByExternalRef(ctx, ref)
		if err == nil {
			return p, nil
		}
		if !errs.IsKind(err, errs.KindNotFound) {
			return nil, err
		}
	}
	r.log.Info("webhook for unknown payment",
		zap.String("event_id", ev.ID),
		zap.String("object_id", ev.ObjectID),
	)
	return nil, nil
}
