// payment-core/internal/processor/adapter.go
package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/payment-core/internal/payment"
	"github.com/example/payment-core/internal/resilience"
	errs "github.com/example/payment-core/pkg/errors"
	m "github.com/example/payment-core/pkg/metrics"
)

const dependency = "processor"

// Adapter is the payment.Processor the service talks to. Every attempt runs
// through the processor breaker; the retry loop sits outside it.
type Adapter struct {
	clients *ClientHolder
	breaker *resilience.Breaker
	retry   resilience.Policy
	log     *zap.Logger
}

func NewAdapter(clients *ClientHolder, breaker *resilience.Breaker, retry resilience.Policy, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{clients: clients, breaker: breaker, retry: retry, log: log.Named("processor")}
	onRetry := retry.OnRetry
	a.retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		m.IncRetry(dependency)
		a.log.Warn("retrying processor call",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}
	return a
}

// BreakerConfig returns the processor breaker settings: permanent rejections
// say nothing about processor health and are not counted.
func BreakerConfig(base resilience.Config) resilience.Config {
	base.Name = dependency
	base.IsFailure = IsBreakerFailure
	return base
}

func IsBreakerFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch errs.KindOf(err) {
	case errs.KindValidation, errs.KindPaymentFailed:
		return false
	}
	return true
}

// Retryable reports 5xx, network and timeout failures. Breaker rejections
// and fallbacks are final.
func Retryable(err error) bool {
	return errs.CodeOf(err) == CodeTransient || errs.IsKind(err, errs.KindTimeout)
}

func ChargeKey(id uuid.UUID) string { return "payment-" + id.String() }

func RefundKey(externalID string, amountCents *int64) string {
	amount := "full"
	if amountCents != nil {
		amount = strconv.FormatInt(*amountCents, 10)
	}
	return "refund-" + externalID + "-" + amount
}

func (a *Adapter) CreateCharge(ctx context.Context, p *payment.Payment) (payment.SubmissionOutcome, error) {
	if p.PayerType != payment.PayerDriverIC {
		return payment.SubmissionOutcome{}, errs.Validation("wrong_payer_type",
			fmt.Sprintf("charges are for driver_ic payments, got %s", p.PayerType))
	}
	req := ChargeRequest{
		PaymentID:      p.ID,
		AmountCents:    p.AmountCents,
		Currency:       p.Currency,
		Description:    "incident " + p.IncidentID,
		IdempotencyKey: ChargeKey(p.ID),
		Metadata:       paymentMetadata(p),
	}
	if p.PayerID != nil {
		req.CustomerID = *p.PayerID
	}
	if pm, ok := p.Metadata[metadataPaymentMethod].(string); ok {
		req.PaymentMethod = pm
	}

	res, err := run(ctx, a, "charge", func(ctx context.Context, gw Gateway) (ChargeResult, error) {
		return gw.CreateCharge(ctx, req)
	})
	if err != nil {
		return payment.SubmissionOutcome{}, err
	}
	return payment.SubmissionOutcome{
		ExternalID:        res.ExternalID,
		Status:            res.Status,
		RequiresAction:    res.RequiresAction,
		ClientActionToken: res.ClientActionToken,
		FailureMessage:    res.FailureMessage,
	}, nil
}

func (a *Adapter) CreateTransfer(ctx context.Context, p *payment.Payment, destination string) (payment.SubmissionOutcome, error) {
	if p.PayerType != payment.PayerBackOffice {
		return payment.SubmissionOutcome{}, errs.Validation("wrong_payer_type",
			fmt.Sprintf("transfers are for back_office payments, got %s", p.PayerType))
	}
	if destination == "" {
		return payment.SubmissionOutcome{}, errs.Validation("missing_destination_account",
			"transfer needs a destination account")
	}
	req := TransferRequest{
		PaymentID:      p.ID,
		AmountCents:    p.AmountCents,
		Currency:       p.Currency,
		Destination:    destination,
		Group:          p.IncidentID,
		IdempotencyKey: ChargeKey(p.ID),
		Metadata:       paymentMetadata(p),
	}
	res, err := run(ctx, a, "transfer", func(ctx context.Context, gw Gateway) (TransferResult, error) {
		return gw.CreateTransfer(ctx, req)
	})
	if err != nil {
		return payment.SubmissionOutcome{}, err
	}
	return payment.SubmissionOutcome{ExternalID: res.ExternalID, Status: res.Status}, nil
}

func (a *Adapter) Refund(ctx context.Context, externalID string, amountCents *int64, reason string) (payment.RefundOutcome, error) {
	req := RefundRequest{
		ExternalID:     externalID,
		AmountCents:    amountCents,
		Reason:         reason,
		IdempotencyKey: RefundKey(externalID, amountCents),
	}
	if id, ok := payment.SubmissionFrom(ctx); ok {
		req.Metadata = map[string]string{"payment_id": id.String()}
	}
	res, err := run(ctx, a, "refund", func(ctx context.Context, gw Gateway) (RefundResult, error) {
		return gw.Refund(ctx, req)
	})
	if err != nil {
		return payment.RefundOutcome{}, err
	}
	return payment.RefundOutcome{ExternalID: res.ExternalID, Status: res.Status}, nil
}

func run[T any](ctx context.Context, a *Adapter, op string, fn func(context.Context, Gateway) (T, error)) (T, error) {
	var out T
	start := time.Now()
	err := resilience.Do(ctx, a.retry, Retryable, func(ctx context.Context) error {
		v, err := resilience.Call(ctx, a.breaker, func(ctx context.Context) (T, error) {
			return fn(ctx, a.clients.Gateway())
		})
		if err == nil {
			out = v
		}
		return err
	})
	m.IncProcessorCall(op, outcome(err))
	if err != nil {
		a.log.Warn("processor call failed",
			zap.String("operation", op),
			zap.String("code", errs.CodeOf(err)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
	}
	return out, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errs.CodeOf(err) == resilience.CodeCircuitOpen, errs.CodeOf(err) == payment.CodeQueuedManual:
		return "rejected"
	case errs.IsKind(err, errs.KindPaymentFailed), errs.IsKind(err, errs.KindValidation):
		return "declined"
	default:
		return "error"
	}
}

func paymentMetadata(p *payment.Payment) map[string]string {
	return map[string]string{
		"payment_id":  p.ID.String(),
		"incident_id": p.IncidentID,
		"vendor_id":   p.VendorID,
	}
}
