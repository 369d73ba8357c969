// payment-core/internal/processor/stripe.go
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"

	"github.com/example/payment-core/internal/payment"
	errs "github.com/example/payment-core/pkg/errors"
)

const CodeTransient = "processor_transient"

const metadataPaymentMethod = "payment_method"

type StripeOptions struct {
	// URL overrides the API base, for stripe-mock or a regional proxy.
	URL         string
	HTTPTimeout time.Duration
	Logger      *zap.Logger
}

type StripeGateway struct {
	api *client.API
}

// NewStripeGateway builds a client with SDK retries disabled; retries are
// owned by the adapter so the breaker sees every attempt.
func NewStripeGateway(apiKey string, opts StripeOptions) *StripeGateway {
	cfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		HTTPClient:        &http.Client{Timeout: opts.HTTPTimeout},
	}
	if opts.URL != "" {
		cfg.URL = stripe.String(strings.TrimRight(opts.URL, "/"))
	}
	if opts.Logger != nil {
		cfg.LeveledLogger = opts.Logger.Named("stripe").Sugar()
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)

	api := &client.API{}
	api.Init(apiKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &StripeGateway{api: api}
}

// StripeFactory adapts NewStripeGateway to ClientHolder.
func StripeFactory(opts StripeOptions) func(string) Gateway {
	return func(apiKey string) Gateway { return NewStripeGateway(apiKey, opts) }
}

func (g *StripeGateway) CreateCharge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(req.Description),
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if req.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethod)
		params.Confirm = stripe.Bool(true)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return ChargeResult{}, classify(ctx, err)
	}
	return chargeResult(pi), nil
}

func chargeResult(pi *stripe.PaymentIntent) ChargeResult {
	res := ChargeResult{ExternalID: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		res.Status = payment.ProcessorSucceeded
	case stripe.PaymentIntentStatusCanceled:
		res.Status = payment.ProcessorFailed
		res.FailureMessage = "canceled_by_processor"
	case stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresPaymentMethod:
		res.Status = payment.ProcessorRequiresAction
		res.RequiresAction = true
		res.ClientActionToken = pi.ClientSecret
	default:
		res.Status = payment.ProcessorPending
	}
	if pi.LastPaymentError != nil && res.Status != payment.ProcessorSucceeded {
		res.FailureMessage = pi.LastPaymentError.Msg
	}
	return res
}

func (g *StripeGateway) CreateTransfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.Destination),
	}
	if req.Group != "" {
		params.TransferGroup = stripe.String(req.Group)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return TransferResult{}, classify(ctx, err)
	}
	// A created transfer has moved the funds; reversals arrive as webhooks.
	return TransferResult{ExternalID: tr.ID, Status: payment.ProcessorSucceeded}, nil
}

// Refund refunds a charge, or reverses a transfer when the reference is one.
func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if strings.HasPrefix(req.ExternalID, "tr_") {
		params := &stripe.ReversalParams{Transfer: stripe.String(req.ExternalID)}
		if req.AmountCents != nil {
			params.Amount = stripe.Int64(*req.AmountCents)
		}
		params.Context = ctx
		params.SetIdempotencyKey(req.IdempotencyKey)
		for k, v := range req.Metadata {
			params.AddMetadata(k, v)
		}
		rv, err := g.api.Reversals.New(params)
		if err != nil {
			return RefundResult{}, classify(ctx, err)
		}
		return RefundResult{ExternalID: rv.ID, Status: "succeeded"}, nil
	}

	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.ExternalID)}
	if req.AmountCents != nil {
		params.Amount = stripe.Int64(*req.AmountCents)
	}
	switch req.Reason {
	case string(stripe.RefundReasonDuplicate), string(stripe.RefundReasonFraudulent), string(stripe.RefundReasonRequestedByCustomer):
		params.Reason = stripe.String(req.Reason)
	case "":
	default:
		params.AddMetadata("reason", req.Reason)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	rf, err := g.api.Refunds.New(params)
	if err != nil {
		return RefundResult{}, classify(ctx, err)
	}
	return RefundResult{ExternalID: rf.ID, Status: string(rf.Status)}, nil
}

// classify maps SDK and transport errors onto error kinds. 4xx is permanent
// except 409 and 429, which the processor documents as safe to retry.
func classify(ctx context.Context, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		code := string(se.Code)
		switch {
		case se.HTTPStatusCode == http.StatusPaymentRequired || se.Type == stripe.ErrorTypeCard:
			if se.DeclineCode != "" {
				code = string(se.DeclineCode)
			}
			if code == "" {
				code = "card_declined"
			}
			return errs.Wrap(errs.KindPaymentFailed, code, se.Msg, err)
		case se.HTTPStatusCode == http.StatusConflict || se.HTTPStatusCode == http.StatusTooManyRequests:
			return errs.Wrap(errs.KindUnavailable, CodeTransient, se.Msg, err)
		case se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500:
			if code == "" {
				code = "processor_rejected"
			}
			return errs.Wrap(errs.KindValidation, code, se.Msg, err).With("http_status", se.HTTPStatusCode)
		default:
			return errs.Wrap(errs.KindUnavailable, CodeTransient,
				fmt.Sprintf("processor returned %d", se.HTTPStatusCode), err)
		}
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindTimeout, "processor_timeout", "processor call timed out", err)
	}
	return errs.Wrap(errs.KindUnavailable, CodeTransient, "processor unreachable", err)
}
