package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/payment-core/internal/payment"
	"github.com/example/payment-core/internal/resilience"
	errs "github.com/example/payment-core/pkg/errors"
)

// fakeGateway replays the first result seen for an idempotency key, the way
// the real processor does.
type fakeGateway struct {
	mu          sync.Mutex
	failures    []error
	attempts    int
	sideEffects int
	keys        []string
	byKey       map[string]string
}

func newFakeGateway(failures ...error) *fakeGateway {
	return &fakeGateway{failures: failures, byKey: map[string]string{}}
}

func (g *fakeGateway) next(key, prefix string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts++
	g.keys = append(g.keys, key)
	if len(g.failures) > 0 {
		err := g.failures[0]
		g.failures = g.failures[1:]
		return "", err
	}
	if id, ok := g.byKey[key]; ok {
		return id, nil
	}
	g.sideEffects++
	id := prefix + uuid.NewString()[:8]
	g.byKey[key] = id
	return id, nil
}

func (g *fakeGateway) CreateCharge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	id, err := g.next(req.IdempotencyKey, "pi_")
	return ChargeResult{ExternalID: id, Status: payment.ProcessorSucceeded}, err
}

func (g *fakeGateway) CreateTransfer(_ context.Context, req TransferRequest) (TransferResult, error) {
	id, err := g.next(req.IdempotencyKey, "tr_")
	return TransferResult{ExternalID: id, Status: payment.ProcessorSucceeded}, err
}

func (g *fakeGateway) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	id, err := g.next(req.IdempotencyKey, "re_")
	return RefundResult{ExternalID: id, Status: "succeeded"}, err
}

func newAdapter(t *testing.T, gw Gateway, opts ...resilience.Option) *Adapter {
	t.Helper()
	breaker := resilience.NewBreaker(BreakerConfig(resilience.Config{
		FailureRate:  0.5,
		MinimumCalls: 4,
		ResetTimeout: time.Hour,
	}), opts...)
	retry := resilience.DefaultPolicy()
	retry.Sleep = func(context.Context, time.Duration) error { return nil }
	holder := NewClientHolder("sk_test", func(string) Gateway { return gw })
	return NewAdapter(holder, breaker, retry, zaptest.NewLogger(t))
}

func driverPayment() *payment.Payment {
	payer := "cus_123"
	return &payment.Payment{
		ID:          uuid.New(),
		IncidentID:  "inc-1",
		VendorID:    "v-1",
		PayerType:   payment.PayerDriverIC,
		PayerID:     &payer,
		AmountCents: 18500,
		Currency:    "USD",
		Metadata:    map[string]any{},
	}
}

func transient() error { return errs.Unavailable(CodeTransient, "502 bad gateway") }

func TestAdapter_ResubmitHasOneSideEffect(t *testing.T) {
	gw := newFakeGateway()
	a := newAdapter(t, gw)
	p := driverPayment()

	first, err := a.CreateCharge(context.Background(), p)
	require.NoError(t, err)
	second, err := a.CreateCharge(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, first.ExternalID, second.ExternalID)
	assert.Equal(t, 1, gw.sideEffects)
	assert.Equal(t, []string{ChargeKey(p.ID), ChargeKey(p.ID)}, gw.keys)
}

func TestAdapter_RetriesTransientWithSameKey(t *testing.T) {
	gw := newFakeGateway(transient(), transient())
	a := newAdapter(t, gw)
	p := driverPayment()

	out, err := a.CreateCharge(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, payment.ProcessorSucceeded, out.Status)
	assert.Equal(t, 3, gw.attempts)
	for _, k := range gw.keys {
		assert.Equal(t, "payment-"+p.ID.String(), k)
	}
}

func TestAdapter_PermanentNotRetried(t *testing.T) {
	gw := newFakeGateway(errs.PaymentFailed("card_declined", "declined"))
	a := newAdapter(t, gw)

	_, err := a.CreateCharge(context.Background(), driverPayment())
	assert.True(t, errs.IsKind(err, errs.KindPaymentFailed))
	assert.Equal(t, 1, gw.attempts)
	assert.Equal(t, resilience.StateClosed, a.breaker.State())
}

func TestAdapter_ExhaustedRetriesReturnLastError(t *testing.T) {
	gw := newFakeGateway(transient(), transient(), transient(), transient(), transient())
	a := newAdapter(t, gw)

	_, err := a.CreateCharge(context.Background(), driverPayment())
	assert.Equal(t, CodeTransient, errs.CodeOf(err))
	assert.Equal(t, 4, gw.attempts)
}

func TestAdapter_OpenBreakerUsesFallback(t *testing.T) {
	var fallbackFor []uuid.UUID
	fallback := resilience.WithFallback(func(ctx context.Context, cause error) error {
		if id, ok := payment.SubmissionFrom(ctx); ok {
			fallbackFor = append(fallbackFor, id)
		}
		return errs.Wrap(errs.KindUnavailable, payment.CodeQueuedManual, "queued", cause)
	})
	gw := newFakeGateway(transient(), transient(), transient(), transient())
	a := newAdapter(t, gw, fallback)

	p := driverPayment()
	ctx := payment.WithSubmission(context.Background(), p.ID)
	_, err := a.CreateCharge(ctx, p)
	require.Error(t, err)
	require.Equal(t, resilience.StateOpen, a.breaker.State())

	_, err = a.CreateCharge(ctx, p)
	assert.Equal(t, payment.CodeQueuedManual, errs.CodeOf(err))
	assert.Equal(t, 4, gw.attempts, "open breaker must not reach the gateway")
	assert.Equal(t, []uuid.UUID{p.ID}, fallbackFor)
}

func TestAdapter_TransferValidation(t *testing.T) {
	a := newAdapter(t, newFakeGateway())
	p := driverPayment()

	_, err := a.CreateTransfer(context.Background(), p, "acct_1")
	assert.Equal(t, "wrong_payer_type", errs.CodeOf(err))

	p.PayerType = payment.PayerBackOffice
	_, err = a.CreateTransfer(context.Background(), p, "")
	assert.Equal(t, "missing_destination_account", errs.CodeOf(err))

	out, err := a.CreateTransfer(context.Background(), p, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, payment.ProcessorSucceeded, out.Status)
}

func TestRefundKeyStable(t *testing.T) {
	amount := int64(3500)
	assert.Equal(t, "refund-pi_1-full", RefundKey("pi_1", nil))
	assert.Equal(t, "refund-pi_1-3500", RefundKey("pi_1", &amount))

	gw := newFakeGateway(transient())
	a := newAdapter(t, gw)
	_, err := a.Refund(context.Background(), "pi_1", &amount, "requested_by_customer")
	require.NoError(t, err)
	assert.Equal(t, []string{"refund-pi_1-3500", "refund-pi_1-3500"}, gw.keys)
}

func TestClientHolder_Rotate(t *testing.T) {
	var built []string
	h := NewClientHolder("sk_old", func(key string) Gateway {
		built = append(built, key)
		return newFakeGateway()
	})
	first := h.Gateway()
	assert.Same(t, first, h.Gateway())

	h.Rotate("sk_new")
	assert.NotSame(t, first, h.Gateway())
	assert.Equal(t, []string{"sk_old", "sk_new"}, built)
}
