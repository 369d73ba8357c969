package payment_test

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/example/payment-core/internal/payment"
	errs "github.com/example/payment-core/pkg/errors"
)

type stubFraud struct{ res payment.FraudResult }

func (s stubFraud) Score(context.Context, *payment.Payment) payment.FraudResult { return s.res }

type blockingFraud struct {
	started chan struct{}
	release chan struct{}
	res     payment.FraudResult
}

func (b *blockingFraud) Score(context.Context, *payment.Payment) payment.FraudResult {
	close(b.started)
	<-b.release
	return b.res
}

// failingUpdates rejects bookkeeping writes.
type failingUpdates struct {
	payment.Store
}

func (f *failingUpdates) Update(context.Context, uuid.UUID, payment.Mutation) (*payment.Payment, error) {
	return nil, errs.Unavailable("db_unavailable", "connection reset")
}

type downDestinations struct{}

func (downDestinations) DestinationAccount(context.Context, *payment.Payment) (string, error) {
	return "", errs.Unavailable("directory_unavailable", "vendor directory returned 503")
}

type fakeProcessor struct {
	mu        sync.Mutex
	charge    func(*payment.Payment) (payment.SubmissionOutcome, error)
	transfer  func(*payment.Payment, string) (payment.SubmissionOutcome, error)
	refund    func(string, *int64) (payment.RefundOutcome, error)
	calls     int
	lastDest  string
	submitted []uuid.UUID
}

func (f *fakeProcessor) CreateCharge(ctx context.Context, p *payment.Payment) (payment.SubmissionOutcome, error) {
	f.record(ctx, "")
	if f.charge == nil {
		return payment.SubmissionOutcome{ExternalID: "pi_" + p.ID.String(), Status: payment.ProcessorSucceeded}, nil
	}
	return f.charge(p)
}

func (f *fakeProcessor) CreateTransfer(ctx context.Context, p *payment.Payment, dest string) (payment.SubmissionOutcome, error) {
	f.record(ctx, dest)
	if f.transfer == nil {
		return payment.SubmissionOutcome{ExternalID: "tr_" + p.ID.String(), Status: payment.ProcessorSucceeded}, nil
	}
	return f.transfer(p, dest)
}

func (f *fakeProcessor) Refund(_ context.Context, externalID string, amount *int64, _ string) (payment.RefundOutcome, error) {
	if f.refund == nil {
		return payment.RefundOutcome{ExternalID: "re_" + externalID, Status: "succeeded"}, nil
	}
	return f.refund(externalID, amount)
}

func (f *fakeProcessor) record(ctx context.Context, dest string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastDest = dest
	if id, ok := payment.SubmissionFrom(ctx); ok {
		f.submitted = append(f.submitted, id)
	}
}

type recordingEvents struct {
	mu            sync.Mutex
	changes       []payment.StateChange
	notifications []payment.NotificationTemplate
}

func (r *recordingEvents) PaymentChanged(_ context.Context, c payment.StateChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

func (r *recordingEvents) Notify(_ context.Context, tpl payment.NotificationTemplate, _ *payment.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, tpl)
	return nil
}

func (r *recordingEvents) count(tpl payment.NotificationTemplate) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.notifications {
		if t == tpl {
			n++
		}
	}
	return n
}

type fakeManual struct {
	mu     sync.Mutex
	queued []uuid.UUID
	err    error
}

func (f *fakeManual) Enqueue(_ context.Context, id uuid.UUID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.queued = append(f.queued, id)
	return nil
}
