package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/payment-core/internal/payment"
	errs "github.com/example/payment-core/pkg/errors"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PAYMENTS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PAYMENTS_TEST_DATABASE_URL not set")
	}
	s := New(dsn, WithMaxConns(8))
	t.Cleanup(s.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Migrate(ctx))
	return s
}

func newPayment(t *testing.T, s *Store, vendor string) *payment.Payment {
	t.Helper()
	p, created, err := payment.NewPayment(payment.CreateInput{
		IncidentID:  "inc-pg",
		VendorID:    vendor,
		PayerType:   payment.PayerDriverIC,
		AmountCents: 18500,
		LineItems: []payment.LineItemInput{
			{Description: "Towing", Quantity: 1, UnitPriceCents: 15000},
			{Description: "Fuel", Quantity: 1, UnitPriceCents: 3500},
		},
	}, payment.Actor{ID: "u1", Type: payment.ActorUser}, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), p, created))
	return p
}

func TestStore_Lifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := newPayment(t, s, "vendor-pg-"+time.Now().Format("150405.000000"))

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(18500), got.AmountCents)
	require.Len(t, got.LineItems, 2)
	assert.Equal(t, "Towing", got.LineItems[0].Description)

	approver := payment.Actor{ID: "fm", Type: payment.ActorUser, Role: "finance_manager"}
	res, err := s.Transition(ctx, p.ID, payment.TransitionRequest{Target: payment.StatusApproved, Actor: approver})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPendingApproval, res.Previous)
	require.NotNil(t, res.Payment.ApprovedBy)

	_, err = s.Transition(ctx, p.ID, payment.TransitionRequest{Target: payment.StatusProcessing, Actor: payment.SystemActor})
	require.NoError(t, err)
	ref := "tr_" + p.ID.String()
	_, err = s.Transition(ctx, p.ID, payment.TransitionRequest{
		Target: payment.StatusCompleted, Actor: payment.SystemActor, ExternalRef: &ref,
	})
	require.NoError(t, err)

	byRef, err := s.FindByExternalRef(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byRef.ID)

	_, err = s.Transition(ctx, p.ID, payment.TransitionRequest{Target: payment.StatusCancelled, Actor: approver})
	assert.True(t, errs.IsKind(err, errs.KindConflict))

	audit, err := s.ListAudit(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, audit, 3)
	assert.Equal(t, payment.AuditCreated, audit[0].Action)
	assert.Equal(t, payment.AuditApproved, audit[1].Action)
	assert.Equal(t, payment.AuditCompleted, audit[2].Action)
}

func TestStore_ConcurrentApprove(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := newPayment(t, s, "vendor-race")

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.Transition(ctx, p.ID, payment.TransitionRequest{
				Target: payment.StatusApproved,
				Actor:  payment.Actor{ID: "a", Type: payment.ActorAdmin},
			})
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errs.IsKind(err, errs.KindConflict):
			conflict++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflict)
}

func TestStore_VendorStats(t *testing.T) {
	s := testStore(t)
	vendor := "vendor-stats-" + time.Now().Format("150405.000000")
	newPayment(t, s, vendor)
	newPayment(t, s, vendor)

	st, err := s.VendorStats(context.Background(), vendor, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalPayments)
	assert.Equal(t, 2, st.PaymentsSince)
	assert.Equal(t, int64(18500), st.AverageAmountCents)
}

func TestStore_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.FindByExternalRef(context.Background(), "missing-ref")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}
