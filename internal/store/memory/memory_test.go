package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/payment-core/internal/payment"
	errs "github.com/example/payment-core/pkg/errors"
)

func seed(t *testing.T, s *Store, vendor string, at time.Time) *payment.Payment {
	t.Helper()
	p, created, err := payment.NewPayment(payment.CreateInput{
		IncidentID:  "inc-1",
		VendorID:    vendor,
		PayerType:   payment.PayerDriverIC,
		AmountCents: 1000,
		LineItems:   []payment.LineItemInput{{Description: "Labour", Quantity: 2, UnitPriceCents: 500}},
	}, payment.Actor{ID: "u", Type: payment.ActorUser}, at)
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), p, created))
	return p
}

func TestStore_RejectedTransitionLeavesRow(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seed(t, s, "v", time.Now())

	_, err := s.Transition(ctx, p.ID, payment.TransitionRequest{Target: payment.StatusCompleted, Actor: payment.SystemActor})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConflict))

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPendingApproval, got.Status)

	audit, err := s.ListAudit(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seed(t, s, "v", time.Now())

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	got.Metadata["tampered"] = true
	got.Status = payment.StatusCompleted

	again, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.NotContains(t, again.Metadata, "tampered")
	assert.Equal(t, payment.StatusPendingApproval, again.Status)
}

func TestStore_ExternalRefUnique(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := seed(t, s, "v", time.Now())
	b := seed(t, s, "v", time.Now())
	ref := "pi_1"

	_, err := s.Update(ctx, a.ID, payment.Mutation{ExternalRef: &ref})
	require.NoError(t, err)
	_, err = s.Update(ctx, b.ID, payment.Mutation{ExternalRef: &ref})
	assert.True(t, errs.IsKind(err, errs.KindConflict))

	found, err := s.FindByExternalRef(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, a.ID, found.ID)
}

func TestStore_ListPendingOldestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := seed(t, s, "v", base.Add(time.Hour))
	older := seed(t, s, "v", base)
	approved := seed(t, s, "v", base.Add(-time.Hour))
	_, err := s.Transition(ctx, approved.ID, payment.TransitionRequest{Target: payment.StatusApproved, Actor: payment.SystemActor})
	require.NoError(t, err)

	page, err := s.ListPending(ctx, payment.Page{})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, older.ID, page[0].ID)
	assert.Equal(t, newer.ID, page[1].ID)

	page, err = s.ListPending(ctx, payment.Page{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, newer.ID, page[0].ID)

	page, err = s.ListPending(ctx, payment.Page{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestStore_VendorStats(t *testing.T) {
	s := New()
	now := time.Now().UTC()
	seed(t, s, "v1", now.Add(-48*time.Hour))
	seed(t, s, "v1", now)
	seed(t, s, "v2", now)

	st, err := s.VendorStats(context.Background(), "v1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalPayments)
	assert.Equal(t, 1, st.PaymentsSince)
	assert.Equal(t, int64(1000), st.AverageAmountCents)
}

func TestStore_TerminalAcceptsOnlyAudit(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := seed(t, s, "v", time.Now())
	_, err := s.Transition(ctx, p.ID, payment.TransitionRequest{Target: payment.StatusCancelled, Actor: payment.SystemActor})
	require.NoError(t, err)

	_, err = s.Update(ctx, p.ID, payment.Mutation{FraudStatus: payment.FraudLowRisk})
	assert.True(t, errs.IsKind(err, errs.KindConflict))

	st := payment.StatusCancelled
	require.NoError(t, s.AppendAudit(ctx, payment.NewAuditEntry(p.ID, payment.AuditRefundRequested, payment.SystemActor, &st, &st, "", time.Now())))
	audit, err := s.ListAudit(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 3)
}
