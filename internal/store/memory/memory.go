// payment-core/internal/store/memory/memory.go
// Package memory is an in-process payment.Store. A mutex per payment plays the
// role of the row lock; it backs STORE_DRIVER=memory and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/payment-core/internal/payment"
	errs "github.com/example/payment-core/pkg/errors"
)

type row struct {
	mu sync.Mutex
	p  *payment.Payment
}

type Store struct {
	mu    sync.RWMutex
	rows  map[uuid.UUID]*row
	refs  map[string]uuid.UUID
	audit map[uuid.UUID][]payment.AuditLogEntry
	now   func() time.Time
}

func New() *Store {
	return &Store{
		rows:  map[uuid.UUID]*row{},
		refs:  map[string]uuid.UUID{},
		audit: map[uuid.UUID][]payment.AuditLogEntry{},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Create(_ context.Context, p *payment.Payment, created payment.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.rows[p.ID]; dup {
		return errs.Conflict("duplicate_payment", "payment "+p.ID.String()+" already exists")
	}
	s.rows[p.ID] = &row{p: p.Clone()}
	s.audit[p.ID] = append(s.audit[p.ID], created)
	return nil
}

func (s *Store) lookup(id uuid.UUID) (*row, error) {
	s.mu.RLock()
	r, ok := s.rows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("payment_not_found", "payment "+id.String()+" not found")
	}
	return r, nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*payment.Payment, error) {
	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.p.Clone(), nil
}

// Transition works on a copy so a rejected move leaves the row untouched.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, req payment.TransitionRequest) (payment.TransitionResult, error) {
	r, err := s.lookup(id)
	if err != nil {
		return payment.TransitionResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return payment.TransitionResult{}, err
	}

	next := r.p.Clone()
	prev := next.Status
	entry, err := payment.Apply(next, req, s.now())
	if err != nil {
		return payment.TransitionResult{}, err
	}
	if err := s.index(next); err != nil {
		return payment.TransitionResult{}, err
	}
	r.p = next
	if entry != nil {
		s.appendAudit(*entry)
	}
	return payment.TransitionResult{Payment: next.Clone(), Previous: prev, Audit: entry}, nil
}

func (s *Store) Update(ctx context.Context, id uuid.UUID, m payment.Mutation) (*payment.Payment, error) {
	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	next := r.p.Clone()
	if err := payment.ApplyMutation(next, m, s.now()); err != nil {
		return nil, err
	}
	if err := s.index(next); err != nil {
		return nil, err
	}
	r.p = next
	if m.Audit != nil {
		s.appendAudit(*m.Audit)
	}
	return next.Clone(), nil
}

func (s *Store) index(p *payment.Payment) error {
	if p.ExternalRef == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.refs[*p.ExternalRef]; ok && owner != p.ID {
		return errs.Conflict("duplicate_external_ref", "external reference "+*p.ExternalRef+" belongs to another payment")
	}
	s.refs[*p.ExternalRef] = p.ID
	return nil
}

func (s *Store) appendAudit(e payment.AuditLogEntry) {
	s.mu.Lock()
	s.audit[e.PaymentID] = append(s.audit[e.PaymentID], e)
	s.mu.Unlock()
}

func (s *Store) AppendAudit(_ context.Context, entry payment.AuditLogEntry) error {
	if _, err := s.lookup(entry.PaymentID); err != nil {
		return err
	}
	s.appendAudit(entry)
	return nil
}

func (s *Store) ListAudit(_ context.Context, id uuid.UUID) ([]payment.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]payment.AuditLogEntry(nil), s.audit[id]...), nil
}

func (s *Store) snapshot() []*payment.Payment {
	s.mu.RLock()
	rows := make([]*row, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}
	s.mu.RUnlock()

	out := make([]*payment.Payment, 0, len(rows))
	for _, r := range rows {
		r.mu.Lock()
		out = append(out, r.p.Clone())
		r.mu.Unlock()
	}
	return out
}

func (s *Store) ListPending(_ context.Context, page payment.Page) ([]*payment.Payment, error) {
	page = page.Normalize()
	var pending []*payment.Payment
	for _, p := range s.snapshot() {
		if p.Status == payment.StatusPendingApproval {
			pending = append(pending, p)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID.String() < pending[j].ID.String()
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if page.Offset >= len(pending) {
		return []*payment.Payment{}, nil
	}
	end := page.Offset + page.Limit
	if end > len(pending) {
		end = len(pending)
	}
	return pending[page.Offset:end], nil
}

func (s *Store) FindByExternalRef(ctx context.Context, ref string) (*payment.Payment, error) {
	s.mu.RLock()
	id, ok := s.refs[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("payment_not_found", "no payment references "+ref)
	}
	return s.Get(ctx, id)
}

func (s *Store) VendorStats(_ context.Context, vendorID string, since time.Time) (payment.VendorStats, error) {
	var st payment.VendorStats
	var sum int64
	for _, p := range s.snapshot() {
		if p.VendorID != vendorID {
			continue
		}
		st.TotalPayments++
		sum += p.AmountCents
		if p.Status == payment.StatusCompleted {
			st.CompletedPayments++
		}
		if !p.CreatedAt.Before(since) {
			st.PaymentsSince++
		}
	}
	if st.TotalPayments > 0 {
		st.AverageAmountCents = sum / int64(st.TotalPayments)
	}
	return st, nil
}

func (s *Store) Ping(context.Context) error { return nil }
