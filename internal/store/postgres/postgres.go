// payment-core/internal/store/postgres/postgres.go
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/example/payment-core/internal/payment"
	errs "github.com/example/payment-core/pkg/errors"
)

//go:embed schema.sql
var schema string

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Store is the PostgreSQL payment.Store. The pool is opened on first use and
// can be swapped with Reconnect when credentials rotate.
type Store struct {
	dsn      string
	maxConns int32
	log      *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	pool *pgxpool.Pool
}

type Option func(*Store)

func WithMaxConns(n int32) Option { return func(s *Store) { s.maxConns = n } }

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

func New(dsn string, opts ...Option) *Store {
	s := &Store{
		dsn: dsn,
		log: zap.NewNop(),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) db(ctx context.Context) (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return s.pool, nil
	}
	pool, err := s.open(ctx, s.dsn)
	if err != nil {
		return nil, err
	}
	s.pool = pool
	return pool, nil
}

func (s *Store) open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "invalid_database_url", "parse database url", err)
	}
	if s.maxConns > 0 {
		cfg.MaxConns = s.maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "database_unavailable", "connect to database", err)
	}
	return pool, nil
}

// Reconnect replaces the pool. In-flight queries finish on the old pool.
func (s *Store) Reconnect(ctx context.Context, dsn string) error {
	pool, err := s.open(ctx, dsn)
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return errs.Wrap(errs.KindUnavailable, "database_unavailable", "ping database", err)
	}
	s.mu.Lock()
	old := s.pool
	s.pool = pool
	s.dsn = dsn
	s.mu.Unlock()
	if old != nil {
		go old.Close()
	}
	s.log.Info("database pool replaced")
	return nil
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.db(ctx)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return errs.Internal("apply schema", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.db(ctx)
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return errs.Wrap(errs.KindUnavailable, "database_unavailable", "ping database", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	pool, err := s.db(ctx)
	if err != nil {
		return err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return dbError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return dbError("commit transaction", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, p *payment.Payment, created payment.AuditLogEntry) error {
	md, err := json.Marshal(p.Metadata)
	if err != nil {
		return errs.Internal("encode metadata", err)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO payments (id, incident_id, vendor_id, payer_type, payer_id, amount_cents, currency,
				status, external_ref, fraud_score, fraud_status, metadata, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			p.ID, p.IncidentID, p.VendorID, string(p.PayerType), p.PayerID, p.AmountCents, p.Currency,
			string(p.Status), p.ExternalRef, p.FraudScore, string(p.FraudStatus), md, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return dbError("insert payment", err)
		}

		batch := &pgx.Batch{}
		for i, it := range p.LineItems {
			batch.Queue(`
				INSERT INTO payment_line_items (id, payment_id, description, quantity, unit_price_cents, total_cents, position)
				VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				it.ID, p.ID, it.Description, it.Quantity, it.UnitPriceCents, it.TotalCents, i)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return dbError("insert line items", err)
			}
		}
		return insertAudit(ctx, tx, created)
	})
}

const paymentColumns = `id, incident_id, vendor_id, payer_type, payer_id, amount_cents, currency, status,
	external_ref, fraud_score, fraud_status, approved_by, approved_at, processed_at, failure_reason,
	metadata, created_at, updated_at`

func scanPayment(row pgx.Row) (*payment.Payment, error) {
	var (
		p                              payment.Payment
		payerType, status, fraudStatus string
		md                             []byte
	)
	err := row.Scan(&p.ID, &p.IncidentID, &p.VendorID, &payerType, &p.PayerID, &p.AmountCents, &p.Currency,
		&status, &p.ExternalRef, &p.FraudScore, &fraudStatus, &p.ApprovedBy, &p.ApprovedAt, &p.ProcessedAt,
		&p.FailureReason, &md, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.PayerType = payment.PayerType(payerType)
	p.Status = payment.Status(status)
	p.FraudStatus = payment.FraudStatus(fraudStatus)
	p.Metadata = map[string]any{}
	if len(md) > 0 {
		if err := json.Unmarshal(md, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &p, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getPayment(ctx context.Context, q querier, id uuid.UUID, lock bool) (*payment.Payment, error) {
	sql := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	p, err := scanPayment(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("payment_not_found", "payment "+id.String()+" not found")
	}
	if err != nil {
		return nil, dbError("load payment", err)
	}
	if err := loadLineItems(ctx, q, p); err != nil {
		return nil, err
	}
	return p, nil
}

func loadLineItems(ctx context.Context, q querier, p *payment.Payment) error {
	rows, err := q.Query(ctx, `
		SELECT id, payment_id, description, quantity, unit_price_cents, total_cents
		FROM payment_line_items WHERE payment_id = $1 ORDER BY position`, p.ID)
	if err != nil {
		return dbError("load line items", err)
	}
	items, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (payment.LineItem, error) {
		var it payment.LineItem
		err := r.Scan(&it.ID, &it.PaymentID, &it.Description, &it.Quantity, &it.UnitPriceCents, &it.TotalCents)
		return it, err
	})
	if err != nil {
		return dbError("scan line items", err)
	}
	p.LineItems = items
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	pool, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	return getPayment(ctx, pool, id, false)
}

func (s *Store) Transition(ctx context.Context, id uuid.UUID, req payment.TransitionRequest) (payment.TransitionResult, error) {
	var res payment.TransitionResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		p, err := getPayment(ctx, tx, id, true)
		if err != nil {
			return err
		}
		prev := p.Status
		entry, err := payment.Apply(p, req, s.now())
		if err != nil {
			return err
		}
		if p.Status != prev {
			if err := savePayment(ctx, tx, p); err != nil {
				return err
			}
		}
		if entry != nil {
			if err := insertAudit(ctx, tx, *entry); err != nil {
				return err
			}
		}
		res = payment.TransitionResult{Payment: p, Previous: prev, Audit: entry}
		return nil
	})
	return res, err
}

func (s *Store) Update(ctx context.Context, id uuid.UUID, m payment.Mutation) (*payment.Payment, error) {
	var out *payment.Payment
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		p, err := getPayment(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := payment.ApplyMutation(p, m, s.now()); err != nil {
			return err
		}
		if err := savePayment(ctx, tx, p); err != nil {
			return err
		}
		if m.Audit != nil {
			if err := insertAudit(ctx, tx, *m.Audit); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	return out, err
}

func savePayment(ctx context.Context, tx pgx.Tx, p *payment.Payment) error {
	md, err := json.Marshal(p.Metadata)
	if err != nil {
		return errs.Internal("encode metadata", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE payments SET status=$2, external_ref=$3, fraud_score=$4, fraud_status=$5, approved_by=$6,
			approved_at=$7, processed_at=$8, failure_reason=$9, metadata=$10, updated_at=$11
		WHERE id=$1`,
		p.ID, string(p.Status), p.ExternalRef, p.FraudScore, string(p.FraudStatus), p.ApprovedBy,
		p.ApprovedAt, p.ProcessedAt, p.FailureReason, md, p.UpdatedAt)
	if err != nil {
		return dbError("update payment", err)
	}
	return nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, e payment.AuditLogEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payment_audit_log (id, payment_id, action, actor_id, actor_type, previous_status, new_status, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.PaymentID, string(e.Action), e.ActorID, string(e.ActorType),
		statusText(e.PreviousStatus), statusText(e.NewStatus), e.Note, e.CreatedAt)
	if err != nil {
		return dbError("insert audit entry", err)
	}
	return nil
}

func statusText(s *payment.Status) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func (s *Store) AppendAudit(ctx context.Context, entry payment.AuditLogEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return insertAudit(ctx, tx, entry)
	})
}

func (s *Store) ListAudit(ctx context.Context, id uuid.UUID) ([]payment.AuditLogEntry, error) {
	pool, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `
		SELECT id, payment_id, action, actor_id, actor_type, previous_status, new_status, note, created_at
		FROM payment_audit_log WHERE payment_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, dbError("list audit", err)
	}
	entries, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (payment.AuditLogEntry, error) {
		var (
			e                 payment.AuditLogEntry
			action, actorType string
			prev, next        *string
		)
		if err := r.Scan(&e.ID, &e.PaymentID, &action, &e.ActorID, &actorType, &prev, &next, &e.Note, &e.CreatedAt); err != nil {
			return e, err
		}
		e.Action = payment.AuditAction(action)
		e.ActorType = payment.ActorType(actorType)
		if prev != nil {
			st := payment.Status(*prev)
			e.PreviousStatus = &st
		}
		if next != nil {
			st := payment.Status(*next)
			e.NewStatus = &st
		}
		return e, nil
	})
	if err != nil {
		return nil, dbError("scan audit", err)
	}
	return entries, nil
}

func (s *Store) ListPending(ctx context.Context, page payment.Page) ([]*payment.Payment, error) {
	page = page.Normalize()
	pool, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE status = 'pending_approval' ORDER BY created_at, id LIMIT $1 OFFSET $2`, page.Limit, page.Offset)
	if err != nil {
		return nil, dbError("list pending", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (*payment.Payment, error) {
		return scanPayment(r)
	})
	if err != nil {
		return nil, dbError("scan pending", err)
	}
	for _, p := range out {
		if err := loadLineItems(ctx, pool, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) FindByExternalRef(ctx context.Context, ref string) (*payment.Payment, error) {
	pool, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	var id uuid.UUID
	err = pool.QueryRow(ctx, `SELECT id FROM payments WHERE external_ref = $1`, ref).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("payment_not_found", "no payment references "+ref)
	}
	if err != nil {
		return nil, dbError("find by external ref", err)
	}
	return getPayment(ctx, pool, id, false)
}

func (s *Store) VendorStats(ctx context.Context, vendorID string, since time.Time) (payment.VendorStats, error) {
	var st payment.VendorStats
	pool, err := s.db(ctx)
	if err != nil {
		return st, err
	}
	err = pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE created_at >= $2),
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COALESCE(AVG(amount_cents), 0)::BIGINT
		FROM payments WHERE vendor_id = $1`, vendorID, since).
		Scan(&st.PaymentsSince, &st.TotalPayments, &st.CompletedPayments, &st.AverageAmountCents)
	if err != nil {
		return st, dbError("vendor stats", err)
	}
	return st, nil
}

// dbError maps driver errors onto the error kinds callers switch on.
func dbError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return errs.Wrap(errs.KindConflict, "duplicate", op, err)
		case foreignKeyViolation:
			return errs.Wrap(errs.KindNotFound, "payment_not_found", op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindTimeout, "database_timeout", op, err)
	}
	if pgconn.SafeToRetry(err) || errors.Is(err, pgx.ErrTxClosed) {
		return errs.Wrap(errs.KindUnavailable, "database_unavailable", op, err)
	}
	return errs.Internal(op, err)
}
