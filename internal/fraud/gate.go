// payment-core/internal/fraud/gate.go
package fraud

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/payment-core/internal/directory"
	"github.com/example/payment-core/internal/payment"
	"github.com/example/payment-core/internal/resilience"
	errs "github.com/example/payment-core/pkg/errors"
	m "github.com/example/payment-core/pkg/metrics"
)

const (
	ReasonDetectionError = "fraud_detection_error"
	ReasonHighScore      = "score_above_threshold"

	lowRiskBelow    = 0.3
	mediumRiskBelow = 0.5
)

// Features is the vector sent to the scoring model.
type Features struct {
	VendorAccountAgeDays    float64 `json:"vendor_account_age_days"`
	PaymentVelocity24h      int     `json:"payment_velocity_24h"`
	CompletionRate          float64 `json:"completion_rate"`
	AveragePaymentCents     int64   `json:"average_payment_cents"`
	AmountToAverage         float64 `json:"amount_to_average"`
	IncidentDurationMinutes float64 `json:"incident_duration_minutes"`
	AmountCents             int64   `json:"amount_cents"`
	PayerType               string  `json:"payer_type"`
}

type Scorer interface {
	Score(ctx context.Context, f Features) (float64, error)
}

// VendorHistory is the slice of the payment store the gate reads.
type VendorHistory interface {
	VendorStats(ctx context.Context, vendorID string, since time.Time) (payment.VendorStats, error)
}

type Config struct {
	FlagThreshold float64
	SLA           time.Duration
	Retry         resilience.Policy
}

type Gate struct {
	scorer  Scorer
	history VendorHistory
	dir     directory.Directory
	breaker *resilience.Breaker
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
}

// NewGate wires the gate. dir may be nil, in which case vendor age and
// incident duration are left at zero.
func NewGate(scorer Scorer, history VendorHistory, dir directory.Directory, breaker *resilience.Breaker, cfg Config, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.FlagThreshold <= 0 || cfg.FlagThreshold > 1 {
		cfg.FlagThreshold = 0.7
	}
	return &Gate{
		scorer:  scorer,
		history: history,
		dir:     dir,
		breaker: breaker,
		cfg:     cfg,
		log:     log.Named("fraud"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Fallback is the fraud breaker's stand-in while the circuit is open.
func Fallback(_ context.Context, cause error) error {
	return errs.Wrap(errs.KindUnavailable, ReasonDetectionError, "fraud scorer unavailable", cause)
}

// Classify maps a model score onto a fraud status.
func Classify(score, flagThreshold float64) payment.FraudStatus {
	switch {
	case score >= flagThreshold:
		return payment.FraudFlagged
	case score < lowRiskBelow:
		return payment.FraudLowRisk
	case score < mediumRiskBelow:
		return payment.FraudMediumRisk
	default:
		return payment.FraudHighRisk
	}
}

// Score never fails open: any error yields a flagged result.
func (g *Gate) Score(ctx context.Context, p *payment.Payment) payment.FraudResult {
	start := time.Now()
	res := g.score(ctx, p)
	elapsed := time.Since(start)

	m.ObserveFraudScore(elapsed.Seconds())
	m.IncFraudDecision(string(res.Status), res.Reason)
	if g.cfg.SLA > 0 && elapsed > g.cfg.SLA {
		g.log.Warn("fraud scoring exceeded SLA",
			zap.String("payment_id", p.ID.String()),
			zap.Duration("elapsed", elapsed),
			zap.Duration("sla", g.cfg.SLA),
		)
	}
	return res
}

func (g *Gate) score(ctx context.Context, p *payment.Payment) payment.FraudResult {
	f, err := g.Features(ctx, p)
	if err != nil {
		return g.failClosed(p, "build features", err)
	}

	var score float64
	err = resilience.Do(ctx, g.cfg.Retry, retryable, func(ctx context.Context) error {
		var err error
		score, err = resilience.Call(ctx, g.breaker, func(ctx context.Context) (float64, error) {
			return g.scorer.Score(ctx, f)
		})
		return err
	})
	if err != nil {
		return g.failClosed(p, "score payment", err)
	}
	if math.IsNaN(score) || score < 0 || score > 1 {
		return g.failClosed(p, "score payment", errs.Internal("scorer returned out of range score", nil).With("score", score))
	}

	res := payment.FraudResult{Score: score, Status: Classify(score, g.cfg.FlagThreshold)}
	if res.Status == payment.FraudFlagged {
		res.Reason = ReasonHighScore
	}
	g.log.Info("payment scored",
		zap.String("payment_id", p.ID.String()),
		zap.Float64("score", score),
		zap.String("fraud_status", string(res.Status)),
	)
	return res
}

func (g *Gate) failClosed(p *payment.Payment, op string, err error) payment.FraudResult {
	g.log.Error("fraud gate failed closed",
		zap.String("payment_id", p.ID.String()),
		zap.String("op", op),
		zap.Error(err),
	)
	return payment.FraudResult{Score: 1, Status: payment.FraudFlagged, Reason: ReasonDetectionError}
}

func retryable(err error) bool {
	switch errs.CodeOf(err) {
	case resilience.CodeCircuitOpen, ReasonDetectionError:
		return false
	}
	return errs.IsKind(err, errs.KindUnavailable) || errs.IsKind(err, errs.KindTimeout)
}

// Features gathers the model inputs for p.
func (g *Gate) Features(ctx context.Context, p *payment.Payment) (Features, error) {
	now := g.now()
	f := Features{AmountCents: p.AmountCents, PayerType: string(p.PayerType)}

	recent, err := g.history.VendorStats(ctx, p.VendorID, now.Add(-24*time.Hour))
	if err != nil {
		return f, err
	}
	f.PaymentVelocity24h = recent.PaymentsSince
	f.AveragePaymentCents = recent.AverageAmountCents
	if recent.TotalPayments > 0 {
		f.CompletionRate = ratio(int64(recent.CompletedPayments), int64(recent.TotalPayments))
	}
	if recent.AverageAmountCents > 0 {
		f.AmountToAverage = ratio(p.AmountCents, recent.AverageAmountCents)
	}

	if g.dir == nil {
		return f, nil
	}
	vendor, err := g.dir.Vendor(ctx, p.VendorID)
	if err != nil {
		return f, err
	}
	if !vendor.CreatedAt.IsZero() {
		f.VendorAccountAgeDays = math.Max(0, now.Sub(vendor.CreatedAt).Hours()/24)
	}
	incident, err := g.dir.Incident(ctx, p.IncidentID)
	if err != nil {
		return f, err
	}
	f.IncidentDurationMinutes = incident.Duration(now).Minutes()
	return f, nil
}

func ratio(num, den int64) float64 {
	r, _ := decimal.NewFromInt(num).DivRound(decimal.NewFromInt(den), 4).Float64()
	return r
}
