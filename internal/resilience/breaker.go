// payment-core/internal/resilience/breaker.go
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	errs "github.com/example/payment-core/pkg/errors"
	m "github.com/example/payment-core/pkg/metrics"
)

// State values double as the breaker gauge value.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	default:
		return "open"
	}
}

const CodeCircuitOpen = "circuit_open"

// Fallback stands in for a call the breaker refused. cause is the
// circuit_open error; the returned error goes back to the caller.
type Fallback func(ctx context.Context, cause error) error

type Config struct {
	Name string
	// FailureRate in (0,1] opens the circuit once MinimumCalls were seen.
	FailureRate  float64
	MinimumCalls int
	ResetTimeout time.Duration
	// Window bounds how long closed-state counters accumulate.
	Window      time.Duration
	CallTimeout time.Duration
	// IsFailure decides which errors count against the dependency.
	// Nil counts every error except caller cancellation.
	IsFailure func(error) bool
}

type Option func(*Breaker)

func WithFallback(f Fallback) Option { return func(b *Breaker) { b.fallback = f } }

func WithClock(now func() time.Time) Option { return func(b *Breaker) { b.now = now } }

func WithLogger(l *zap.Logger) Option { return func(b *Breaker) { b.log = l } }

// OnStateChange registers a hook fired after every transition, outside the lock.
func OnStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.hooks = append(b.hooks, fn) }
}

type Breaker struct {
	cfg      Config
	fallback Fallback
	hooks    []func(string, State, State)
	now      func() time.Time
	log      *zap.Logger

	mu          sync.Mutex
	state       State
	calls       int
	failures    int
	windowStart time.Time
	lastFailure time.Time
	trial       bool
	// generation changes on every state move; results of calls admitted
	// under an older generation are ignored.
	generation uint64
}

func NewBreaker(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg: cfg,
		now: time.Now,
		log: zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.cfg.IsFailure == nil {
		b.cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	b.log = b.log.Named("breaker").With(zap.String("dependency", cfg.Name))
	b.windowStart = b.now()
	m.SetBreakerState(cfg.Name, float64(StateClosed))
	return b
}

func (b *Breaker) Name() string { return b.cfg.Name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

type transition struct{ from, to State }

// Execute runs fn under the breaker. When the circuit refuses the call fn is
// not invoked and the fallback, if any, answers instead.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	ok, gen, tr := b.admit()
	b.notify(tr)
	if !ok {
		cause := errs.Unavailable(CodeCircuitOpen, fmt.Sprintf("%s circuit breaker is open", b.cfg.Name)).
			With("dependency", b.cfg.Name)
		if b.fallback != nil {
			return b.fallback(ctx, cause)
		}
		return cause
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}
	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = errs.Wrap(errs.KindTimeout, "call_timeout",
			fmt.Sprintf("%s call exceeded %s", b.cfg.Name, b.cfg.CallTimeout), err)
	}
	b.notify(b.record(gen, err))
	return err
}

// Call is Execute for functions that produce a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (b *Breaker) admit() (bool, uint64, *transition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	switch b.state {
	case StateOpen:
		if now.Sub(b.lastFailure) < b.cfg.ResetTimeout {
			return false, b.generation, nil
		}
		tr := b.moveTo(StateHalfOpen, now)
		b.trial = true
		return true, b.generation, tr
	case StateHalfOpen:
		if b.trial {
			return false, b.generation, nil
		}
		b.trial = true
		return true, b.generation, nil
	default:
		if b.cfg.Window > 0 && now.Sub(b.windowStart) >= b.cfg.Window {
			b.calls, b.failures = 0, 0
			b.windowStart = now
		}
		return true, b.generation, nil
	}
}

func (b *Breaker) record(gen uint64, err error) *transition {
	failed := err != nil && b.cfg.IsFailure(err)

	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.generation {
		return nil
	}
	now := b.now()
	if failed {
		b.lastFailure = now
	}

	switch b.state {
	case StateHalfOpen:
		b.trial = false
		if failed {
			return b.moveTo(StateOpen, now)
		}
		return b.moveTo(StateClosed, now)
	case StateClosed:
		b.calls++
		if failed {
			b.failures++
		}
		if b.calls >= b.cfg.MinimumCalls &&
			float64(b.failures)/float64(b.calls) >= b.cfg.FailureRate {
			return b.moveTo(StateOpen, now)
		}
	}
	return nil
}

func (b *Breaker) moveTo(to State, now time.Time) *transition {
	from := b.state
	b.state = to
	b.generation++
	b.calls, b.failures = 0, 0
	b.windowStart = now
	return &transition{from: from, to: to}
}

func (b *Breaker) notify(tr *transition) {
	if tr == nil {
		return
	}
	m.SetBreakerState(b.cfg.Name, float64(tr.to))
	if tr.to == StateOpen {
		b.log.Warn("circuit opened", zap.Stringer("from", tr.from))
	} else {
		b.log.Info("circuit state changed", zap.Stringer("from", tr.from), zap.Stringer("to", tr.to))
	}
	for _, h := range b.hooks {
		h(b.cfg.Name, tr.from, tr.to)
	}
}
