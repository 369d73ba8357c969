package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/example/payment-core/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func testBreaker(clock *fakeClock, opts ...Option) *Breaker {
	cfg := Config{
		Name:         "test",
		FailureRate:  0.5,
		MinimumCalls: 4,
		ResetTimeout: 30 * time.Second,
		Window:       time.Minute,
	}
	return NewBreaker(cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := testBreaker(clock)
	ctx := context.Background()

	require.NoError(t, b.Execute(ctx, succeed))
	require.NoError(t, b.Execute(ctx, succeed))
	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateClosed, b.State(), "3 calls is below the minimum sample")
	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())

	var invoked atomic.Bool
	err := b.Execute(ctx, func(context.Context) error { invoked.Store(true); return nil })
	assert.False(t, invoked.Load())
	assert.True(t, errs.IsKind(err, errs.KindUnavailable))
	assert.Equal(t, CodeCircuitOpen, errs.CodeOf(err))
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := testBreaker(clock)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(29 * time.Second)
	assert.Equal(t, CodeCircuitOpen, errs.CodeOf(b.Execute(ctx, succeed)))

	clock.Advance(time.Second)
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	assert.Equal(t, StateHalfOpen, b.State())

	var invoked atomic.Bool
	err := b.Execute(ctx, func(context.Context) error { invoked.Store(true); return nil })
	assert.Equal(t, CodeCircuitOpen, errs.CodeOf(err))
	assert.False(t, invoked.Load())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := testBreaker(clock)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(31 * time.Second)

	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, CodeCircuitOpen, errs.CodeOf(b.Execute(ctx, succeed)))
}

func TestBreaker_WindowResetsCounters(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := testBreaker(clock)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	clock.Advance(2 * time.Minute)
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_IgnoresNonFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cfg := Config{
		Name:         "processor-test",
		FailureRate:  0.5,
		MinimumCalls: 2,
		ResetTimeout: time.Second,
		IsFailure:    func(err error) bool { return !errs.IsKind(err, errs.KindPaymentFailed) },
	}
	b := NewBreaker(cfg, WithClock(clock.Now))
	declined := func(context.Context) error { return errs.PaymentFailed("card_declined", "declined") }
	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), declined)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_FallbackAndHooks(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var transitions []string
	var fallbackCause error
	b := testBreaker(clock,
		WithFallback(func(_ context.Context, cause error) error {
			fallbackCause = cause
			return errs.Unavailable("queued_manual", "queued")
		}),
		OnStateChange(func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		}),
	)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail)
	}
	err := b.Execute(ctx, succeed)
	assert.Equal(t, "queued_manual", errs.CodeOf(err))
	assert.Equal(t, CodeCircuitOpen, errs.CodeOf(fallbackCause))

	clock.Advance(time.Minute)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, []string{"closed>open", "open>half_open", "half_open>closed"}, transitions)
}

func TestBreaker_CallTimeout(t *testing.T) {
	b := NewBreaker(Config{
		Name:         "slow",
		FailureRate:  1,
		MinimumCalls: 1,
		ResetTimeout: time.Minute,
		CallTimeout:  10 * time.Millisecond,
	})
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.True(t, errs.IsKind(err, errs.KindTimeout))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateOpen, b.State())
}

func TestCall_ReturnsValue(t *testing.T) {
	b := NewBreaker(Config{Name: "value", FailureRate: 1, MinimumCalls: 1, ResetTimeout: time.Second})
	got, err := Call(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestBreaker_StaleResultDoesNotSettleTrial(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := testBreaker(clock)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	slow := make(chan error, 1)
	go func() {
		slow <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(time.Minute)
	trialStarted := make(chan struct{})
	trialRelease := make(chan struct{})
	trial := make(chan error, 1)
	go func() {
		trial <- b.Execute(ctx, func(context.Context) error {
			close(trialStarted)
			<-trialRelease
			return nil
		})
	}()
	<-trialStarted
	require.Equal(t, StateHalfOpen, b.State())

	// The call admitted before the circuit opened finishes during the trial.
	close(release)
	require.NoError(t, <-slow)
	assert.Equal(t, StateHalfOpen, b.State(), "a stale success must not close the circuit")

	var ran atomic.Bool
	err := b.Execute(ctx, func(context.Context) error { ran.Store(true); return nil })
	assert.Equal(t, CodeCircuitOpen, errs.CodeOf(err), "the trial is still in flight")
	assert.False(t, ran.Load())

	close(trialRelease)
	require.NoError(t, <-trial)
	assert.Equal(t, StateClosed, b.State())
}
