package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/example/payment-core/pkg/errors"
)

func recordingPolicy(waits *[]time.Duration) Policy {
	p := DefaultPolicy()
	p.Rand = func() float64 { return 0.5 }
	p.Sleep = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return p
}

func retryTransient(err error) bool { return errs.IsKind(err, errs.KindUnavailable) }

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	var waits []time.Duration
	calls := 0
	err := Do(context.Background(), recordingPolicy(&waits), retryTransient, func(context.Context) error {
		calls++
		return errs.Unavailable("processor_transient", "503")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}, waits)
}

func TestDo_NeverRetriesPermanent(t *testing.T) {
	var waits []time.Duration
	calls := 0
	err := Do(context.Background(), recordingPolicy(&waits), retryTransient, func(context.Context) error {
		calls++
		return errs.Validation("invalid_request", "400")
	})
	assert.Equal(t, "invalid_request", errs.CodeOf(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, waits)
}

func TestDo_SucceedsAfterTransient(t *testing.T) {
	var waits []time.Duration
	calls := 0
	err := Do(context.Background(), recordingPolicy(&waits), retryTransient, func(context.Context) error {
		calls++
		if calls < 3 {
			return errs.Unavailable("processor_transient", "502")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_CancelledWaitReturnsLastError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := DefaultPolicy()
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour
	calls := 0
	cause := errs.Unavailable("processor_transient", "503")
	go cancel()
	err := Do(ctx, p, retryTransient, func(context.Context) error {
		calls++
		return cause
	})
	assert.Same(t, cause, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_DelayJitterAndCap(t *testing.T) {
	p := DefaultPolicy()
	for _, r := range []float64{0, 0.5, 0.999} {
		p.Rand = func() float64 { return r }
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 300*time.Millisecond)
		assert.LessOrEqual(t, d, 500*time.Millisecond)
	}
	p.Rand = func() float64 { return 0.999 }
	assert.Equal(t, p.MaxDelay, p.Delay(20))
}

func TestDo_OnRetryReportsAttempts(t *testing.T) {
	var waits []time.Duration
	p := recordingPolicy(&waits)
	p.MaxAttempts = 3
	var attempts []int
	p.OnRetry = func(attempt int, _ error, _ time.Duration) { attempts = append(attempts, attempt) }
	_ = Do(context.Background(), p, func(error) bool { return true }, func(context.Context) error {
		return errors.New("network")
	})
	assert.Equal(t, []int{1, 2}, attempts)
}
