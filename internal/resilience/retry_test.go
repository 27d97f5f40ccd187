package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleep captures requested delays without sleeping.
type recordingSleep struct {
	delays []time.Duration
}

func (s *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestRetrier(threshold int) (*Retrier, *recordingSleep, *fakeClock) {
	clock := newFakeClock()
	sleeper := &recordingSleep{}
	reg := NewBreakers(BreakerConfig{FailureThreshold: threshold, RecoveryTimeout: 30 * time.Second, Clock: clock.Now})
	return NewRetrier(reg, WithSleep(sleeper.Sleep)), sleeper, clock
}

var noJitter = Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond}

func TestRetrier_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		r, sleeper, _ := newTestRetrier(3)
		calls := 0
		err := r.Execute(ctx, func(context.Context) error {
			calls++
			if calls < 3 {
				return syscall.ECONNREFUSED
			}
			return nil
		}, noJitter, "inference")

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeper.delays)
		assert.Equal(t, StateClosed, r.Breakers().Get("inference").State())
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		r, sleeper, _ := newTestRetrier(3)
		calls := 0
		err := r.Execute(ctx, func(context.Context) error {
			calls++
			return Permanent(errors.New("unknown model"))
		}, noJitter, "inference")

		assert.True(t, IsPermanent(err))
		assert.Equal(t, 1, calls)
		assert.Empty(t, sleeper.delays)
		assert.Zero(t, r.Breakers().Get("inference").ConsecutiveFailures())
	})

	t.Run("exhaustion records one breaker failure", func(t *testing.T) {
		r, sleeper, _ := newTestRetrier(3)
		calls := 0
		cause := errors.New("upstream timeout")
		err := r.Execute(ctx, func(context.Context) error {
			calls++
			return cause
		}, noJitter, "store")

		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 4, calls)
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}, sleeper.delays)
		assert.Equal(t, 1, r.Breakers().Get("store").ConsecutiveFailures())
	})

	t.Run("rate limit hint overrides backoff", func(t *testing.T) {
		r, sleeper, _ := newTestRetrier(3)
		calls := 0
		err := r.Execute(ctx, func(context.Context) error {
			calls++
			if calls == 1 {
				return RateLimited(errors.New("429"), 7*time.Second)
			}
			return nil
		}, noJitter, "inference")

		require.NoError(t, err)
		assert.Equal(t, []time.Duration{7 * time.Second}, sleeper.delays)
	})

	t.Run("open circuit fails fast", func(t *testing.T) {
		r, sleeper, clock := newTestRetrier(2)
		failing := func(context.Context) error { return errors.New("down") }
		one := Policy{MaxAttempts: 1}
		for i := 0; i < 2; i++ {
			require.Error(t, r.Execute(ctx, failing, one, "bus"))
		}

		calls := 0
		err := r.Execute(ctx, func(context.Context) error {
			calls++
			return nil
		}, noJitter, "bus")

		var open *CircuitOpenError
		require.ErrorAs(t, err, &open)
		assert.Equal(t, "bus", open.Name)
		assert.Equal(t, ClassCircuitOpen, Classify(err))
		assert.Zero(t, calls)
		assert.Empty(t, sleeper.delays)

		clock.Advance(30 * time.Second)
		require.NoError(t, r.Execute(ctx, func(context.Context) error { calls++; return nil }, noJitter, "bus"))
		assert.Equal(t, 1, calls)
		assert.Equal(t, StateClosed, r.Breakers().Get("bus").State())
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		r, _, _ := newTestRetrier(3)
		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		err := r.Execute(cctx, func(context.Context) error {
			calls++
			cancel()
			return errors.New("flaky")
		}, noJitter, "webhook")

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
		assert.Zero(t, r.Breakers().Get("webhook").ConsecutiveFailures())
	})
}

func TestDo(t *testing.T) {
	r, _, _ := newTestRetrier(3)
	calls := 0
	v, err := Do(context.Background(), r, noJitter, "inference", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("busy")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestRetrier_PolicyByClass(t *testing.T) {
	r := NewRetrier(nil, WithPolicies(map[string]Policy{OpStore: {MaxAttempts: 9}}))
	assert.Equal(t, 9, r.Policy(OpStore).MaxAttempts)
	assert.Greater(t, r.Policy(OpInference).MaxAttempts, r.Policy(OpWebhook).MaxAttempts)
	assert.Greater(t, r.Policy(OpInference).MaxDelay, r.Policy(OpStore).MaxDelay)
	assert.Equal(t, DefaultPolicy(), r.Policy("unregistered"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"plain error", errors.New("boom"), ClassTransient},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), ClassTransient},
		{"dns", &net.DNSError{Err: "no such host", Name: "ollama"}, ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"canceled", context.Canceled, ClassCanceled},
		{"permanent", Permanent(errors.New("bad key")), ClassPermanent},
		{"wrapped permanent", fmt.Errorf("call: %w", Permanent(errors.New("bad key"))), ClassPermanent},
		{"rate limited", RateLimited(errors.New("slow down"), time.Second), ClassRateLimited},
		{"circuit open", &CircuitOpenError{Name: "store"}, ClassCircuitOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
