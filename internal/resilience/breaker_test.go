package resilience

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBreaker_Lifecycle(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("inference", BreakerConfig{FailureThreshold: 3, RecoveryTimeout: 10 * time.Second, Clock: clock.Now})

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State(), "failure %d must not open", i+1)
	}
	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, clock.Now().Add(10*time.Second), b.OpenUntil())

	clock.Advance(9 * time.Second)
	assert.False(t, b.Allow(), "open breaker refuses calls before the recovery timeout")

	clock.Advance(time.Second)
	assert.True(t, b.Allow(), "first call after the timeout is the probe")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe is admitted")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State(), "failed probe re-opens")
	assert.False(t, b.Allow())

	clock.Advance(10 * time.Second)
	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.ConsecutiveFailures())
	assert.True(t, b.Allow())
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b := NewBreaker("store", BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Second})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.ConsecutiveFailures())
}

func TestBreaker_SingleProbeUnderConcurrency(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("bus", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second, Clock: clock.Now})
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	clock.Advance(time.Second)

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted)
}

func TestBreakers_Registry(t *testing.T) {
	reg := NewBreakers(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	a := reg.Get("store")
	assert.Same(t, a, reg.Get("store"))
	assert.NotSame(t, a, reg.Get("bus"))

	a.RecordFailure()
	states := reg.States()
	assert.Equal(t, StateOpen, states["store"])
	assert.Equal(t, StateClosed, states["bus"])
}
