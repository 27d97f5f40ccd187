package resilience

import (
	"math/rand"
	"time"
)

// Operation classes with their own default retry policies.
const (
	OpInference = "inference"
	OpStore     = "store"
	OpBus       = "bus"
	OpWebhook   = "webhook"
)

// Policy configures retries for one class of operation.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	Jitter      bool          `yaml:"jitter" json:"jitter"`
}

// DefaultPolicy is used for operation classes without their own policy.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: true}
}

// DefaultPolicies returns the per-class defaults. Inference calls are more
// often transiently overloaded, so they get more attempts and longer backoff.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		OpInference: {MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second, Jitter: true},
		OpStore:     {MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: true},
		OpBus:       {MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: true},
		OpWebhook:   {MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: true},
	}
}

// Delay returns the backoff before the retry that follows attempt (1-based):
// min(base * 2^(attempt-1), max), without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		// Guard against overflow for very large attempt counts.
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// withJitter spreads d uniformly over [d/2, d].
func withJitter(d time.Duration, rnd *rand.Rand) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rnd.Int63n(int64(d-half)+1))
}
