package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/metrics"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retrier runs fallible operations under a retry policy guarded by a named
// circuit breaker.
type Retrier struct {
	breakers *Breakers
	policies map[string]Policy
	sleep    SleepFunc
	logger   *slog.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithPolicies overrides the per-class policies.
func WithPolicies(p map[string]Policy) RetrierOption {
	return func(r *Retrier) {
		for k, v := range p {
			r.policies[k] = v
		}
	}
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn SleepFunc) RetrierOption {
	return func(r *Retrier) { r.sleep = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RetrierOption {
	return func(r *Retrier) { r.logger = l }
}

// NewRetrier creates a Retrier using breakers from reg.
func NewRetrier(reg *Breakers, opts ...RetrierOption) *Retrier {
	if reg == nil {
		reg = NewBreakers(DefaultBreakerConfig())
	}
	r := &Retrier{
		breakers: reg,
		policies: DefaultPolicies(),
		sleep:    sleepContext,
		logger:   slog.Default(),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Breakers returns the breaker registry.
func (r *Retrier) Breakers() *Breakers { return r.breakers }

// Policy returns the policy for an operation class, or DefaultPolicy.
func (r *Retrier) Policy(class string) Policy {
	if p, ok := r.policies[class]; ok {
		return p
	}
	return DefaultPolicy()
}

// Execute runs op under policy. If the breaker named breakerName is open the
// call fails immediately with *CircuitOpenError. Permanent errors are
// returned at once; transient ones are retried with exponential backoff (or
// the rate-limit hint) until MaxAttempts, after which the breaker records a
// failure and the last error is returned.
func (r *Retrier) Execute(ctx context.Context, op func(ctx context.Context) error, policy Policy, breakerName string) error {
	breaker := r.breakers.Get(breakerName)
	if !breaker.Allow() {
		metrics.RetryAttempts.WithLabelValues(breakerName, "circuit_open").Inc()
		return &CircuitOpenError{Name: breakerName, Until: breaker.OpenUntil()}
	}

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	tracer := otel.Tracer("gleitzeit/resilience")
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, span := tracer.Start(ctx, "resilience.attempt")
		span.SetAttributes(
			attribute.String("breaker", breakerName),
			attribute.Int("attempt", attempt),
		)
		err := op(attemptCtx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if err == nil {
			breaker.RecordSuccess()
			metrics.RetryAttempts.WithLabelValues(breakerName, "success").Inc()
			return nil
		}
		lastErr = err

		switch Classify(err) {
		case ClassPermanent:
			// The dependency answered; only the request was bad.
			breaker.RecordSuccess()
			metrics.RetryAttempts.WithLabelValues(breakerName, "permanent").Inc()
			return err
		case ClassCircuitOpen:
			breaker.RecordFailure()
			metrics.RetryAttempts.WithLabelValues(breakerName, "aborted").Inc()
			return err
		case ClassCanceled:
			breaker.abandon()
			metrics.RetryAttempts.WithLabelValues(breakerName, "aborted").Inc()
			return err
		}
		if ctx.Err() != nil {
			breaker.abandon()
			return fmt.Errorf("%w (after %d attempts: %v)", ctx.Err(), attempt, err)
		}

		metrics.RetryAttempts.WithLabelValues(breakerName, "retry").Inc()
		if attempt == maxAttempts {
			break
		}

		delay, hinted := retryAfter(err)
		if !hinted {
			delay = policy.Delay(attempt)
			if policy.Jitter {
				r.rndMu.Lock()
				delay = withJitter(delay, r.rnd)
				r.rndMu.Unlock()
			}
		}
		r.logger.Debug("retrying operation",
			slog.String("breaker", breakerName),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := r.sleep(ctx, delay); err != nil {
			breaker.abandon()
			return fmt.Errorf("%w (after %d attempts: %v)", err, attempt, lastErr)
		}
	}

	breaker.RecordFailure()
	metrics.RetryAttempts.WithLabelValues(breakerName, "exhausted").Inc()
	r.logger.Warn("operation failed after retries",
		slog.String("breaker", breakerName),
		slog.Int("attempts", maxAttempts),
		slog.String("error", lastErr.Error()),
	)
	return fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

// Run executes op with the policy registered for class and the breaker of
// the same name.
func (r *Retrier) Run(ctx context.Context, class string, op func(ctx context.Context) error) error {
	return r.Execute(ctx, op, r.Policy(class), class)
}

// Do is the value-returning form of Execute.
func Do[T any](ctx context.Context, r *Retrier, policy Policy, breakerName string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, policy, breakerName)
	return out, err
}
