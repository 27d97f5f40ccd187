// Package resilience provides retry with exponential backoff, per-dependency
// circuit breakers and the error classification both rely on.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// Class is the category an error falls into for retry purposes.
type Class int

const (
	// ClassTransient covers timeouts, refused connections, DNS failures and
	// any error that is not otherwise classified.
	ClassTransient Class = iota
	// ClassRateLimited is retryable but honours the server's retry-after hint.
	ClassRateLimited
	// ClassPermanent is never retried.
	ClassPermanent
	// ClassCircuitOpen means the call was refused locally by a breaker.
	ClassCircuitOpen
	// ClassCanceled means the caller's context ended.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassPermanent:
		return "permanent"
	case ClassCircuitOpen:
		return "circuit_open"
	case ClassCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// PermanentError marks a failure that another attempt cannot fix: bad
// credentials, malformed requests, unknown functions or models.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retryable() bool { return false }

// Permanent wraps err so it is classified as permanent. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RateLimitError is returned by a dependency that asked the caller to slow
// down. RetryAfter, when positive, replaces the computed backoff.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter)
	}
	return e.Err.Error()
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// RateLimited wraps err with a retry-after hint.
func RateLimited(err error, retryAfter time.Duration) error {
	return &RateLimitError{Err: err, RetryAfter: retryAfter}
}

// CircuitOpenError is returned without calling the dependency when its
// breaker is open.
type CircuitOpenError struct {
	Name  string
	Until time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q is open", e.Name)
}

// Retryable reports false: callers should move on rather than spin on a
// known-bad dependency.
func (e *CircuitOpenError) Retryable() bool { return false }

// Classify maps err onto the taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var open *CircuitOpenError
	if errors.As(err, &open) {
		return ClassCircuitOpen
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return ClassPermanent
	}
	var limited *RateLimitError
	if errors.As(err, &limited) {
		return ClassRateLimited
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return ClassTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) && !r.Retryable() {
		return ClassPermanent
	}
	return ClassTransient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == ClassPermanent
}

// retryAfter extracts a rate-limit hint from err.
func retryAfter(err error) (time.Duration, bool) {
	var limited *RateLimitError
	if errors.As(err, &limited) && limited.RetryAfter > 0 {
		return limited.RetryAfter, true
	}
	return 0, false
}
