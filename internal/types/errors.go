package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound marks lookups for hosts or alerts that do not exist. Surfaced
// to the caller, never retried.
var ErrNotFound = errors.New("not found")

// ErrInsufficientData marks anomaly/trend runs with too few samples. A
// normal, expected result rather than a failure.
var ErrInsufficientData = errors.New("insufficient data")

// ValidationError rejects malformed input synchronously.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InvalidStateError rejects alert transitions that are illegal from the
// alert's current state.
type InvalidStateError struct {
	AlertID string
	From    AlertState
	Op      string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s alert %s in state %s", e.Op, e.AlertID, e.From)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var ise *InvalidStateError
	return errors.As(err, &ise)
}

// TransientStoreError wraps persistence hiccups that are worth retrying
// with bounded backoff at call sites needing durability.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error in %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientStoreError.
func IsTransient(err error) bool {
	var te *TransientStoreError
	return errors.As(err, &te)
}

// RetryPolicy is an explicit bounded-backoff policy. Retry counts and
// terminal failure behavior live in the signature instead of nested
// recovery blocks.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy covers durable writes (alert creation, aggregate
// upsert).
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

// Delay returns the backoff before the given 1-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Run invokes fn up to MaxAttempts times, sleeping via the supplied sleeper
// between attempts. Only transient errors are retried; any other error
// returns immediately.
func (p RetryPolicy) Run(sleep func(time.Duration), fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt < p.MaxAttempts {
			sleep(p.Delay(attempt))
		}
	}
	return err
}
