package classify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class is the engine's verdict about a single delivery outcome.
type Class int

const (
	// Success: the send went through.
	Success Class = iota
	// Temporary: transient infrastructure trouble (timeout, 5xx-equivalent).
	// Retried up to the configured maximum.
	Temporary
	// Permanent: destination-level conditions retrying cannot fix
	// (unreachable, forbidden, payload rejected). Never retried; drives
	// health degradation.
	Permanent
	// RateLimited: an explicit throttle signal, optionally carrying a
	// server-suggested wait. Retried after the wait; also throttles the
	// global rate.
	RateLimited
	// SystemFailure: a failure internal to this engine (store write failed,
	// engine shutdown mid-send). Never attributed to a destination's health.
	SystemFailure
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Temporary:
		return "temporary"
	case Permanent:
		return "permanent"
	case RateLimited:
		return "rate_limited"
	case SystemFailure:
		return "system_failure"
	default:
		return "unknown"
	}
}

// Retryable reports whether the engine queues this class for a retry pass.
func (c Class) Retryable() bool {
	return c == Temporary || c == RateLimited || c == SystemFailure
}

// ---- Error wrappers ----
//
// Transports and the store annotate errors with these so Classify stays a
// pure function over the error chain.

// PermanentError marks err as a destination-level permanent failure.
func PermanentError(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// SystemError marks err as internal to the engine.
func SystemError(err error) error {
	if err == nil {
		return nil
	}
	return systemError{err: err}
}

type systemError struct{ err error }

func (e systemError) Error() string { return fmt.Sprintf("system: %v", e.err) }
func (e systemError) Unwrap() error { return e.err }

// RateLimitedError marks err as an explicit throttle signal. after may be 0
// when the server did not suggest a wait.
func RateLimitedError(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return rateLimitedError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type rateLimitedError struct {
	err   error
	after time.Duration
}

func (e rateLimitedError) Error() string             { return fmt.Sprintf("rate-limited(%s): %v", e.after, e.err) }
func (e rateLimitedError) Unwrap() error             { return e.err }
func (e rateLimitedError) RetryAfter() time.Duration { return e.after }

// ---- Classification ----

// Classify maps a raw delivery outcome to its class.
//
// Context cancellation counts as a system failure (the engine was shutting
// down, the destination did nothing wrong); a per-attempt deadline counts as
// temporary, the same call may well succeed on the next pass.
func Classify(err error) Class {
	if err == nil {
		return Success
	}
	var pe permanentError
	if errors.As(err, &pe) {
		return Permanent
	}
	var se systemError
	if errors.As(err, &se) {
		return SystemFailure
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return RateLimited
	}
	if errors.Is(err, context.Canceled) {
		return SystemFailure
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Temporary
	}
	return Temporary
}

// RetryAfterHint extracts the server-suggested wait, if the error carries one.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
