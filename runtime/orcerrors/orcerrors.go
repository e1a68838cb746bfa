// Package orcerrors provides the structured error taxonomy shared by the
// orchestration kernel. Every failure that crosses a component boundary is an
// *Error carrying a Kind, so callers can branch on the failure class with
// errors.As without string matching, and tool endpoints can map errors into
// the result envelope mechanically.
//
// Deadline expiry is deliberately absent from most call paths: a task that
// exceeds its deadline yields a Result with status timed_out, not an error.
package orcerrors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an orchestration failure. Kinds are stable identifiers used
// in result envelopes and logs; they never change meaning between releases.
type Kind string

const (
	// KindSpawnTransient indicates a worker spawn failure that may succeed on
	// retry (runtime momentarily unavailable, image pull timeout).
	KindSpawnTransient Kind = "spawn_transient"
	// KindSpawnPermanent indicates a worker spawn failure that will not
	// succeed on retry (missing binary, unknown image, quota exceeded).
	KindSpawnPermanent Kind = "spawn_permanent"
	// KindBusy indicates a worker already holds a task.
	KindBusy Kind = "busy"
	// KindOverloaded indicates a pool's intra-pool queue is full.
	KindOverloaded Kind = "overloaded"
	// KindNoPoolAvailable indicates routing found no healthy candidate pool.
	KindNoPoolAvailable Kind = "no_pool_available"
	// KindCircuitOpen indicates the adapter's circuit breaker is open and the
	// call was rejected without performing I/O.
	KindCircuitOpen Kind = "circuit_open"
	// KindRateLimited indicates the admission gate denied the invocation.
	KindRateLimited Kind = "rate_limited"
	// KindUnauthenticated indicates a message signature failed verification
	// or no signing secret is configured for the repo.
	KindUnauthenticated Kind = "unauthenticated"
	// KindInvalidTransition indicates a disallowed message status transition.
	KindInvalidTransition Kind = "invalid_transition"
	// KindUnknownRepo indicates a message endpoint is not registered.
	KindUnknownRepo Kind = "unknown_repo"
	// KindStreamParse indicates the worker output stream was malformed.
	// Worker managers convert this into a synthetic completion(failed) frame;
	// it only escapes as an error from direct parser use.
	KindStreamParse Kind = "stream_parse"
	// KindStoreUnavailable indicates the bus or memory backing store failed
	// after retry exhaustion.
	KindStoreUnavailable Kind = "store_unavailable"
	// KindCancelled indicates an operation was cancelled by the caller.
	KindCancelled Kind = "cancelled"
	// KindInvalidArgument indicates a malformed request (bad parameters,
	// schema violation, unknown endpoint).
	KindInvalidArgument Kind = "invalid_argument"
	// KindConfig indicates invalid configuration detected at startup.
	KindConfig Kind = "config"
	// KindInternal is the catch-all for unexpected internal failures.
	KindInternal Kind = "internal"
)

// Error is the structured error used across component boundaries.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Message is the human-readable summary.
	Message string
	// RetryAfter, when positive, hints how long the caller should wait
	// before retrying. Set for overloaded, rate-limited and circuit-open
	// failures.
	RetryAfter time.Duration
	// Cause is the underlying error, if any.
	Cause error
}

// New constructs an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that wraps cause. The cause participates in
// errors.Is/As chains through Unwrap.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithRetryAfter returns a copy of e carrying a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	clone := *e
	clone.RetryAfter = d
	return &clone
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// KindOf returns the Kind of err when err (or any error in its chain) is an
// *Error, and KindInternal otherwise. Context cancellation and deadline
// expiry map to KindCancelled so callers see a stable classification.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Kind == kind
}

// RetryAfter returns the retry hint attached to err, or zero when none.
func RetryAfter(err error) time.Duration {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.RetryAfter
	}
	return 0
}

// Transient reports whether a failure of the given kind is worth retrying
// after a backoff.
func Transient(kind Kind) bool {
	switch kind {
	case KindSpawnTransient, KindOverloaded, KindRateLimited, KindCircuitOpen, KindStoreUnavailable:
		return true
	}
	return false
}

// ExitCode maps an error to the CLI exit code contract: 0 success,
// 1 configuration error, 2 transient failure, 3 overloaded, 4 unauthenticated.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindConfig, KindInvalidArgument:
		return 1
	case KindOverloaded, KindRateLimited:
		return 3
	case KindUnauthenticated:
		return 4
	default:
		return 2
	}
}
