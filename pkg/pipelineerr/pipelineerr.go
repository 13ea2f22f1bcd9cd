// Package pipelineerr classifies errors surfaced anywhere in the pipeline
// into the fixed taxonomy schedulers and the HTTP surface use to decide
// whether to retry, release a claim, or write a terminal *_failed status.
package pipelineerr

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed error categories. Every error that crosses a
// scheduler or executor boundary is classified into exactly one Kind.
type Kind string

const (
	// KindValidation is bad input shape; never retried, surfaced synchronously.
	KindValidation Kind = "validation"
	// KindNotFound is an identifier that doesn't resolve; synchronous.
	KindNotFound Kind = "not_found"
	// KindConflict is a duplicate unique key or a lost claim race; synchronous.
	KindConflict Kind = "conflict"
	// KindCredentialExpired requires user action to re-grant; terminal for
	// the run, does not consume retry budget.
	KindCredentialExpired Kind = "credential_expired"
	// KindSourceNotFound is terminal for the run; no retries.
	KindSourceNotFound Kind = "source_not_found"
	// KindPermissionDenied is terminal for the run; no retries.
	KindPermissionDenied Kind = "permission_denied"
	// KindTransient (network, rate limit, store unavailable) is retried
	// internally with bounded backoff.
	KindTransient Kind = "transient"
	// KindCancelled is user intent; writes cancelled, never reported as
	// an error to the user.
	KindCancelled Kind = "cancelled"
	// KindInternal is anything else; retry budget consumed.
	KindInternal Kind = "internal"
)

// Error is a classified error carrying its Kind alongside the wrapped
// cause, so callers can both branch on Kind and still unwrap to the
// original error for logging.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error with no wrapped cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies cause under kind, attaching message as context. Returns
// nil if cause is nil, mirroring fmt.Errorf's %w convention.
func Wrap(kind Kind, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Classify returns the Kind of err, walking the error chain for an
// *Error. Unclassified errors (e.g. a bare fmt.Errorf from code that
// hasn't been taught the taxonomy yet) are treated as KindInternal, since
// that is the only Kind safe to default to: it consumes retry budget
// rather than silently retrying forever or silently dropping work.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

// Retryable reports whether a scheduler should retry the operation that
// produced err internally (bounded backoff) rather than writing a
// terminal status immediately. Only Transient errors are retryable;
// Timeout is folded into Transient at the call site.
func Retryable(err error) bool {
	return Classify(err) == KindTransient
}

// ConsumesRetryBudget reports whether a terminal write for err should
// increment retry_count and be retried at all. Only Transient and
// Internal errors go through the retry cycle; everything else is
// terminal-immediately: Validation/NotFound/Conflict/SourceNotFound/
// PermissionDenied will never succeed on a retry since nothing about
// the input or the remote object changes between attempts, and
// CredentialExpired/Cancelled are explicitly excluded because re-auth
// and user action are not worker failures.
func ConsumesRetryBudget(err error) bool {
	switch Classify(err) {
	case KindTransient, KindInternal:
		return true
	default:
		return false
	}
}
