package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failure so the pipeline can decide recovery without
// inspecting component internals.
type ErrorKind string

const (
	// KindTransient covers network errors, 5xx responses, and explicit
	// retryable signals. Retried with backoff inside the pipeline.
	KindTransient ErrorKind = "transient"
	// KindRateLimited is a driver rejection carrying a retry-after hint.
	// Treated as transient, but the hint re-seeds the relevant bucket.
	KindRateLimited ErrorKind = "rate_limited"
	// KindQuota means a per-tenant or global limit was exceeded.
	// Non-retryable for the current job.
	KindQuota ErrorKind = "quota_exceeded"
	// KindValidation means the generated content was rejected. Terminal.
	KindValidation ErrorKind = "validation"
	// KindConfiguration covers missing template variables and invalid
	// tenant settings. Terminal for the job.
	KindConfiguration ErrorKind = "configuration"
	// KindFatal aborts engine start: repository unreachable, misconfigured
	// required driver.
	KindFatal ErrorKind = "fatal"
)

// Error is a classified error. Components return these; the pipeline
// branches on Kind.
type Error struct {
	Kind    ErrorKind
	Message string
	// RetryAfter is the driver-signaled wait, set only for KindRateLimited.
	RetryAfter time.Duration
	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a classified error wrapping cause (which may be nil).
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// NewRateLimited constructs a rate-limited error with a retry-after hint.
func NewRateLimited(message string, retryAfter time.Duration, cause error) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfter: retryAfter, Err: cause}
}

// KindOf extracts the ErrorKind from err. Unclassified errors report
// KindTransient, the safe default for unknown failures: they are retried a
// bounded number of times rather than terminally failing the post.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsRetryable reports whether err should be retried by the pipeline's
// backoff loop.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}

// RetryAfterOf returns the retry-after hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
