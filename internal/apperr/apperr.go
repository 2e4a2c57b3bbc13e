package apperr

import (
	"errors"
	"time"
)

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err    error
	reason string
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue fails the task without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// PermanentReason is Permanent with a user-safe reason attached.
func PermanentReason(err error, reason string) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err, reason: reason}
}

// IsPermanent reports whether err (or anything it wraps) is permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// retryAfterError carries an explicit retry delay hint.
type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return e.err.Error() }
func (e retryAfterError) Unwrap() error { return e.err }

// RetryAfter wraps err with a minimum delay before the next attempt.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterHint extracts the delay hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra retryAfterError
	if errors.As(err, &ra) {
		return ra.after, true
	}
	return 0, false
}

// reasonError attaches a user-safe reason without changing retry semantics.
type reasonError struct {
	err    error
	reason string
}

func (e reasonError) Error() string { return e.err.Error() }
func (e reasonError) Unwrap() error { return e.err }

// WithReason attaches a user-visible reason to err.
func WithReason(err error, reason string) error {
	if err == nil {
		return nil
	}
	return reasonError{err: err, reason: reason}
}

// Reason returns the user-visible reason for err. Raw internal errors never
// leave the core, so unknown errors map to a generic text.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var r reasonError
	if errors.As(err, &r) && r.reason != "" {
		return r.reason
	}
	var p permanentError
	if errors.As(err, &p) && p.reason != "" {
		return p.reason
	}
	return "internal error"
}
