package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so handlers can map it to an HTTP status and
// callers can decide whether a retry makes sense.
type Kind int

const (
	// KindValidation marks malformed or out-of-range input. Never retried.
	KindValidation Kind = iota
	// KindNotFound marks a missing or not-owned order/payment/refund.
	KindNotFound
	// KindConflict marks a state-transition precondition failure. The
	// operation was a no-op; the caller should treat it as already handled.
	KindConflict
	// KindIntegrity marks an internal invariant that would be violated,
	// rejected before any write.
	KindIntegrity
	// KindGatewayTransient marks a network/timeout failure talking to the
	// payment provider. Safe to retry with backoff.
	KindGatewayTransient
	// KindGatewayPermanent marks an explicit provider rejection. Not retried.
	KindGatewayPermanent
	// KindInternal marks a persistence or other unexpected failure.
	KindInternal
)

// Error is the single error type crossing component boundaries. Code carries
// the provider result code when one exists.
type Error struct {
	Kind Kind
	Msg  string
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

func Integrity(format string, args ...any) *Error {
	return &Error{Kind: KindIntegrity, Msg: fmt.Sprintf(format, args...)}
}

func GatewayTransient(msg string, err error) *Error {
	return &Error{Kind: KindGatewayTransient, Msg: msg, Err: err}
}

func GatewayPermanent(msg, code string) *Error {
	return &Error{Kind: KindGatewayPermanent, Msg: msg, Code: code}
}

func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}

// KindOf extracts the Kind from any error, defaulting to KindInternal for
// errors that did not originate in this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the provider result code attached to the error, if any.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the caller may retry the operation.
func IsRetryable(err error) bool {
	return KindOf(err) == KindGatewayTransient
}
