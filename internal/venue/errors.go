package venue

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the four-way failure taxonomy every venue call surfaces (§7).
type ErrorKind string

const (
	// ErrorKindValidation means the input itself violates an intrinsic invariant.
	// Never retried.
	ErrorKindValidation ErrorKind = "validation"
	// ErrorKindRejection means the venue understood the request and refused it
	// (insufficient balance, invalid instrument, price outside band). Never retried.
	ErrorKindRejection ErrorKind = "rejection"
	// ErrorKindTransient means network, 5xx, rate-limit, or timeout. Retried with
	// exponential backoff.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindIndeterminate means the request was sent but no response arrived;
	// the caller must reconcile by client-order-id before retrying.
	ErrorKindIndeterminate ErrorKind = "indeterminate"
)

// Error is the single error type every adapter method returns on failure. Callers
// use errors.As to recover the Kind instead of matching on message text.
type Error struct {
	Kind       ErrorKind
	Venue      string
	Message    string
	RetryAfter time.Duration // only meaningful when Kind == transient and rate-limited
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Venue, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Venue, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the adapter-level retry loop should attempt this call again.
func (e *Error) Retryable() bool {
	return e.Kind == ErrorKindTransient || e.Kind == ErrorKindIndeterminate
}

func NewValidationError(venueName, msg string) error {
	return &Error{Kind: ErrorKindValidation, Venue: venueName, Message: msg}
}

func NewRejectionError(venueName, msg string, cause error) error {
	return &Error{Kind: ErrorKindRejection, Venue: venueName, Message: msg, Cause: cause}
}

func NewTransientError(venueName, msg string, cause error) error {
	return &Error{Kind: ErrorKindTransient, Venue: venueName, Message: msg, Cause: cause}
}

func NewRateLimitError(venueName, msg string, retryAfter time.Duration, cause error) error {
	return &Error{Kind: ErrorKindTransient, Venue: venueName, Message: msg, RetryAfter: retryAfter, Cause: cause}
}

func NewIndeterminateError(venueName, msg string, cause error) error {
	return &Error{Kind: ErrorKindIndeterminate, Venue: venueName, Message: msg, Cause: cause}
}

// KindOf extracts the Kind of a venue error, defaulting to transient for anything
// that isn't one of ours (a conservative default: unrecognized errors get retried
// up to the caller's attempt budget rather than silently swallowed).
func KindOf(err error) ErrorKind {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return ErrorKindTransient
}

// ErrCapabilityUnsupported is returned by optional-capability methods (leverage,
// margin mode, funding rate, sub-account transfer) a venue doesn't implement. It is
// distinguished from a runtime failure precisely because §4.1 requires that.
var ErrCapabilityUnsupported = errors.New("capability not supported by this venue")
