// Package apperr defines the error kinds surfaced by the meet coordination
// core and the client-visible sanitization rules around them.
package apperr

import "fmt"

// Kind classifies an error for status-code mapping and client sanitization.
type Kind string

const (
	KindAuthFailed    Kind = "AUTH_FAILED"
	KindNotFound      Kind = "NOT_FOUND"
	KindInvalidInput  Kind = "INVALID_INPUT"
	KindNeedsRecovery Kind = "NEEDS_RECOVERY"
	KindRateLimited   Kind = "RATE_LIMITED"
	KindStorageError  Kind = "STORAGE_ERROR"
	KindInternal      Kind = "INTERNAL"
)

// codes mirrors the per-kind string codes from the source implementation's
// error taxonomy (AUTH_001, MEET_001, ...), kept as a stable wire-visible code
// distinct from the Go-level Kind.
var codes = map[Kind]string{
	KindAuthFailed:    "AUTH_001",
	KindNotFound:      "NF_001",
	KindInvalidInput:  "VAL_001",
	KindNeedsRecovery: "RECOVERY_001",
	KindRateLimited:   "RATE_001",
	KindStorageError:  "IO_001",
	KindInternal:      "INT_001",
}

// genericMessages is the single sanitized phrase per kind shown in
// production; debug mode exposes the wrapped cause instead.
var genericMessages = map[Kind]string{
	KindAuthFailed:    "authentication failed",
	KindNotFound:      "resource not found",
	KindInvalidInput:  "invalid request",
	KindNeedsRecovery: "state recovery required",
	KindRateLimited:   "rate limit exceeded",
	KindStorageError:  "internal storage error",
	KindInternal:      "internal error",
}

// Error is the error type returned by core components.
type Error struct {
	Kind Kind
	Code string
	// MeetID and LastKnownSeq are populated only for KindNeedsRecovery, so
	// callers can build the recovery-required wire signal without parsing a
	// formatted string.
	MeetID       string
	LastKnownSeq uint64
	cause        error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.cause)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.cause }

// SanitizedMessage returns the production-safe message for the kind unless
// debug is true, in which case the underlying cause is included.
func (e *Error) SanitizedMessage(debug bool) string {
	if debug && e.cause != nil {
		return fmt.Sprintf("%s: %v", genericMessages[e.Kind], e.cause)
	}
	return genericMessages[e.Kind]
}

func newErr(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Code: codes[kind], cause: cause}
}

func AuthFailed(cause error) *Error   { return newErr(KindAuthFailed, cause) }
func NotFound(cause error) *Error     { return newErr(KindNotFound, cause) }
func InvalidInput(cause error) *Error { return newErr(KindInvalidInput, cause) }
func Storage(cause error) *Error      { return newErr(KindStorageError, cause) }
func Internal(cause error) *Error     { return newErr(KindInternal, cause) }
func RateLimited() *Error             { return newErr(KindRateLimited, nil) }

// NeedsRecovery builds the error the Meet Actor returns from Apply when a
// sequence gap or long inactivity window is detected.
func NeedsRecovery(meetID string, lastKnownSeq uint64) *Error {
	e := newErr(KindNeedsRecovery, nil)
	e.MeetID = meetID
	e.LastKnownSeq = lastKnownSeq
	return e
}

// AsError unwraps a generic error into an *Error, or wraps it as Internal
// if it isn't already one.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		return ae
	}
	return Internal(err)
}
