// Package apierror defines the error taxonomy of §7: every failure that
// can cross a component boundary is one of these typed errors, carrying
// the HTTP status and OperationOutcome rendering the outer HTTP layer
// needs without that layer having to re-derive it from error strings.
package apierror

import (
	"errors"
	"fmt"

	"github.com/erx-fd/fachdienst/pkg/fhir"
)

// Code names one taxonomy entry.
type Code string

const (
	CodeEnvelopeMalformed Code = "EnvelopeMalformed"
	CodeDecryptFailed     Code = "DecryptFailed"
	CodeTokenInvalid      Code = "TokenInvalid"
	CodeAuthzDenied       Code = "AuthzDenied"
	CodeNotFound          Code = "NotFound"
	CodeConflict          Code = "Conflict"
	CodeQESInvalid        Code = "QESInvalid"
	CodeThrottled         Code = "Throttled"
	CodePayloadTooLarge   Code = "PayloadTooLarge"
	CodeInternal          Code = "Internal"
)

// httpStatus maps each Code to its outer HTTP status per §7.
var httpStatus = map[Code]int{
	CodeEnvelopeMalformed: 400,
	CodeDecryptFailed:     400,
	CodeTokenInvalid:      401,
	CodeAuthzDenied:       403,
	CodeNotFound:          404,
	CodeConflict:          409,
	CodeQESInvalid:        400,
	CodeThrottled:         429,
	CodePayloadTooLarge:   413,
	CodeInternal:          500,
}

// Error is the typed failure value every component returns instead of an
// opaque error for conditions the caller must branch on.
type Error struct {
	Code    Code
	Message string
	// RetryAfterSeconds is set only for CodeThrottled.
	RetryAfterSeconds int
	cause             error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the outer HTTP status this error maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return 500
}

// New constructs a typed Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs a typed Error wrapping an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Throttled constructs the CodeThrottled error with its Retry-After value.
func Throttled(retryAfterSeconds int) *Error {
	return &Error{
		Code:              CodeThrottled,
		Message:           "too many failed verifications",
		RetryAfterSeconds: retryAfterSeconds,
	}
}

// As reports whether err is (or wraps) an *Error, returning it if so.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// OperationOutcome renders the FHIR OperationOutcome body for error codes
// that carry one (TokenInvalid and AuthzDenied per §7; other codes return
// an outcome too since the inner HTTP layer always has a body to send).
func (e *Error) OperationOutcome() *fhir.OperationOutcome {
	issueCode := "exception"
	switch e.Code {
	case CodeTokenInvalid:
		issueCode = "login"
	case CodeAuthzDenied:
		issueCode = "forbidden"
	case CodeNotFound:
		issueCode = "not-found"
	case CodeConflict:
		issueCode = "conflict"
	case CodeQESInvalid:
		issueCode = "invalid"
	case CodeThrottled:
		issueCode = "throttled"
	case CodePayloadTooLarge:
		issueCode = "too-long"
	}
	return fhir.NewOperationOutcome(issueCode, e.Message)
}
