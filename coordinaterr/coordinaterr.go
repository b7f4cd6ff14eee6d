// Package coordinaterr defines the typed error taxonomy shared across the
// coordinator's packages. Callers use Is and As in the usual way; Code
// exposes the taxonomy for transports that need to map errors onto status
// codes without string matching.
package coordinaterr

import (
	"errors"
	"fmt"
)

// Code classifies an error into one of the coordinator's error categories.
type Code string

const (
	CodeValidation        Code = "validation"
	CodeDependencyInvalid Code = "dependency_invalid"
	CodeStateConflict     Code = "state_conflict"
	CodeForbidden         Code = "forbidden"
	CodeClaimUnavailable  Code = "claim_unavailable"
	CodeCapExceeded       Code = "cap_exceeded"
	CodeRateLimited       Code = "rate_limited"
	CodeNotFound          Code = "not_found"
	CodeTransient         Code = "transient"
	CodeInternal          Code = "internal"
)

// Error is the concrete error type returned by coordinator operations.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that carries an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Is reports whether err is a coordinator Error with the given code.
func Is(err error, code Code) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

func IsValidation(err error) bool        { return Is(err, CodeValidation) }
func IsDependencyInvalid(err error) bool { return Is(err, CodeDependencyInvalid) }
func IsStateConflict(err error) bool     { return Is(err, CodeStateConflict) }
func IsForbidden(err error) bool         { return Is(err, CodeForbidden) }
func IsClaimUnavailable(err error) bool  { return Is(err, CodeClaimUnavailable) }
func IsCapExceeded(err error) bool       { return Is(err, CodeCapExceeded) }
func IsRateLimited(err error) bool       { return Is(err, CodeRateLimited) }
func IsNotFound(err error) bool          { return Is(err, CodeNotFound) }
func IsTransient(err error) bool         { return Is(err, CodeTransient) }
