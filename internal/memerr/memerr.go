package memerr

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies an error for callers. Surfaces (HTTP, stdio) translate the
// code; the human-readable text travels alongside but is never parsed.
type Code string

const (
	CodeValidation           Code = "VALIDATION"
	CodeNotFound             Code = "NOT_FOUND"
	CodeProviderUnavailable  Code = "PROVIDER_UNAVAILABLE"
	CodeStoreUnavailable     Code = "STORE_UNAVAILABLE"
	CodeConsistencyViolation Code = "CONSISTENCY_VIOLATION"
	CodePermissionDenied     Code = "PERMISSION_DENIED"
	CodeCancelled            Code = "CANCELLED"
	CodeDeadlineExceeded     Code = "DEADLINE_EXCEEDED"
	CodeInternal             Code = "INTERNAL"
)

// Error carries a code, a message safe to return to callers, and the wrapped
// cause for logs.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a coded error wrapping cause (cause may be nil).
func E(code Code, msg string, cause error) error {
	return &Error{Code: code, Message: msg, Err: cause}
}

// Ef builds a coded error with a formatted message and no cause.
func Ef(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from err, mapping context errors to their codes
// and anything unclassified to INTERNAL. A nil err has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeDeadlineExceeded
	}
	return CodeInternal
}

// MessageOf returns the caller-safe message for err. Unclassified errors get
// a generic message so internals never leak through a surface.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "operation cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "operation deadline exceeded"
	}
	return "internal error"
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool { return CodeOf(err) == code }
