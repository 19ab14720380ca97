package route

import (
	"errors"
	"fmt"
)

// Error codes surfaced to callers. Retryability follows the code, not
// the transport: validation and not-found mean the caller must change
// its input, transient store failures may simply be retried.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeDatabase          = "DATABASE_ERROR"
	CodeCacheInvalidation = "CACHE_INVALIDATION_ERROR"
	CodeUnknown           = "UNKNOWN_ERROR"
)

type Error struct {
	Code    string
	Message string
	Details any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a domain error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrCode extracts the domain code from err, or CodeUnknown if err does
// not carry one.
func ErrCode(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether the failure class is safe to retry as-is.
// Unknown errors are retryable by default.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := AsConflict(err); ok {
		return false
	}
	switch ErrCode(err) {
	case CodeValidation, CodeNotFound:
		return false
	default:
		return true
	}
}

// ConflictError is the distinguishable conflict signal raised by the
// store when an expected version does not match. It is not a generic
// failure: callers resolve it through the explicit protocol.
type ConflictError struct {
	Conflict *RouteUpdateConflict
}

func (e *ConflictError) Error() string {
	if e == nil || e.Conflict == nil {
		return "route update conflict"
	}
	return fmt.Sprintf("route update conflict: local version %d, server version %d",
		e.Conflict.LocalVersion, e.Conflict.ServerVersion)
}

// AsConflict unwraps err into the conflict it carries, if any.
func AsConflict(err error) (*RouteUpdateConflict, bool) {
	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) && conflictErr.Conflict != nil {
		return conflictErr.Conflict, true
	}
	return nil, false
}
