package app

import (
	"errors"
	"fmt"
	"net/http"

	"wayfarer/api/internal/route"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError translates service errors into HTTP status, code, message
// and details. Version conflicts carry the full conflict payload so
// clients can drive the resolution flow from the 409 body.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if conflict, ok := route.AsConflict(err); ok {
		return http.StatusConflict, "VERSION_CONFLICT", "Route was modified by another user", conflict
	}

	var routeErr *route.Error
	if errors.As(err, &routeErr) {
		switch routeErr.Code {
		case route.CodeValidation:
			return http.StatusUnprocessableEntity, routeErr.Code, routeErr.Message, routeErr.Details
		case route.CodeNotFound:
			return http.StatusNotFound, routeErr.Code, routeErr.Message, routeErr.Details
		case route.CodeDatabase:
			return http.StatusServiceUnavailable, routeErr.Code, routeErr.Message, routeErr.Details
		case route.CodeCacheInvalidation:
			return http.StatusInternalServerError, routeErr.Code, routeErr.Message, routeErr.Details
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
