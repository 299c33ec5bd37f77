package app

import (
	"fmt"
	"net/http"
)

// DomainError is the typed error every service method returns for a
// client-caused or environment-caused failure. The request boundary
// (http.go) maps it directly to the {detail, code, fields} response body.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Fields  any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, fields any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Fields:  fields,
	}
}

func errValidation(message string, fields any) *DomainError {
	return domainError(http.StatusBadRequest, "validation", message, fields)
}

func errUnauthenticated(message string) *DomainError {
	return domainError(http.StatusUnauthorized, "unauthenticated", message, nil)
}

func errForbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "forbidden", message, nil)
}

func errNotFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "not_found", message, nil)
}

func errConflict(message string, fields any) *DomainError {
	return domainError(http.StatusConflict, "conflict", message, fields)
}

func errPreconditionFailed(message string) *DomainError {
	return domainError(http.StatusPreconditionFailed, "precondition_failed", message, nil)
}

func errUnavailable(message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, "unavailable", message, nil)
}

func errInternal(message string) *DomainError {
	return domainError(http.StatusInternalServerError, "internal", message, nil)
}
