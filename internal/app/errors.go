package app

import (
	"fmt"
	"net/http"
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

// The annotation error taxonomy. NotFound and Unauthorized are terminal;
// InvalidVisibility is a caller input error; StoreUnavailable is the only
// retriable failure and retries belong to the caller, not this service.
func errNotFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func errUnauthorized(message string) *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}

func errInvalidVisibility(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "INVALID_VISIBILITY", message, nil)
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func errExportUnavailable() *DomainError {
	return domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "thread export is not configured", nil)
}

func errStoreUnavailable(op string) *DomainError {
	return domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "annotation store unavailable, retry later", map[string]any{"op": op})
}
