package app

import (
	"fmt"
	"net/http"
)

// DomainError is an error the HTTP layer reports with its own status and
// code instead of a generic 500.
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

// unavailable reports a room feature whose backend is not wired.
func unavailable(feature, message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, feature+"_UNAVAILABLE", message, nil)
}

func invalidRequest(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

var errHistoryUnavailable = unavailable("HISTORY", "Room history is not configured")
