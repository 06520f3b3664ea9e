package app

import (
	"fmt"
	"net/http"
)

// DomainError is an error the HTTP layer can render directly: handlers and
// backing services return one when the failure has a well-defined status
// and client-facing code.
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

// validationError rejects a request body field with a 422.
func validationError(message string) *DomainError {
	return &DomainError{
		Status:  http.StatusUnprocessableEntity,
		Code:    "VALIDATION_ERROR",
		Message: message,
	}
}

// unavailableError reports a backing service that is not configured or not
// reachable.
func unavailableError(message string) *DomainError {
	return &DomainError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
	}
}

func writeDomainError(w http.ResponseWriter, e *DomainError) {
	writeError(w, e.Status, e.Code, e.Message, e.Details)
}
