package app

import (
	"fmt"
	"net/http"
)

// DomainError is a journal-level failure carrying the HTTP status it maps to,
// like a rejected tree move or an edit attempt by a viewer. mapError unwraps
// it at the response boundary.
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

// errNoteNotFound covers both missing and unreadable notes, so note IDs never
// leak existence to callers without read access.
func errNoteNotFound() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Note not found", nil)
}
