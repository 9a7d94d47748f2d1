package registry

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common error conditions.
var (
	// ErrAlreadyAccepted is returned when a request is no longer pending,
	// typically because another helper accepted it first.
	ErrAlreadyAccepted = errors.New("registry: request already accepted")

	// ErrNotFound is returned for an unknown request or user.
	ErrNotFound = errors.New("registry: not found")

	// ErrInvalidRequest is returned when input fails validation.
	ErrInvalidRequest = errors.New("registry: invalid request")
)

// APIError represents an error response from the registry API.
type APIError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message is the error message from the API.
	Message string

	// Op names the client call that failed.
	Op string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("registry %s: API error %d: %s", e.Op, e.StatusCode, e.Message)
}

// Is maps status codes onto the package sentinels so callers can use
// errors.Is regardless of transport.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAlreadyAccepted:
		return e.IsConflict()
	case ErrNotFound:
		return e.IsNotFound()
	case ErrInvalidRequest:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

// IsConflict returns true if the request lost a race (HTTP 409).
func (e *APIError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

// IsNotFound returns true if the resource was not found (HTTP 404).
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsServerError returns true if this is a server-side error (HTTP 5xx).
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsRetryable returns true if a manual retry may succeed.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.IsServerError()
}

// statusFor maps a store error to the HTTP status the server responds with.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyAccepted):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
