// Package errors defines the error types returned across the service's
// HTTP and WebSocket boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes carried in API error bodies.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExecutionError     = "EXECUTION_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// APIError is an error that knows how to present itself to an API client.
type APIError struct {
	Status     int                    `json:"-"`
	Code       string                 `json:"code"`
	Message    string                 `json:"error"`
	Detail     string                 `json:"message,omitempty"`
	IncidentID *string                `json:"incident_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// WithIncident records the incident the client should follow. An empty id
// leaves the field out.
func (e *APIError) WithIncident(id string) *APIError {
	if id != "" {
		e.IncidentID = &id
	}
	return e
}

// NewInvalidRequestError creates a 400 error.
func NewInvalidRequestError(message string, err error) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: CodeInvalidRequest, Message: message, Err: err}
}

// NewNotFoundError creates a 404 error for a missing resource.
func NewNotFoundError(kind, name string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found", kind, name),
	}
}

// NewRateLimitError creates a 429 error.
func NewRateLimitError(client string) *APIError {
	return &APIError{
		Status:  http.StatusTooManyRequests,
		Code:    CodeRateLimited,
		Message: "rate limit exceeded",
		Details: map[string]interface{}{"client": client},
	}
}

// NewUnavailableError creates a 503 error for a failing search service.
func NewUnavailableError(detail string, err error) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    CodeServiceUnavailable,
		Message: "Search service temporarily unavailable",
		Detail:  detail,
		Err:     err,
	}
}

// NewExecutionError creates a 502 error for an agent that failed to answer.
func NewExecutionError(agentName string, err error) *APIError {
	return &APIError{
		Status:  http.StatusBadGateway,
		Code:    CodeExecutionError,
		Message: fmt.Sprintf("agent '%s' failed", agentName),
		Detail:  errMessage(err),
		Err:     err,
	}
}

// NewInternalError creates a 500 error.
func NewInternalError(message string, err error) *APIError {
	return &APIError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: message, Err: err}
}

// AsAPIError returns err as an *APIError, wrapping unknown errors as
// internal errors.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewInternalError("internal error", err)
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ConnectionError is returned when the event stream cannot be reached.
type ConnectionError struct {
	URL     string
	Message string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection to %s failed: %s: %v", e.URL, e.Message, e.Err)
	}
	return fmt.Sprintf("connection to %s failed: %s", e.URL, e.Message)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError creates a new connection error.
func NewConnectionError(url, message string, err error) *ConnectionError {
	return &ConnectionError{URL: url, Message: message, Err: err}
}
