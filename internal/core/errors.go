// Package core provides the data model and error taxonomy shared by the query orchestration layer.
package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrorType represents the kind of failure that occurred
type ErrorType string

const (
	// ErrorTypeNetwork indicates a connectivity failure where no response was received
	ErrorTypeNetwork ErrorType = "network_error"
	// ErrorTypeTimeout indicates the configured deadline was exceeded
	ErrorTypeTimeout ErrorType = "timeout_error"
	// ErrorTypeServer indicates a non-2xx response from the backend
	ErrorTypeServer ErrorType = "server_error"
	// ErrorTypePollingAbandoned indicates a poller exhausted its transient-failure budget
	ErrorTypePollingAbandoned ErrorType = "polling_abandoned"
	// ErrorTypeValidation indicates input rejected before any network call
	ErrorTypeValidation ErrorType = "validation_error"
)

// GatewayError is the normalized error returned by every component of the layer.
type GatewayError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
	Method     string    `json:"method,omitempty"`
	Path       string    `json:"path,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Method != "" && e.Path != "" {
		if e.StatusCode != 0 {
			return fmt.Sprintf("%s %s: %s (%d): %s", e.Method, e.Path, e.Type, e.StatusCode, e.Message)
		}
		return fmt.Sprintf("%s %s: %s: %s", e.Method, e.Path, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the status code a local HTTP surface should answer with.
func (e *GatewayError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeServer:
		if e.StatusCode >= 400 && e.StatusCode < 500 {
			return e.StatusCode
		}
		return http.StatusBadGateway
	case ErrorTypeValidation:
		if e.StatusCode != 0 {
			return e.StatusCode
		}
		return http.StatusBadRequest
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeNetwork, ErrorTypePollingAbandoned:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *GatewayError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// WithRequest records the call that produced the error and returns e.
func (e *GatewayError) WithRequest(method, path string) *GatewayError {
	e.Method = method
	e.Path = path
	return e
}

// NewNetworkError creates an error for a call that received no response
func NewNetworkError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeNetwork,
		Message: message,
		Err:     err,
	}
}

// NewTimeoutError creates an error for a call that exceeded its deadline
func NewTimeoutError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeTimeout,
		Message: message,
		Err:     err,
	}
}

// NewServerError creates an error for a non-2xx response
func NewServerError(statusCode int, message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeServer,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// NewPollingAbandonedError creates the error carried by a poller that gave up
func NewPollingAbandonedError(jobID string, failures int, err error) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypePollingAbandoned,
		Message: fmt.Sprintf("polling job %s abandoned after %d consecutive failures", jobID, failures),
		Err:     err,
	}
}

// NewValidationError creates an error for input rejected before any network call
func NewValidationError(message string) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeValidation,
		Message: message,
	}
}

// ParseServerError builds a server error from a non-2xx response body.
// It understands {"message": ...}, {"detail": ...}, FastAPI validation lists and
// {"error": {"message": ...}} bodies, and falls back to the raw text.
func ParseServerError(statusCode int, body []byte) *GatewayError {
	message := strings.TrimSpace(string(body))
	if gjson.ValidBytes(body) {
		for _, path := range []string{"message", "detail", "detail.0.msg", "error.message", "error"} {
			if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String && r.String() != "" {
				message = r.String()
				break
			}
		}
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return NewServerError(statusCode, message, nil)
}

// TypeOf returns the ErrorType of err, or "" when err is not a GatewayError.
func TypeOf(err error) ErrorType {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Type
	}
	return ""
}

// IsType reports whether err is a GatewayError of type t.
func IsType(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}
