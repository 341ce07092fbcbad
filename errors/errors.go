// Package errors provides the error handling system for the Medora webhook.
// It includes structured error types, JSON response formatting, request ID
// tracking and integrated logging with zap.
//
// Fulfillment requests never see these errors: the webhook handler converts
// every failure into a fulfillment text. They are used by the HTTP layer
// around it (authentication, rate limiting, unknown routes, panics outside
// the handler).
//
// Basic usage:
//
//	errors.WriteError(w, errors.NewAuthError(requestID, "Missing bearer token", nil))
//
//	err := errors.NewValidationError(requestID, "Payload too large", map[string]interface{}{
//	    "limit": 1 << 20,
//	}, readErr)
//	errors.LogError(logger, err, requestID)
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// DefaultLogger is the default zap logger instance used throughout the package.
// It is initialized to a production configuration but can be overridden using SetLogger.
var DefaultLogger *zap.Logger

func init() {
	var err error
	DefaultLogger, err = zap.NewProduction()
	if err != nil {
		DefaultLogger = zap.NewNop()
	}
}

// SetLogger allows setting a custom zap logger instance.
// A nil logger is ignored.
func SetLogger(logger *zap.Logger) {
	if logger != nil {
		DefaultLogger = logger
	}
}

// ErrorType represents the category of an error returned over HTTP.
type ErrorType string

const (
	// AuthError represents a missing or wrong webhook bearer token
	AuthError ErrorType = "authentication_error"

	// ValidationError represents input validation failures
	ValidationError ErrorType = "validation_error"

	// InternalError represents unexpected internal server errors
	InternalError ErrorType = "internal_error"

	// RateLimitError represents rate limiting errors
	RateLimitError ErrorType = "rate_limit_error"

	// NotFoundError represents unknown routes
	NotFoundError ErrorType = "not_found"

	// MethodNotAllowedError represents a known route called with the wrong method
	MethodNotAllowedError ErrorType = "method_not_allowed"
)

// WebhookError carries an HTTP status and context about a failure. It is
// serialized to JSON for responses while keeping the underlying error for logs.
type WebhookError struct {
	// Type categorizes the error for client handling
	Type ErrorType `json:"type"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Code is the HTTP status code (not exposed in JSON)
	Code int `json:"-"`

	// RequestID links the error to a specific request
	RequestID string `json:"request_id"`

	// Details contains additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	err error
}

// Error implements the error interface.
func (e *WebhookError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *WebhookError) Unwrap() error {
	return e.err
}

// Is matches on Type only, so errors.Is(err, &WebhookError{Type: AuthError})
// works regardless of message or request.
func (e *WebhookError) Is(target error) bool {
	t, ok := target.(*WebhookError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WriteError writes err as a JSON response with its status code.
func WriteError(w http.ResponseWriter, err *WebhookError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code)
	if encErr := json.NewEncoder(w).Encode(err); encErr != nil {
		DefaultLogger.Error("failed to encode error response",
			zap.Error(encErr),
			zap.String("request_id", err.RequestID),
		)
	}
}
