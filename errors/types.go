package errors

import (
	"net/http"
)

// NewAuthError creates an authentication error for a rejected webhook call.
func NewAuthError(requestID, message string, err error) *WebhookError {
	return &WebhookError{
		Type:      AuthError,
		Message:   message,
		Code:      http.StatusUnauthorized,
		RequestID: requestID,
		err:       err,
		Details: map[string]interface{}{
			"suggestion": "Configure the webhook header Authorization: Bearer <token>",
		},
	}
}

// NewValidationError creates a validation error for a rejected request
// payload. err may be nil.
func NewValidationError(requestID, message string, validationDetails map[string]interface{}, err error) *WebhookError {
	return &WebhookError{
		Type:      ValidationError,
		Message:   message,
		Code:      http.StatusBadRequest,
		RequestID: requestID,
		Details:   validationDetails,
		err:       err,
	}
}

// NewRateLimitError creates a rate limit error. retryAfter is in seconds.
func NewRateLimitError(requestID string, retryAfter int) *WebhookError {
	return &WebhookError{
		Type:      RateLimitError,
		Message:   "Rate limit exceeded",
		Code:      http.StatusTooManyRequests,
		RequestID: requestID,
		Details: map[string]interface{}{
			"retry_after": retryAfter,
		},
	}
}

// NewNotFoundError creates an error for an unknown route.
func NewNotFoundError(requestID, path string) *WebhookError {
	return &WebhookError{
		Type:      NotFoundError,
		Message:   "Route not found",
		Code:      http.StatusNotFound,
		RequestID: requestID,
		Details: map[string]interface{}{
			"path": path,
		},
	}
}

// NewMethodNotAllowedError creates an error for a route called with the wrong method.
func NewMethodNotAllowedError(requestID, method string) *WebhookError {
	return &WebhookError{
		Type:      MethodNotAllowedError,
		Message:   "Method not allowed",
		Code:      http.StatusMethodNotAllowed,
		RequestID: requestID,
		Details: map[string]interface{}{
			"method": method,
		},
	}
}

// NewInternalError creates an internal server error with appropriate defaults.
func NewInternalError(requestID string, err error) *WebhookError {
	return &WebhookError{
		Type:      InternalError,
		Message:   "An internal error occurred",
		Code:      http.StatusInternalServerError,
		RequestID: requestID,
		err:       err,
	}
}
