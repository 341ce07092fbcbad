package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
)

// ErrorHandler wraps an http.Handler and converts panics into a JSON
// InternalError response.
func ErrorHandler(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					requestID := w.Header().Get("X-Request-ID")
					err := NewInternalError(requestID, fmt.Errorf("panic: %v", rec))

					LogError(logger.With(
						zap.String("path", r.URL.Path),
						zap.ByteString("stacktrace", debug.Stack()),
					), err, requestID)
					WriteError(w, err)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// LogError logs an error with its context. WebhookErrors below 500 are
// logged at warn, everything else at error.
func LogError(logger *zap.Logger, err error, requestID string) {
	var webhookErr *WebhookError
	if errors.As(err, &webhookErr) {
		log := logger.Error
		if webhookErr.Code < http.StatusInternalServerError {
			log = logger.Warn
		}
		log("request error",
			zap.String("error_type", string(webhookErr.Type)),
			zap.String("message", webhookErr.Message),
			zap.Int("code", webhookErr.Code),
			zap.String("request_id", requestID),
			zap.Any("details", webhookErr.Details),
			zap.Error(webhookErr.Unwrap()),
		)
		return
	}
	logger.Error("unexpected error",
		zap.Error(err),
		zap.String("request_id", requestID),
	)
}
