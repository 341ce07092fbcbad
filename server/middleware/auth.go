package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/medora-ai/medora/errors"
)

// BearerAuth rejects requests whose Authorization header does not carry
// token as a bearer credential. An empty token disables the check.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestID(r.Context())

			header := r.Header.Get("Authorization")
			if header == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="webhook"`)
				errors.WriteError(w, errors.NewAuthError(requestID, "Missing bearer token", nil))
				return
			}

			scheme, credential, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") ||
				subtle.ConstantTimeCompare([]byte(strings.TrimSpace(credential)), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="webhook", error="invalid_token"`)
				errors.WriteError(w, errors.NewAuthError(requestID, "Invalid bearer token", nil))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
