package handlers

import (
	"net/http"

	"go.uber.org/zap"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Health reports liveness. It never touches the upstream.
func Health() HealthResponse {
	return HealthResponse{
		Status:  "running",
		Message: "Webhook server is operational",
	}
}

// HealthHandler serves Health as JSON.
func HealthHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, Health())
	}
}
