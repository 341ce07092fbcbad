// Package handlers provides the HTTP handlers of the webhook server.
//
// The webhook handler never fails at the HTTP level: malformed payloads,
// upstream failures and panics all end in a 200 response whose text is a
// fallback message.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/medora-ai/medora/config"
	"github.com/medora-ai/medora/errors"
	"github.com/medora-ai/medora/server/dispatch"
	"github.com/medora-ai/medora/server/fulfillment"
	"github.com/medora-ai/medora/server/middleware"
	"github.com/medora-ai/medora/server/upstream"
	"go.uber.org/zap"
)

// Completer answers a message, optionally with an image reference.
type Completer interface {
	Complete(ctx context.Context, message, imageURL string) upstream.Result
}

// Submitter accepts deferred tasks without blocking.
type Submitter interface {
	Submit(dispatch.Task) error
}

// WebhookHandler answers fulfillment requests.
type WebhookHandler struct {
	cfg       config.WebhookConfig
	completer Completer
	submitter Submitter
	logger    *zap.Logger
}

// NewWebhookHandler creates a handler. submitter is only used, and then
// required, in deferred mode.
func NewWebhookHandler(cfg config.WebhookConfig, completer Completer, submitter Submitter, logger *zap.Logger) (*WebhookHandler, error) {
	switch cfg.Mode {
	case config.ModeSync:
		if completer == nil {
			return nil, fmt.Errorf("sync mode requires a completer")
		}
	case config.ModeDeferred:
		if submitter == nil {
			return nil, fmt.Errorf("deferred mode requires a dispatcher")
		}
	default:
		return nil, fmt.Errorf("unknown webhook mode %q", cfg.Mode)
	}

	return &WebhookHandler{
		cfg:       cfg,
		completer: completer,
		submitter: submitter,
		logger:    logger.Named("webhook"),
	}, nil
}

// Handle turns a raw payload into exactly one fulfillment response.
func (h *WebhookHandler) Handle(ctx context.Context, body []byte) (resp fulfillment.Response) {
	requestID := middleware.GetRequestID(ctx)
	logger := h.logger.With(zap.String("request_id", requestID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while handling webhook",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
				zap.ByteString("payload", body),
			)
			resp = fulfillment.NewTextResponse(h.cfg.ErrorText)
		}
	}()

	logger.Debug("Webhook payload received", zap.ByteString("payload", body))

	q, err := fulfillment.ParseQuery(body)
	if err != nil {
		logger.Warn("Malformed webhook payload",
			zap.Error(err),
			zap.ByteString("payload", body),
		)
		return fulfillment.NewTextResponse(h.cfg.ErrorText)
	}

	logger = logger.With(zap.String("session_id", q.SessionID))
	logger.Info("Webhook query received",
		zap.String("mode", h.cfg.Mode),
		zap.String("intent", q.Intent),
		zap.String("language", q.LanguageCode),
		zap.Int("utterance_length", len(q.Utterance)),
		zap.Bool("has_image", q.ImageURL != ""),
	)

	if h.cfg.Mode == config.ModeDeferred {
		h.submit(logger, requestID, q)
		return fulfillment.NewTextResponse(h.cfg.Acknowledgment)
	}

	res := h.completer.Complete(ctx, q.Utterance, q.ImageURL)
	return fulfillment.NewTextResponse(res.Text)
}

func (h *WebhookHandler) submit(logger *zap.Logger, requestID string, q fulfillment.Query) {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	err := h.submitter.Submit(dispatch.Task{
		ID:        requestID,
		SessionID: q.SessionID,
		Message:   q.Utterance,
		ImageURL:  q.ImageURL,
	})
	if err != nil {
		logger.Warn("Deferred task rejected", zap.Error(err))
		return
	}
	logger.Debug("Deferred task accepted", zap.String("task_id", requestID))
}

// ServeHTTP reads the body, calls Handle and always answers 200 with JSON.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var resp fulfillment.Response

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		requestID := middleware.GetRequestID(r.Context())
		errors.LogError(h.logger, errors.NewValidationError(requestID, "Failed to read webhook body",
			map[string]interface{}{"limit": h.cfg.MaxBodyBytes}, err), requestID)
		resp = fulfillment.NewTextResponse(h.cfg.ErrorText)
	} else {
		resp = h.Handle(r.Context(), body)
	}

	writeJSON(w, h.logger, resp)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}
