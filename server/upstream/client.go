// Package upstream calls the chat-completion service. The client never
// returns an error: every failure is classified into a Result carrying a
// user-facing fallback text.
package upstream

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/medora-ai/medora/config"
	"github.com/medora-ai/medora/server/metrics"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Client is the chat-completion client. It is safe for concurrent use.
type Client struct {
	api     *openai.Client
	cfg     config.UpstreamConfig
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *metrics.Metrics

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client for cfg. m may be nil.
func NewClient(cfg config.UpstreamConfig, logger *zap.Logger, m *metrics.Metrics) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	c := &Client{
		api:     openai.NewClientWithConfig(oc),
		cfg:     cfg,
		logger:  logger.With(zap.String("upstream", cfg.Name), zap.String("model", cfg.Model)),
		metrics: m,
		sleep:   sleepContext,
	}

	if cfg.CircuitBreaker.Enabled {
		c.breaker = c.newBreaker(cfg.CircuitBreaker)
	}

	return c
}

func (c *Client) newBreaker(cfg config.CircuitBreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if c.metrics != nil {
				c.metrics.BreakerState.Set(float64(to))
			}
		},
		IsSuccessful: func(err error) bool {
			var gone *callerGoneError
			if err == nil || errors.As(err, &gone) {
				return true
			}
			return !c.classify(err).retryable()
		},
	})
}

// BuildRequest assembles the fixed two-message conversation. With an image
// reference the user message becomes a text part followed by an image part.
func BuildRequest(cfg config.UpstreamConfig, message, imageURL string) openai.ChatCompletionRequest {
	user := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: message,
	}
	if imageURL != "" {
		user = openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: message},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: imageURL}},
			},
		}
	}

	return openai.ChatCompletionRequest{
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: cfg.SystemPrompt},
			user,
		},
	}
}

// Complete sends message (and an optional image reference) to the service
// and returns the answer or a classified failure.
func (c *Client) Complete(ctx context.Context, message, imageURL string) Result {
	start := time.Now()
	req := BuildRequest(c.cfg, message, imageURL)

	c.logger.Debug("Calling upstream",
		zap.Int("message_length", len(message)),
		zap.Bool("has_image", imageURL != ""),
	)

	var res Result
	for attempt := 0; ; attempt++ {
		res = c.attempt(ctx, req)
		res.Attempts = attempt + 1

		if res.OK() || attempt >= c.cfg.Retry.MaxRetries || !res.retryable() || ctx.Err() != nil {
			break
		}

		delay := c.backoff(attempt)
		c.logger.Warn("Retrying upstream call",
			zap.Int("attempt", res.Attempts),
			zap.String("kind", string(res.Kind)),
			zap.String("detail", res.Detail),
			zap.Duration("delay", delay),
		)
		if c.metrics != nil {
			c.metrics.UpstreamRetries.Inc()
		}
		if err := c.sleep(ctx, delay); err != nil {
			break
		}
	}

	c.record(res, time.Since(start))
	return res
}

// Reply is Complete reduced to its text.
func (c *Client) Reply(ctx context.Context, message, imageURL string) string {
	return c.Complete(ctx, message, imageURL).Text
}

func (c *Client) attempt(ctx context.Context, req openai.ChatCompletionRequest) Result {
	call := func() (interface{}, error) {
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil && ctx.Err() != nil {
			return resp, &callerGoneError{err: err}
		}
		return resp, err
	}

	var (
		v   interface{}
		err error
	)
	if c.breaker != nil {
		v, err = c.breaker.Execute(call)
	} else {
		v, err = call()
	}
	if err != nil {
		return c.classify(err)
	}

	resp, ok := v.(openai.ChatCompletionResponse)
	if !ok {
		return Failure(KindUnexpected, UnexpectedText, "unexpected response type")
	}
	if len(resp.Choices) == 0 {
		return Success("")
	}
	return Success(resp.Choices[0].Message.Content)
}

// callerGoneError wraps a failure caused by the caller's own context
// ending. The breaker does not count it against the upstream.
type callerGoneError struct {
	err error
}

func (e *callerGoneError) Error() string { return e.err.Error() }

func (e *callerGoneError) Unwrap() error { return e.err }

// classify maps an error from the OpenAI client or the breaker to a Result.
func (c *Client) classify(err error) Result {
	var (
		apiErr *openai.APIError
		reqErr *openai.RequestError
		urlErr *url.Error
		netErr net.Error
	)

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		res := Failure(KindTransport, TransportText(c.cfg.Name), err.Error())
		res.shortCircuited = true
		return res
	case errors.As(err, &apiErr):
		res := Failure(KindProtocol, ProtocolText(c.cfg.Name, apiErr.HTTPStatusCode), apiErr.Message)
		res.StatusCode = apiErr.HTTPStatusCode
		return res
	case errors.As(err, &reqErr):
		res := Failure(KindProtocol, ProtocolText(c.cfg.Name, reqErr.HTTPStatusCode), reqErr.Error())
		res.StatusCode = reqErr.HTTPStatusCode
		return res
	case errors.As(err, &urlErr), errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Failure(KindTransport, TransportText(c.cfg.Name), err.Error())
	default:
		return Failure(KindUnexpected, UnexpectedText, err.Error())
	}
}

// backoff returns the delay before retry number attempt+1: exponential
// growth from InitialDelay capped at MaxDelay, with the upper half jittered.
func (c *Client) backoff(attempt int) time.Duration {
	r := c.cfg.Retry
	d := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if ceiling := float64(r.MaxDelay); ceiling > 0 && d > ceiling {
		d = ceiling
	}
	half := int64(d / 2)
	if half <= 0 {
		return time.Duration(d)
	}
	return time.Duration(half + rand.Int64N(half+1))
}

func (c *Client) record(res Result, elapsed time.Duration) {
	if c.metrics != nil {
		c.metrics.UpstreamRequests.WithLabelValues(res.Outcome()).Inc()
		c.metrics.UpstreamDuration.WithLabelValues(res.Outcome()).Observe(elapsed.Seconds())
	}

	fields := []zap.Field{
		zap.String("outcome", res.Outcome()),
		zap.Int("attempts", res.Attempts),
		zap.Duration("duration", elapsed),
	}
	switch res.Kind {
	case KindNone:
		c.logger.Debug("Upstream call completed", fields...)
	case KindProtocol:
		c.logger.Error("Upstream returned an error status",
			append(fields, zap.Int("status", res.StatusCode), zap.String("reason", res.Detail))...)
	case KindTransport:
		c.logger.Warn("Upstream unreachable",
			append(fields, zap.String("reason", res.Detail))...)
	default:
		c.logger.Error("Unexpected upstream failure",
			append(fields, zap.String("reason", res.Detail))...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
