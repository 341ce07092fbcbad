// Package config provides configuration management for the Medora webhook.
// A Config is built once at process start from defaults, an optional YAML
// file and the process environment, validated, and treated as read-only
// afterwards.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Webhook answering modes.
const (
	// ModeSync calls the upstream inline and answers with its text.
	ModeSync = "sync"

	// ModeDeferred answers with an acknowledgment and runs the upstream
	// call on the dispatcher. The background result is never delivered
	// to the end user.
	ModeDeferred = "deferred"
)

// Config represents the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds settings for the HTTP listener.
type ServerConfig struct {
	// Port specifies the HTTP server port (default: 3000)
	Port int `yaml:"port" env:"PORT" validate:"gte=0,lte=65535"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body (default: 30s)
	ReadTimeout time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT" validate:"gte=0"`

	// WriteTimeout must exceed the upstream timeout in sync mode, otherwise
	// the connection is cut before the fallback text can be written.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT" validate:"gte=0"`

	MaxHeaderBytes int `yaml:"max_header_bytes" validate:"gte=0"`

	// ShutdownTimeout bounds the graceful drain of in-flight requests and
	// deferred tasks (default: 30s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" validate:"gte=0"`

	// AllowedOrigins feeds the CORS middleware.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// UpstreamConfig describes the chat-completion service.
type UpstreamConfig struct {
	// Name is used in user-facing fallback texts ("Error connecting to <Name> API").
	Name string `yaml:"name" env:"UPSTREAM_NAME" validate:"required"`

	// BaseURL is the OpenAI-compatible API root; "/chat/completions" is appended.
	BaseURL string `yaml:"base_url" env:"DEEPSEEK_BASE_URL" validate:"required,url"`

	// APIKey is sent as a bearer token. An empty key is allowed: the call is
	// still attempted and fails upstream.
	APIKey string `yaml:"api_key" env:"DEEPSEEK_API_KEY"`

	Model     string `yaml:"model" env:"DEEPSEEK_MODEL" validate:"required"`
	MaxTokens int    `yaml:"max_tokens" env:"DEEPSEEK_MAX_TOKENS" validate:"gt=0"`

	SystemPrompt string `yaml:"system_prompt" validate:"required"`

	// Timeout applies to a single HTTP attempt. Zero leaves the transport default.
	Timeout time.Duration `yaml:"timeout" env:"UPSTREAM_TIMEOUT" validate:"gte=0"`

	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig defines the retry behavior for failed upstream calls.
// Only transport errors, 429 and 5xx responses are retried.
type RetryConfig struct {
	// MaxRetries is the number of additional attempts (default: 0, a single attempt)
	MaxRetries int `yaml:"max_retries" env:"UPSTREAM_MAX_RETRIES" validate:"gte=0,lte=10"`

	// InitialDelay is the delay before the first retry (default: 200ms)
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gte=0"`

	// MaxDelay caps the delay between retries (default: 5s)
	MaxDelay time.Duration `yaml:"max_delay" validate:"gte=0"`

	// Multiplier increases the delay after each retry (default: 2)
	Multiplier float64 `yaml:"multiplier" validate:"gte=1"`
}

// CircuitBreakerConfig configures the breaker around upstream calls.
type CircuitBreakerConfig struct {
	Enabled bool `yaml:"enabled" env:"UPSTREAM_BREAKER_ENABLED"`

	// MaxRequests is maximum number of requests allowed to pass through when in half-open state
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is the cyclic period of the closed state for the circuit breaker
	Interval time.Duration `yaml:"interval" validate:"gte=0"`

	// Timeout is the period of the open state until it becomes half-open
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// FailureThreshold is the number of consecutive failures needed to trip the circuit
	FailureThreshold uint32 `yaml:"failure_threshold"`
}

// WebhookConfig controls how fulfillment requests are answered.
type WebhookConfig struct {
	// Mode is either "sync" or "deferred" (default: sync)
	Mode string `yaml:"mode" env:"WEBHOOK_MODE" validate:"oneof=sync deferred"`

	// Acknowledgment is the text returned in deferred mode.
	Acknowledgment string `yaml:"acknowledgment" env:"WEBHOOK_ACKNOWLEDGMENT" validate:"required"`

	// ErrorText is returned for malformed payloads and internal failures.
	ErrorText string `yaml:"error_text" validate:"required"`

	// AuthToken, when set, must be presented as "Authorization: Bearer <token>".
	AuthToken string `yaml:"auth_token" env:"WEBHOOK_AUTH_TOKEN"`

	// MaxBodyBytes limits the inbound payload size (default: 1MB)
	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"gt=0"`
}

// DispatchConfig sizes the worker pool used in deferred mode.
type DispatchConfig struct {
	// Workers is the number of concurrent upstream calls (default: 8)
	Workers int `yaml:"workers" env:"DISPATCH_WORKERS" validate:"gt=0"`

	// QueueSize bounds the backlog of accepted but not yet started tasks (default: 256)
	QueueSize int `yaml:"queue_size" env:"DISPATCH_QUEUE_SIZE" validate:"gt=0"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	// Level sets logging verbosity: debug, info, warn, error
	Level string `yaml:"level" env:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	// Format specifies log output format: json or text
	Format string `yaml:"format" env:"LOG_FORMAT" validate:"oneof=json text"`
}

// RateLimitConfig enables per-client limiting on the webhook route.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`

	// RequestsPerMinute is the sustained rate per client address.
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"gt=0"`

	// Burst is the number of requests allowed above the sustained rate.
	Burst int `yaml:"burst" validate:"gt=0"`
}

// DefaultSystemPrompt establishes the assistant persona sent with every upstream call.
const DefaultSystemPrompt = "You are Medora, a medical assistant chatbot. Provide medical information, " +
	"symptom guidance, and general healthcare advice, but always remind users to consult a doctor."

// DefaultConfig returns the configuration used when no file or environment
// overrides are present. Its upstream constants match the DeepSeek API.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},

		Upstream: UpstreamConfig{
			Name:         "DeepSeek",
			BaseURL:      "https://api.deepseek.com/v1",
			Model:        "deepseek-chat",
			MaxTokens:    1000,
			SystemPrompt: DefaultSystemPrompt,
			Timeout:      60 * time.Second,
			Retry: RetryConfig{
				MaxRetries:   0,
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   2,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				MaxRequests:      1,
				Interval:         60 * time.Second,
				Timeout:          30 * time.Second,
				FailureThreshold: 5,
			},
		},

		Webhook: WebhookConfig{
			Mode:           ModeSync,
			Acknowledgment: "Your request is being processed. Please wait a moment.",
			ErrorText:      "An error occurred while processing your request.",
			MaxBodyBytes:   1 << 20,
		},

		Dispatch: DispatchConfig{
			Workers:   8,
			QueueSize: 256,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},

		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
			Burst:             10,
		},
	}
}

// LoadFile loads configuration from a YAML file
func LoadFile(filename string) (*Config, error) {
	cfg, err := decodeFile(filename)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	return decode(f)
}

// expandEnvVars resolves ${VAR} and ${VAR:-default} references.
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		if i := strings.Index(key, ":-"); i >= 0 {
			if val := os.Getenv(key[:i]); val != "" {
				return val
			}
			return key[i+2:]
		}
		return os.Getenv(key)
	})
}

// Load decodes YAML from r on top of DefaultConfig and validates the result.
// Environment overrides are not applied; see Resolve.
func Load(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// decode reads YAML over DefaultConfig without validating it.
func decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(strings.NewReader(expandEnvVars(string(data))))
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from the process environment. Variables that are
// unset leave the current value untouched.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Resolve builds the process configuration: defaults, then the YAML file at
// path when path is not empty, then environment overrides. Only the final
// result is validated.
func Resolve(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := decodeFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Upstream.Retry.MaxRetries > 0 && c.Upstream.Retry.MaxDelay < c.Upstream.Retry.InitialDelay {
		return fmt.Errorf("retry max delay %v is below initial delay %v",
			c.Upstream.Retry.MaxDelay, c.Upstream.Retry.InitialDelay)
	}

	if c.Upstream.CircuitBreaker.Enabled && c.Upstream.CircuitBreaker.FailureThreshold == 0 {
		return fmt.Errorf("circuit breaker enabled with zero failure threshold")
	}

	if c.Webhook.Mode == ModeSync && c.Server.WriteTimeout > 0 &&
		c.Upstream.Timeout > 0 && c.Server.WriteTimeout <= c.Upstream.Timeout {
		return fmt.Errorf("write timeout %v must exceed upstream timeout %v in sync mode",
			c.Server.WriteTimeout, c.Upstream.Timeout)
	}

	return nil
}

// Warnings reports settings that are accepted but will make the service
// misbehave. They are logged once at startup.
func (c *Config) Warnings() []string {
	var out []string
	if c.Upstream.APIKey == "" {
		out = append(out, "DEEPSEEK_API_KEY is not set; upstream calls will fail until provided")
	}
	return out
}
