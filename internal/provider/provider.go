// Package provider is the registry of interchangeable AI backend adapters.
//
// Every backend implements the same five-method Adapter contract. Step
// executors reach a backend only through a Binding, so adding a backend is
// one Adapter implementation plus one Register call in the composition root.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/argus/internal/fault"
)

// Type names a registered backend.
type Type string

const (
	TypeClaude  Type = "claude"
	TypeBedrock Type = "bedrock"
	TypeOpenAI  Type = "openai"
	TypeOllama  Type = "ollama"
)

// DefaultTimeout bounds a single backend call when Config.Timeout is unset.
const DefaultTimeout = 60 * time.Second

// Credentials holds the secrets an adapter may need. Each adapter reads
// only the fields relevant to it.
type Credentials struct {
	APIKey          string `json:"apiKey,omitempty" yaml:"api_key"`
	AccessKeyID     string `json:"accessKeyId,omitempty" yaml:"access_key_id"`
	SecretAccessKey string `json:"secretAccessKey,omitempty" yaml:"secret_access_key"`
	SessionToken    string `json:"sessionToken,omitempty" yaml:"session_token"`
	Region          string `json:"region,omitempty" yaml:"region"`
}

// RetryPolicy is handed to backends that support client-side retries.
// The engine itself never retries a step.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts" yaml:"max_attempts" validate:"gte=0,lte=10"`
	Backoff     time.Duration `json:"backoff,omitempty" yaml:"backoff" validate:"gte=0"`
}

// Config is the per-backend configuration passed on every call.
type Config struct {
	Endpoint    string        `json:"endpoint,omitempty" yaml:"endpoint" validate:"omitempty,url"`
	Model       string        `json:"model" yaml:"model" validate:"required"`
	Credentials Credentials   `json:"credentials" yaml:"credentials"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout" validate:"gte=0"`
	Retry       RetryPolicy   `json:"retry" yaml:"retry"`
	MaxTokens   int           `json:"maxTokens,omitempty" yaml:"max_tokens" validate:"gte=0,lte=200000"`
	Temperature float64       `json:"temperature,omitempty" yaml:"temperature" validate:"gte=0,lte=2"`
}

// Descriptor binds a backend type to its configuration.
type Descriptor struct {
	Type   Type   `json:"type" yaml:"type"`
	Config Config `json:"config" yaml:"config"`
}

// ConnectionStatus is the result of CheckConnection.
type ConnectionStatus struct {
	Connected      bool `json:"connected"`
	ModelAvailable bool `json:"modelAvailable"`
}

// Validation is the result of ValidateConfig.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Options tune a single GenerateText call.
type Options struct {
	System    string
	MaxTokens int
	// JSON asks the backend for a bare JSON document when it supports it.
	JSON bool
}

// Adapter is the contract every backend implements. Implementations must
// be safe for concurrent use and keep no per-call mutable state.
type Adapter interface {
	CheckConnection(ctx context.Context, cfg Config) (ConnectionStatus, error)
	GenerateText(ctx context.Context, cfg Config, prompt string, opts Options) (string, error)
	ListModels(ctx context.Context, cfg Config) ([]string, error)
	ValidateConfig(cfg Config) Validation
	BuildURL(cfg Config, endpoint string) (string, error)
}

// Constructor builds an adapter instance. It is invoked at most once per
// cache lifetime of a type.
type Constructor func() (Adapter, error)

// WithTimeout derives the per-call deadline from cfg.
func WithTimeout(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	d := cfg.Timeout
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}

// MaxTokens returns the response token budget for a call.
func MaxTokens(cfg Config, opts Options) int {
	switch {
	case opts.MaxTokens > 0:
		return opts.MaxTokens
	case cfg.MaxTokens > 0:
		return cfg.MaxTokens
	default:
		return 4096
	}
}

// Unavailable classifies transport-level failures, including expired
// deadlines, as ProviderUnavailable. Already classified errors pass through.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &fault.Error{Kind: fault.KindProviderUnavailable, Op: op, Msg: "timed out", Err: err}
	}
	return fault.Wrap(fault.KindProviderUnavailable, op, err)
}

// FromStatus classifies an HTTP status returned by a backend.
func FromStatus(op string, status int, body string) error {
	switch {
	case status == 429:
		return fault.Newf(fault.KindRateLimited, op, "backend returned %d: %s", status, body)
	default:
		return fault.Newf(fault.KindProviderUnavailable, op, "backend returned %d: %s", status, body)
	}
}

func (t Type) String() string { return string(t) }
