// Package claude adapts the Anthropic Messages API to provider.Adapter.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/argus/internal/fault"
	"github.com/linnemanlabs/argus/internal/provider"
)

const defaultBaseURL = "https://api.anthropic.com"

// Adapter talks to Claude through the official SDK. The underlying
// http.Client is shared across calls so connections are pooled.
type Adapter struct {
	httpClient *http.Client
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates a Claude adapter.
func New() *Adapter {
	return &Adapter{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Constructor is the registry hook for this adapter.
func Constructor() (provider.Adapter, error) { return New(), nil }

func (a *Adapter) client(cfg provider.Config) anthropic.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.Credentials.APIKey),
		option.WithHTTPClient(a.httpClient),
		option.WithMaxRetries(max(cfg.Retry.MaxAttempts, 0)),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	return anthropic.NewClient(opts...)
}

// GenerateText sends a single-turn prompt and returns the concatenated
// text blocks of the reply.
func (a *Adapter) GenerateText(ctx context.Context, cfg provider.Config, prompt string, opts provider.Options) (string, error) {
	const op = "claude.generate"

	ctx, cancel := provider.WithTimeout(ctx, cfg)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		MaxTokens: int64(provider.MaxTokens(cfg, opts)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.System}}
	}
	if cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(cfg.Temperature)
	}

	c := a.client(cfg)
	msg, err := c.Messages.New(ctx, params)
	if err != nil {
		return "", classify(op, err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fault.InvalidResponse(op, msg.RawJSON(), errors.New("response contained no text blocks"))
	}
	return b.String(), nil
}

// CheckConnection looks up the configured model. A 404 means the API is
// reachable but the model is not.
func (a *Adapter) CheckConnection(ctx context.Context, cfg provider.Config) (provider.ConnectionStatus, error) {
	ctx, cancel := provider.WithTimeout(ctx, cfg)
	defer cancel()

	c := a.client(cfg)
	_, err := c.Models.Get(ctx, cfg.Model, anthropic.ModelGetParams{})
	if err == nil {
		return provider.ConnectionStatus{Connected: true, ModelAvailable: true}, nil
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return provider.ConnectionStatus{Connected: true}, nil
	}
	return provider.ConnectionStatus{}, classify("claude.check", err)
}

// ListModels returns the model ids visible to the API key.
func (a *Adapter) ListModels(ctx context.Context, cfg provider.Config) ([]string, error) {
	ctx, cancel := provider.WithTimeout(ctx, cfg)
	defer cancel()

	c := a.client(cfg)
	page, err := c.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(100)})
	if err != nil {
		return nil, classify("claude.models", err)
	}
	out := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, m.ID)
	}
	return out, nil
}

// ValidateConfig requires an API key on top of the common checks.
func (a *Adapter) ValidateConfig(cfg provider.Config) provider.Validation {
	problems := provider.ValidateCommon(cfg)
	if cfg.Credentials.APIKey == "" {
		problems = append(problems, "Credentials.APIKey is required")
	}
	return provider.Validated(problems)
}

// BuildURL joins endpoint onto the versioned API base.
func (a *Adapter) BuildURL(cfg provider.Config, endpoint string) (string, error) {
	base := cfg.Endpoint
	if base == "" {
		base = defaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join("/", u.Path, "v1", endpoint)
	return u.String(), nil
}

func classify(op string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return fault.Wrap(fault.KindRateLimited, op, err)
		}
		return fault.Wrap(fault.KindProviderUnavailable, op, err)
	}
	return provider.Unavailable(op, err)
}
