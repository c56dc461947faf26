// Package openai adapts OpenAI-compatible chat completion APIs, including
// a local Ollama server, to provider.Adapter.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/argus/internal/fault"
	"github.com/linnemanlabs/argus/internal/provider"
)

const (
	defaultOpenAIBase = "https://api.openai.com"
	defaultOllamaBase = "http://localhost:11434"

	maxResponseBytes = 5 << 20
)

// Adapter speaks the /v1/chat/completions dialect.
type Adapter struct {
	flavor     provider.Type
	httpClient *http.Client
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates an adapter for the given flavor, TypeOpenAI or TypeOllama.
// The flavor only changes defaults: base URL and whether a key is required.
func New(flavor provider.Type) *Adapter {
	return &Adapter{
		flavor:     flavor,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Constructor returns a registry hook for flavor.
func Constructor(flavor provider.Type) provider.Constructor {
	return func() (provider.Adapter, error) { return New(flavor), nil }
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Stream         bool            `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// GenerateText posts a chat completion and returns the first choice.
func (a *Adapter) GenerateText(ctx context.Context, cfg provider.Config, prompt string, opts provider.Options) (string, error) {
	op := string(a.flavor) + ".generate"

	ctx, cancel := provider.WithTimeout(ctx, cfg)
	defer cancel()

	req := chatRequest{
		Model:     cfg.Model,
		MaxTokens: provider.MaxTokens(cfg, opts),
	}
	if opts.System != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: opts.System})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: prompt})
	if cfg.Temperature > 0 {
		t := cfg.Temperature
		req.Temperature = &t
	}
	if opts.JSON {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	raw, err := a.do(ctx, op, cfg, http.MethodPost, "chat/completions", body)
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fault.InvalidResponse(op, string(raw), err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fault.InvalidResponse(op, string(raw), errors.New("response contained no choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

// CheckConnection lists models and looks for the configured one.
func (a *Adapter) CheckConnection(ctx context.Context, cfg provider.Config) (provider.ConnectionStatus, error) {
	models, err := a.ListModels(ctx, cfg)
	if err != nil {
		return provider.ConnectionStatus{}, err
	}
	st := provider.ConnectionStatus{Connected: true}
	for _, m := range models {
		// ollama reports "llama3:latest" for a configured "llama3"
		if m == cfg.Model || strings.TrimSuffix(m, ":latest") == cfg.Model {
			st.ModelAvailable = true
			break
		}
	}
	return st, nil
}

// ListModels returns the ids from /v1/models.
func (a *Adapter) ListModels(ctx context.Context, cfg provider.Config) ([]string, error) {
	op := string(a.flavor) + ".models"

	ctx, cancel := provider.WithTimeout(ctx, cfg)
	defer cancel()

	raw, err := a.do(ctx, op, cfg, http.MethodGet, "models", nil)
	if err != nil {
		return nil, err
	}
	var list modelList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fault.InvalidResponse(op, string(raw), err)
	}
	out := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, m.ID)
	}
	return out, nil
}

// ValidateConfig requires an API key for hosted OpenAI only.
func (a *Adapter) ValidateConfig(cfg provider.Config) provider.Validation {
	problems := provider.ValidateCommon(cfg)
	if a.flavor == provider.TypeOpenAI && cfg.Endpoint == "" && cfg.Credentials.APIKey == "" {
		problems = append(problems, "Credentials.APIKey is required")
	}
	return provider.Validated(problems)
}

// BuildURL joins endpoint onto the /v1 base.
func (a *Adapter) BuildURL(cfg provider.Config, endpoint string) (string, error) {
	base := cfg.Endpoint
	if base == "" {
		base = defaultOpenAIBase
		if a.flavor == provider.TypeOllama {
			base = defaultOllamaBase
		}
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q: missing scheme or host", base)
	}
	u.Path = path.Join("/", u.Path, "v1", endpoint)
	return u.String(), nil
}

func (a *Adapter) do(ctx context.Context, op string, cfg provider.Config, method, endpoint string, body []byte) ([]byte, error) {
	target, err := a.BuildURL(cfg, endpoint)
	if err != nil {
		return nil, fault.Wrap(fault.KindProviderUnavailable, op, err)
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.Credentials.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Credentials.APIKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, provider.Unavailable(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, provider.Unavailable(op, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, provider.FromStatus(op, resp.StatusCode, truncate(string(raw), 512))
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
