package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPSource queries an intel service exposing
// GET /api/v1/indicators/{type}/{value}.
type HTTPSource struct {
	name       string
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

type indicatorResponse struct {
	Verdict   Verdict  `json:"verdict"`
	Score     int      `json:"score"`
	Tags      []string `json:"tags"`
	Reference string   `json:"reference"`
}

// NewHTTPSource creates an HTTP intel source.
func NewHTTPSource(name, endpoint, apiKey string) *HTTPSource {
	return &HTTPSource{
		name:     name,
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Name returns the source name used in findings.
func (s *HTTPSource) Name() string { return s.name }

// Lookup fetches the source's verdict for ind. A 404 means no data.
func (s *HTTPSource) Lookup(ctx context.Context, ind Indicator) (*Finding, error) {
	if ind.Type == "" || ind.Value == "" {
		return nil, fmt.Errorf("indicator type and value are required")
	}

	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u = u.JoinPath("api/v1/indicators", url.PathEscape(ind.Type), url.PathEscape(ind.Value))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req) //nolint:gosec // endpoint comes from config; indicator values are path-escaped
	if err != nil {
		return nil, fmt.Errorf("intel query failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("intel source returned %d: %s", resp.StatusCode, string(body))
	}

	var ir indicatorResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if ir.Verdict == "" {
		ir.Verdict = VerdictUnknown
	}

	return &Finding{
		Source:    s.name,
		Indicator: ind.Value,
		Type:      ind.Type,
		Verdict:   ir.Verdict,
		Score:     ir.Score,
		Tags:      ir.Tags,
		Reference: ir.Reference,
	}, nil
}
