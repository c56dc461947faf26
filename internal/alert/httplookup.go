package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/argus/internal/fault"
)

// HTTPLookup fetches alerts from the SOC alert service at
// GET {endpoint}/api/v1/alerts/{id}.
type HTTPLookup struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewHTTPLookup creates a lookup against endpoint. token, if set, is sent
// as a bearer token.
func NewHTTPLookup(endpoint, token string) *HTTPLookup {
	return &HTTPLookup{
		endpoint: endpoint,
		token:    token,
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// GetAlert implements Lookup.
func (h *HTTPLookup) GetAlert(ctx context.Context, id string) (*Alert, error) {
	const op = "alert.get"

	u, err := url.Parse(h.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "api/v1/alerts", url.PathEscape(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req) //nolint:gosec // endpoint is from trusted config; id is path-escaped
	if err != nil {
		return nil, fault.Wrap(fault.KindExternalService, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20)) // 2 MB
	if err != nil {
		return nil, fault.Wrap(fault.KindExternalService, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fault.Newf(fault.KindNotFound, op, "alert %q not found", id)
	case resp.StatusCode != http.StatusOK:
		return nil, fault.Newf(fault.KindExternalService, op, "alert service returned %d: %s", resp.StatusCode, string(body))
	}

	var a Alert
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fault.InvalidResponse(op, string(body), err)
	}
	if a.ID == "" {
		a.ID = id
	}
	return &a, nil
}
