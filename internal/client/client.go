// Package client talks to the argus HTTP API and drives an analysis from
// the caller's side, keeping a local view of the step timeline in sync
// with the server.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/argus/internal/analysis"
	"github.com/linnemanlabs/argus/internal/fault"
	"github.com/linnemanlabs/argus/internal/progress"
	"github.com/linnemanlabs/argus/internal/provider"
)

const maxErrorBody = 4 << 10

// Message is one item of the progress stream: either the record snapshot
// sent on connect or a single progress event.
type Message struct {
	Snapshot *analysis.Record
	Progress *progress.Event
}

// Client is an HTTP client for the argus API.
type Client struct {
	base  string
	token string
	http  *http.Client
	// stream has no overall timeout; progress streams are long lived.
	stream *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for request/response calls.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the API at baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport)
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		http:   &http.Client{Timeout: 5 * time.Minute, Transport: transport},
		stream: &http.Client{Transport: transport},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) analysisURL(alertID string, parts ...string) string {
	u := c.base + "/api/v1/analyses/" + url.PathEscape(alertID)
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

func (c *Client) do(ctx context.Context, op, method, u string, body, out any) (int, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return 0, fmt.Errorf("%s: create request: %w", op, err)
	}
	c.headers(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fault.Wrap(fault.KindExternalService, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, statusError(op, resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fault.Wrap(fault.KindInvalidResponse, op, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) headers(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// statusError maps an API error response back onto the fault taxonomy.
func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	kind := fault.KindExternalService
	switch resp.StatusCode {
	case http.StatusNotFound:
		kind = fault.KindNotFound
	case http.StatusConflict:
		kind = fault.KindInvalidState
	case http.StatusBadRequest:
		// the API answers 400 for unknown providers and for malformed payloads
		kind = fault.KindInvalidState
		if strings.Contains(msg, string(fault.KindUnsupportedProvider)) {
			kind = fault.KindUnsupportedProvider
		}
	case http.StatusTooManyRequests:
		kind = fault.KindRateLimited
	}
	return fault.Newf(kind, op, "%d: %s", resp.StatusCode, msg)
}

// Submit starts or resumes the analysis of alertID. The returned record is
// the state at acceptance; dispatch continues on the server.
func (c *Client) Submit(ctx context.Context, alertID string) (*analysis.Record, error) {
	var rec analysis.Record
	if _, err := c.do(ctx, "client.submit", http.MethodPost, c.analysisURL(alertID), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Result returns the stored record. ok is false when none exists.
func (c *Client) Result(ctx context.Context, alertID string) (*analysis.Record, bool, error) {
	var rec analysis.Record
	_, err := c.do(ctx, "client.result", http.MethodGet, c.analysisURL(alertID), nil, &rec)
	if fault.KindOf(err) == fault.KindNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// Reset deletes the record of alertID.
func (c *Client) Reset(ctx context.Context, alertID string) error {
	_, err := c.do(ctx, "client.reset", http.MethodDelete, c.analysisURL(alertID), nil, nil)
	return err
}

// RetryStep re-executes one failed step and waits for it to finish.
func (c *Client) RetryStep(ctx context.Context, alertID, step string) (*analysis.Record, error) {
	var rec analysis.Record
	if _, err := c.do(ctx, "client.retry", http.MethodPost, c.analysisURL(alertID, "steps", step, "retry"), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ContinueFrom dispatches step and every later step. It returns once the
// server has accepted the continuation.
func (c *Client) ContinueFrom(ctx context.Context, alertID, step string) (*analysis.Record, error) {
	var rec analysis.Record
	if _, err := c.do(ctx, "client.continue", http.MethodPost, c.analysisURL(alertID, "steps", step, "continue"), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Providers lists the registered provider types.
func (c *Client) Providers(ctx context.Context) ([]string, error) {
	var out struct {
		Providers []string `json:"providers"`
	}
	if _, err := c.do(ctx, "client.providers", http.MethodGet, c.base+"/api/v1/providers", nil, &out); err != nil {
		return nil, err
	}
	return out.Providers, nil
}

// ProviderStatus validates cfg against the provider type t and probes it.
func (c *Client) ProviderStatus(ctx context.Context, t string, cfg provider.Config) (*provider.Status, error) {
	var st provider.Status
	u := c.base + "/api/v1/providers/" + url.PathEscape(t) + "/status"
	if _, err := c.do(ctx, "client.provider_status", http.MethodPost, u, cfg, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Events opens the progress stream of alertID. The channel is closed when
// the stream ends or ctx is cancelled.
func (c *Client) Events(ctx context.Context, alertID string) (<-chan Message, error) {
	const op = "client.events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.analysisURL(alertID, "events"), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	c.headers(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindExternalService, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, statusError(op, resp)
	}

	out := make(chan Message, 16)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()
		_ = readEvents(resp.Body, func(name string, data []byte) bool {
			msg, ok := decodeMessage(name, data)
			if !ok {
				return true
			}
			select {
			case out <- msg:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out, nil
}

func decodeMessage(name string, data []byte) (Message, bool) {
	switch name {
	case "snapshot":
		var rec analysis.Record
		if json.Unmarshal(data, &rec) != nil {
			return Message{}, false
		}
		return Message{Snapshot: &rec}, true
	case "progress":
		var ev progress.Event
		if json.Unmarshal(data, &ev) != nil {
			return Message{}, false
		}
		return Message{Progress: &ev}, true
	default:
		return Message{}, false
	}
}

// readEvents parses a text/event-stream body and calls fn for every
// dispatched event until fn returns false or the body ends.
func readEvents(r io.Reader, fn func(name string, data []byte) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)

	var name string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if name == "" {
					name = "message"
				}
				if !fn(name, []byte(strings.Join(data, "\n"))) {
					return nil
				}
			}
			name, data = "", nil
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				name = value
			case "data":
				data = append(data, value)
			}
		}
	}
	return sc.Err()
}
