package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/linnemanlabs/argus/internal/alert"
	"github.com/linnemanlabs/argus/internal/analysis"
	"github.com/linnemanlabs/argus/internal/analysis/memstore"
	"github.com/linnemanlabs/argus/internal/fault"
	"github.com/linnemanlabs/argus/internal/lock"
)

// mockAnalyzer records the lineage of every call.
type mockAnalyzer struct {
	mu        sync.Mutex
	lineages  []analysis.Lineage
	calls     []string
	rec       *analysis.Record
	err       error
	hasResult bool
}

func (m *mockAnalyzer) note(ctx context.Context, call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineages = append(m.lineages, analysis.LineageFrom(ctx))
	m.calls = append(m.calls, call)
}

func (m *mockAnalyzer) Start(ctx context.Context, id string) (*analysis.Record, error) {
	m.note(ctx, "start "+id)
	return m.rec, m.err
}

func (m *mockAnalyzer) Result(ctx context.Context, id string) (*analysis.Record, bool, error) {
	m.note(ctx, "result "+id)
	return m.rec, m.hasResult, m.err
}

func (m *mockAnalyzer) RetryStep(ctx context.Context, id, key string) (*analysis.Record, error) {
	m.note(ctx, "retry "+id+" "+key)
	return m.rec, m.err
}

func (m *mockAnalyzer) ContinueFrom(ctx context.Context, id, key string) (*analysis.Record, error) {
	m.note(ctx, "continue "+id+" "+key)
	return m.rec, m.err
}

func (m *mockAnalyzer) Reset(ctx context.Context, id string) error {
	m.note(ctx, "reset "+id)
	return m.err
}

func resultText(t *testing.T, res *mcpsdk.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) != 1 {
		t.Fatalf("result = %+v, want one content item", res)
	}
	tc, ok := res.Content[0].(*mcpsdk.TextContent)
	if !ok {
		t.Fatalf("content = %T, want *TextContent", res.Content[0])
	}
	return tc.Text
}

func decodeRecord(t *testing.T, res *mcpsdk.CallToolResult) *analysis.Record {
	t.Helper()
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}
	var rec analysis.Record
	if err := json.Unmarshal([]byte(resultText(t, res)), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return &rec
}

func TestNew_NilServicePanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(nil, "", nil)
}

func TestHandlers_RunWithMCPLineage(t *testing.T) {
	t.Parallel()

	m := &mockAnalyzer{rec: &analysis.Record{AlertID: "A1"}, hasResult: true}
	s := New(m, "test", nil)
	ctx := context.Background()
	req := &mcpsdk.CallToolRequest{}

	if res, _, _ := s.handleAnalyze(ctx, req, AlertInput{AlertID: "A1"}); res.IsError {
		t.Fatalf("analyze: %s", resultText(t, res))
	}
	s.handleGet(ctx, req, AlertInput{AlertID: "A1"})
	s.handleRetry(ctx, req, StepInput{AlertID: "A1", Step: "mitre"})
	s.handleContinue(ctx, req, StepInput{AlertID: "A1", Step: "iocs"})
	if res, _, _ := s.handleReset(ctx, req, AlertInput{AlertID: "A1"}); !strings.Contains(resultText(t, res), `"reset":true`) {
		t.Errorf("reset result = %s", resultText(t, res))
	}

	want := []string{"start A1", "result A1", "retry A1 mitre", "continue A1 iocs", "reset A1"}
	if !reflect.DeepEqual(m.calls, want) {
		t.Errorf("calls = %v, want %v", m.calls, want)
	}
	for i, l := range m.lineages {
		if l != analysis.LineageMCP {
			t.Errorf("call %d lineage = %q, want mcp", i, l)
		}
	}
}

func TestHandlers_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantKind string
	}{
		{"not found", fault.Newf(fault.KindNotFound, "alert.get", "alert %s not found", "A9"), "not_found"},
		{"invalid state", fault.New(fault.KindInvalidState, "analysis.retry", "step is completed"), "invalid_state"},
		{"internal", errors.New("boom"), "internal"},
		{"busy", lock.ErrBusy, "invalid_state"},
		{"wrapped busy", fmt.Errorf("acquire A9: %w", lock.ErrBusy), "invalid_state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New(&mockAnalyzer{err: tt.err}, "test", nil)
			res, _, err := s.handleRetry(context.Background(), &mcpsdk.CallToolRequest{}, StepInput{AlertID: "A9", Step: "mitre"})
			if err != nil {
				t.Fatalf("handler error = %v, want tool error result", err)
			}
			if !res.IsError {
				t.Fatal("IsError = false")
			}
			if txt := resultText(t, res); !strings.HasPrefix(txt, tt.wantKind+":") {
				t.Errorf("text = %q, want prefix %q", txt, tt.wantKind)
			}
		})
	}
}

func TestGet_Missing(t *testing.T) {
	t.Parallel()

	s := New(&mockAnalyzer{}, "test", nil)
	res, _, _ := s.handleGet(context.Background(), &mcpsdk.CallToolRequest{}, AlertInput{AlertID: "A1"})
	if !res.IsError || !strings.HasPrefix(resultText(t, res), "not_found:") {
		t.Errorf("result = %+v", res)
	}
}

func TestAnalyze_RequiresAlertID(t *testing.T) {
	t.Parallel()

	m := &mockAnalyzer{}
	s := New(m, "test", nil)
	res, _, _ := s.handleAnalyze(context.Background(), &mcpsdk.CallToolRequest{}, AlertInput{})
	if !res.IsError {
		t.Fatal("expected tool error")
	}
	if len(m.calls) != 0 {
		t.Errorf("service called %d times, want 0", len(m.calls))
	}
}

// --- end to end over the in-memory transport ---

var fixedNow = time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC)

type failingFirst struct {
	mu    sync.Mutex
	fails int
	calls int
	art   analysis.Artifact
}

func (f *failingFirst) Execute(context.Context, analysis.Input) (analysis.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return nil, fault.New(fault.KindRateLimited, "claude.generate", "rate limited")
	}
	return f.art, nil
}

type lineageHooks struct {
	mu       sync.Mutex
	lineages []analysis.Lineage
}

func (h *lineageHooks) hooks() analysis.EngineHooks {
	return analysis.EngineHooks{OnStep: func(e *analysis.StepEvent) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.lineages = append(h.lineages, e.Lineage)
	}}
}

func testService(t *testing.T, mitreFails int, h *lineageHooks) *analysis.Service {
	t.Helper()
	defs := []analysis.StepDefinition{
		{Key: "classification", DisplayName: "Alert Classification"},
		{Key: "analysis", DisplayName: "Threat Analysis", DependsOn: []string{"classification"}},
		{Key: "mitre", DisplayName: "MITRE ATT&CK Mapping", DependsOn: []string{"analysis"}},
	}
	execs := map[string]analysis.Executor{
		"classification": &failingFirst{art: &analysis.ClassificationArtifact{Classification: analysis.Classification{Category: "malware", Severity: "high", Confidence: 0.75}}},
		"analysis":       &failingFirst{art: &analysis.AssessmentArtifact{Summary: "Stage two fetched.", Confidence: 0.25}},
		"mitre":          &failingFirst{fails: mitreFails, art: &analysis.MitreArtifact{Techniques: []analysis.MitreTechnique{{ID: "T1105"}}}},
	}
	p, err := analysis.NewPipeline(defs, execs)
	if err != nil {
		t.Fatal(err)
	}
	store := memstore.New()
	opts := []analysis.EngineOption{analysis.WithClock(func() time.Time { return fixedNow })}
	if h != nil {
		opts = append(opts, analysis.WithHooks(h.hooks()))
	}
	engine := analysis.NewEngine(p, store, nil, nil, opts...)
	alerts := alert.NewMemLookup(&alert.Alert{ID: "A1", Title: "Suspicious PowerShell", CreatedAt: fixedNow})
	return analysis.NewService(alerts, store, engine, nil, nil)
}

func connect(t *testing.T, s *Server) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()
	st, ct := mcpsdk.NewInMemoryTransports()
	ss, err := s.SDK().Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "argus-test", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func call(t *testing.T, cs *mcpsdk.ClientSession, name string, args map[string]any) *mcpsdk.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func TestListTools(t *testing.T) {
	t.Parallel()

	cs := connect(t, New(&mockAnalyzer{}, "test", nil))
	res, err := cs.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	want := []string{"analyze_alert", "continue_analysis", "get_analysis", "reset_analysis", "retry_step"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("tools = %v, want %v", names, want)
	}
}

func TestLineageEquivalence(t *testing.T) {
	t.Parallel()

	// direct path
	directHooks := &lineageHooks{}
	direct, err := testService(t, 0, directHooks).Start(context.Background(), "A1")
	if err != nil {
		t.Fatalf("direct Start: %v", err)
	}

	// mcp path
	mcpHooks := &lineageHooks{}
	cs := connect(t, New(testService(t, 0, mcpHooks), "test", nil))
	viaMCP := decodeRecord(t, call(t, cs, "analyze_alert", map[string]any{"alert_id": "A1"}))

	// round-trip the direct record through JSON so both sides compare the wire shape
	b, _ := json.Marshal(direct)
	var directWire analysis.Record
	if err := json.Unmarshal(b, &directWire); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(&directWire, viaMCP) {
		t.Errorf("records differ\ndirect: %+v\nmcp:    %+v", directWire, *viaMCP)
	}
	if viaMCP.OrchestrationStatus != analysis.StatusCompleted {
		t.Errorf("status = %s, want completed", viaMCP.OrchestrationStatus)
	}

	for _, l := range directHooks.lineages {
		if l != analysis.LineageDirect {
			t.Errorf("direct step lineage = %q", l)
		}
	}
	if len(mcpHooks.lineages) != 3 {
		t.Fatalf("mcp step events = %d, want 3", len(mcpHooks.lineages))
	}
	for _, l := range mcpHooks.lineages {
		if l != analysis.LineageMCP {
			t.Errorf("mcp step lineage = %q", l)
		}
	}
}

func TestRetryThenContinueOverMCP(t *testing.T) {
	t.Parallel()

	cs := connect(t, New(testService(t, 1, nil), "test", nil))

	failed := decodeRecord(t, call(t, cs, "analyze_alert", map[string]any{"alert_id": "A1"}))
	if failed.OrchestrationStatus != analysis.StatusFailed {
		t.Fatalf("status = %s, want failed", failed.OrchestrationStatus)
	}
	if st := failed.Step("mitre"); st == nil || st.Status != analysis.StepFailed {
		t.Fatalf("mitre = %+v, want failed", st)
	}

	retried := decodeRecord(t, call(t, cs, "retry_step", map[string]any{"alert_id": "A1", "step": "mitre"}))
	if st := retried.Step("mitre"); st.Status != analysis.StepCompleted {
		t.Errorf("mitre after retry = %s", st.Status)
	}
	for _, key := range []string{"classification", "analysis"} {
		if !reflect.DeepEqual(failed.Step(key), retried.Step(key)) {
			t.Errorf("sibling %s changed by retry", key)
		}
	}

	got := decodeRecord(t, call(t, cs, "get_analysis", map[string]any{"alert_id": "A1"}))
	if got.OrchestrationStatus != analysis.StatusCompleted {
		t.Errorf("status after retry = %s, want completed", got.OrchestrationStatus)
	}

	again := call(t, cs, "retry_step", map[string]any{"alert_id": "A1", "step": "mitre"})
	if !again.IsError || !strings.HasPrefix(resultText(t, again), "invalid_state:") {
		t.Errorf("second retry = %s, want invalid_state", resultText(t, again))
	}

	if res := call(t, cs, "reset_analysis", map[string]any{"alert_id": "A1"}); res.IsError {
		t.Fatalf("reset: %s", resultText(t, res))
	}
	if res := call(t, cs, "get_analysis", map[string]any{"alert_id": "A1"}); !res.IsError {
		t.Error("get after reset should fail")
	}
}
