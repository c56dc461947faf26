package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/argus/internal/analysis"
	"github.com/linnemanlabs/argus/internal/fault"
	"github.com/linnemanlabs/argus/internal/lock"
	"github.com/linnemanlabs/argus/internal/progress"
	"github.com/linnemanlabs/argus/internal/provider"
	"github.com/linnemanlabs/argus/internal/snapshot"
)

// mockService records calls and answers from canned state.
type mockService struct {
	mu       sync.Mutex
	records  map[string]*analysis.Record
	err      error
	skipped  bool
	calls    []string
	lineages []analysis.Lineage
}

func newMockService() *mockService {
	return &mockService{records: map[string]*analysis.Record{
		"A1": {AlertID: "A1", OrchestrationStatus: analysis.StatusInProgress},
	}}
}

func (m *mockService) record(ctx context.Context, op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op)
	m.lineages = append(m.lineages, analysis.LineageFrom(ctx))
	return m.err
}

func (m *mockService) get(id string) (*analysis.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

func (m *mockService) Submit(ctx context.Context, id string) (*analysis.SubmitResult, error) {
	if err := m.record(ctx, "submit"); err != nil {
		return nil, err
	}
	r, ok := m.get(id)
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "alert.get", "alert %s not found", id)
	}
	return &analysis.SubmitResult{Record: r, Skipped: m.skipped}, nil
}

func (m *mockService) Result(ctx context.Context, id string) (*analysis.Record, bool, error) {
	if err := m.record(ctx, "result"); err != nil {
		return nil, false, err
	}
	r, ok := m.get(id)
	return r, ok, nil
}

func (m *mockService) Reset(ctx context.Context, id string) error {
	if err := m.record(ctx, "reset"); err != nil {
		return err
	}
	if _, ok := m.get(id); !ok {
		return fault.New(fault.KindNotFound, "analysis.reset", "no analysis")
	}
	return nil
}

func (m *mockService) RetryStep(ctx context.Context, id, key string) (*analysis.Record, error) {
	if err := m.record(ctx, "retry:"+key); err != nil {
		return nil, err
	}
	r, _ := m.get(id)
	return r, nil
}

func (m *mockService) SubmitContinue(ctx context.Context, id, key string) (*analysis.Record, error) {
	if err := m.record(ctx, "continue:"+key); err != nil {
		return nil, err
	}
	r, _ := m.get(id)
	return r, nil
}

type fakeSnapshots struct{ err error }

func (f fakeSnapshots) List(_ context.Context, id string) ([]snapshot.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []snapshot.Snapshot{{Key: "argus/" + id + "/01J.json", Size: 42}}, nil
}

type stubAdapter struct{}

func (stubAdapter) CheckConnection(context.Context, provider.Config) (provider.ConnectionStatus, error) {
	return provider.ConnectionStatus{Connected: true, ModelAvailable: true}, nil
}
func (stubAdapter) GenerateText(context.Context, provider.Config, string, provider.Options) (string, error) {
	return "{}", nil
}
func (stubAdapter) ListModels(context.Context, provider.Config) ([]string, error) {
	return []string{"stub-1"}, nil
}
func (stubAdapter) ValidateConfig(cfg provider.Config) provider.Validation {
	if cfg.Model == "" {
		return provider.Validation{Errors: []string{"model is required"}}
	}
	return provider.Validation{Valid: true}
}
func (stubAdapter) BuildURL(provider.Config, string) (string, error) { return "", nil }

func newTestRouter(t *testing.T, svc *mockService, opts ...Option) chi.Router {
	t.Helper()
	reg := provider.NewRegistry(nil)
	if err := reg.Register("stub", func() (provider.Adapter, error) { return stubAdapter{}, nil }); err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithProviders(reg), WithSnapshots(fakeSnapshots{})}, opts...)
	r := chi.NewRouter()
	New(nil, svc, opts...).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	a := New(nil, newMockService())
	if a.logger == nil {
		t.Fatal("New(nil, svc) left logger nil; expected Nop logger")
	}
}

func TestNew_WithLogger(t *testing.T) {
	t.Parallel()

	a := New(log.Nop(), newMockService(), WithHeartbeat(time.Second))
	if a.heartbeat != time.Second {
		t.Errorf("heartbeat = %v, want 1s", a.heartbeat)
	}
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil) did not panic; expected panic for nil service")
		}
	}()
	New(nil, nil)
}

// Routing

func TestRegisterRoutes(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, newMockService())

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"submit", http.MethodPost, "/api/v1/analyses/A1", http.StatusAccepted},
		{"submit unknown alert", http.MethodPost, "/api/v1/analyses/nope", http.StatusNotFound},
		{"result", http.MethodGet, "/api/v1/analyses/A1", http.StatusOK},
		{"result missing", http.MethodGet, "/api/v1/analyses/nope", http.StatusNotFound},
		{"reset", http.MethodDelete, "/api/v1/analyses/A1", http.StatusNoContent},
		{"reset missing", http.MethodDelete, "/api/v1/analyses/nope", http.StatusNotFound},
		{"retry", http.MethodPost, "/api/v1/analyses/A1/steps/mitre/retry", http.StatusOK},
		{"continue", http.MethodPost, "/api/v1/analyses/A1/steps/iocs/continue", http.StatusAccepted},
		{"snapshots", http.MethodGet, "/api/v1/analyses/A1/snapshots", http.StatusOK},
		{"providers", http.MethodGet, "/api/v1/providers", http.StatusOK},
		{"PUT not allowed", http.MethodPut, "/api/v1/analyses/A1", http.StatusMethodNotAllowed},
		{"GET retry not allowed", http.MethodGet, "/api/v1/analyses/A1/steps/mitre/retry", http.StatusMethodNotAllowed},
		{"unknown path", http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
		{"root", http.MethodGet, "/", http.StatusNotFound},
		{"no events without source", http.MethodGet, "/api/v1/analyses/A1/events", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, r, tt.method, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d (body %s)", tt.method, tt.path, rec.Code, tt.wantStatus, rec.Body)
			}
		})
	}
}

func TestRegisterRoutes_OptionalSurfacesOff(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	New(nil, newMockService()).RegisterRoutes(r)

	for _, path := range []string{"/api/v1/providers", "/api/v1/analyses/A1/snapshots"} {
		if rec := do(t, r, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
		}
	}
}

// Handlers

func TestHandleSubmit_SkippedIsOK(t *testing.T) {
	t.Parallel()

	svc := newMockService()
	svc.skipped = true
	rec := do(t, newTestRouter(t, svc), http.MethodPost, "/api/v1/analyses/A1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got analysis.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.AlertID != "A1" {
		t.Errorf("alertId = %q", got.AlertID)
	}
}

func TestHandlers_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"busy", lock.ErrBusy, http.StatusConflict, "already running"},
		{"wrapped busy", errors.Join(errors.New("acquire"), lock.ErrBusy), http.StatusConflict, "already running"},
		{"invalid state", fault.New(fault.KindInvalidState, "analysis.retry", "step mitre is completed"), http.StatusConflict, "step mitre is completed"},
		{"not found", fault.New(fault.KindNotFound, "analysis.retry", "no step x"), http.StatusNotFound, "no step x"},
		{"unsupported", fault.UnsupportedProvider("x", nil), http.StatusBadRequest, "unknown provider"},
		{"internal hides detail", errors.New("pg: connection refused"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := newMockService()
			svc.err = tt.err
			rec := do(t, newTestRouter(t, svc), http.MethodPost, "/api/v1/analyses/A1/steps/mitre/retry", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("body %q is not JSON: %v", rec.Body, err)
			}
			if !strings.Contains(body["error"], tt.wantBody) {
				t.Errorf("error = %q, want %q", body["error"], tt.wantBody)
			}
			if tt.wantStatus == http.StatusInternalServerError && strings.Contains(body["error"], "pg:") {
				t.Error("internal error leaked")
			}
		})
	}
}

func TestHandlers_DirectLineageAndStepParam(t *testing.T) {
	t.Parallel()

	svc := newMockService()
	r := newTestRouter(t, svc)
	do(t, r, http.MethodPost, "/api/v1/analyses/A1/steps/intel/retry", "")
	do(t, r, http.MethodPost, "/api/v1/analyses/A1/steps/scripts/continue", "")

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.calls) != 2 || svc.calls[0] != "retry:intel" || svc.calls[1] != "continue:scripts" {
		t.Errorf("calls = %v", svc.calls)
	}
	for i, l := range svc.lineages {
		if l != analysis.LineageDirect {
			t.Errorf("call %d lineage = %q, want direct", i, l)
		}
	}
}

func TestHandleSnapshots_Error(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, newMockService(), WithSnapshots(fakeSnapshots{err: errors.New("s3 down")}))
	if rec := do(t, r, http.MethodGet, "/api/v1/analyses/A1/snapshots", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestHandleProviders(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestRouter(t, newMockService()), http.MethodGet, "/api/v1/providers", "")
	var body struct{ Providers []string }
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Providers) != 1 || body.Providers[0] != "stub" {
		t.Errorf("providers = %v, want [stub]", body.Providers)
	}
}

func TestHandleProviderStatus(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, newMockService())

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		check      func(t *testing.T, body []byte)
	}{
		{
			name: "valid", path: "/api/v1/providers/stub/status", body: `{"model":"stub-1"}`, wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var st provider.Status
				if err := json.Unmarshal(body, &st); err != nil {
					t.Fatal(err)
				}
				if !st.Valid || !st.Connected || !st.ModelAvailable {
					t.Errorf("status = %+v", st)
				}
			},
		},
		{
			name: "invalid config", path: "/api/v1/providers/stub/status", body: `{}`, wantStatus: http.StatusOK,
			check: func(t *testing.T, body []byte) {
				var st provider.Status
				if err := json.Unmarshal(body, &st); err != nil {
					t.Fatal(err)
				}
				if st.Valid || len(st.Errors) != 1 {
					t.Errorf("status = %+v, want invalid with one error", st)
				}
			},
		},
		{
			name: "unknown type lists registered", path: "/api/v1/providers/gemini/status", body: `{}`, wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body []byte) {
				if !strings.Contains(string(body), "stub") {
					t.Errorf("body %s does not list registered types", body)
				}
			},
		},
		{name: "bad json", path: "/api/v1/providers/stub/status", body: `{bad`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, r, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if tt.check != nil {
				tt.check(t, rec.Body.Bytes())
			}
		})
	}
}

// SSE

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, br *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestHandleEvents_SnapshotThenProgress(t *testing.T) {
	t.Parallel()

	hub := progress.NewHub()
	srv := httptest.NewServer(newTestRouter(t, newMockService(), WithEvents(hub), WithHeartbeat(20*time.Millisecond)))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/analyses/A1/events", http.NoBody)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	br := bufio.NewReader(res.Body)

	snap := readEvent(t, br)
	if snap.name != "snapshot" || !strings.Contains(snap.data, `"alertId":"A1"`) {
		t.Fatalf("first event = %+v, want snapshot of A1", snap)
	}

	if n := hub.Subscribers("A1"); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	for _, step := range []string{"classification", "analysis"} {
		hub.Publish(ctx, progress.Event{AlertID: "A1", Step: step, Status: "completed"})
	}
	hub.Publish(ctx, progress.Event{AlertID: "other", Step: "classification"})

	for _, want := range []string{"classification", "analysis"} {
		ev := readEvent(t, br)
		var pe progress.Event
		if err := json.Unmarshal([]byte(ev.data), &pe); err != nil {
			t.Fatal(err)
		}
		if ev.name != "progress" || pe.Step != want {
			t.Errorf("event = %s %+v, want progress for %s", ev.name, pe, want)
		}
	}
}

func TestHandleEvents_NoRecordNoSnapshot(t *testing.T) {
	t.Parallel()

	hub := progress.NewHub()
	srv := httptest.NewServer(newTestRouter(t, newMockService(), WithEvents(hub)))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/analyses/B7/events", http.NoBody)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	br := bufio.NewReader(res.Body)

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("B7") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.Publish(ctx, progress.Event{AlertID: "B7", Step: "classification", Status: "in_progress"})

	if ev := readEvent(t, br); ev.name != "progress" {
		t.Errorf("first event = %q, want progress (no snapshot for unknown record)", ev.name)
	}
}

func TestHandleEvents_LeavesOnDisconnect(t *testing.T) {
	t.Parallel()

	hub := progress.NewHub()
	srv := httptest.NewServer(newTestRouter(t, newMockService(), WithEvents(hub)))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/analyses/A1/events", http.NoBody)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readEvent(t, bufio.NewReader(res.Body))
	cancel()
	res.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("A1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
