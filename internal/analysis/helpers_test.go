package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/argus/internal/alert"
	"github.com/linnemanlabs/argus/internal/lock"
	"github.com/linnemanlabs/argus/internal/progress"
)

// mockStore implements Store and keeps every saved snapshot.
type mockStore struct {
	mu      sync.Mutex
	records map[string]*Record
	saves   []*Record
	saveErr error
	getErr  error

	// saveCtxCheck fails saves on a done context, like a pgx pool would
	saveCtxCheck bool
}

func newMockStore() *mockStore {
	return &mockStore{records: make(map[string]*Record)}
}

func (m *mockStore) Get(_ context.Context, id string) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	r, ok := m.records[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (m *mockStore) Save(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.saveCtxCheck && ctx.Err() != nil {
		return ctx.Err()
	}
	m.records[r.AlertID] = r.Clone()
	m.saves = append(m.saves, r.Clone())
	return nil
}

func (m *mockStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *mockStore) put(r *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.AlertID] = r.Clone()
}

// recordingPublisher captures published events in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []progress.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev progress.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) snapshot() []progress.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]progress.Event(nil), p.events...)
}

// scriptedExecutor returns queued errors in sequence, then succeeds with
// the artifact built by art.
type scriptedExecutor struct {
	mu    sync.Mutex
	errs  []error
	calls int
	seen  []*Record
	art   func() Artifact
}

func (s *scriptedExecutor) Execute(_ context.Context, in Input) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	s.seen = append(s.seen, in.Record)
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	return s.art(), nil
}

func (s *scriptedExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stepClock advances one second per reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// recordingArchiver captures archived records.
type recordingArchiver struct {
	mu       sync.Mutex
	archived []*Record
	err      error
}

func (a *recordingArchiver) Archive(_ context.Context, r *Record) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.archived = append(a.archived, r.Clone())
	return "mem://" + r.AlertID, nil
}

// countingNotifier counts terminal notifications.
type countingNotifier struct {
	mu       sync.Mutex
	statuses []Status
}

func (n *countingNotifier) Notify(_ context.Context, r *Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, r.OrchestrationStatus)
	return nil
}

var errBoom = errors.New("boom")

// fixture bundles a three-step classification, analysis, mitre service.
type fixture struct {
	svc       *Service
	engine    *Engine
	store     *mockStore
	pub       *recordingPublisher
	locker    *lock.Local
	executors map[string]*scriptedExecutor
}

func testAlert() *alert.Alert {
	return &alert.Alert{
		ID:          "A1",
		Title:       "Suspicious PowerShell",
		Description: "encoded command from 10.0.0.5",
		Severity:    "high",
		CreatedAt:   time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
	}
}

func testDefs() []StepDefinition {
	return []StepDefinition{
		{Key: "classification", DisplayName: "Classification"},
		{Key: "analysis", DisplayName: "Analysis", DependsOn: []string{"classification"}},
		{Key: "mitre", DisplayName: "MITRE ATT&CK Mapping", DependsOn: []string{"analysis"}},
	}
}

func testArtifacts() map[string]func() Artifact {
	return map[string]func() Artifact{
		"classification": func() Artifact {
			return &ClassificationArtifact{Classification{Category: "malware", Severity: "high", Confidence: 0.75}}
		},
		"analysis": func() Artifact {
			return &AssessmentArtifact{Summary: "encoded powershell", RootCause: "phishing", Impact: "host", Recommendations: []string{"isolate"}, Confidence: 0.25}
		},
		"mitre": func() Artifact {
			return &MitreArtifact{Techniques: []MitreTechnique{{ID: "T1059.001", Name: "PowerShell"}}}
		},
	}
}

type fixtureOpt struct {
	defs     []StepDefinition
	errs     map[string][]error
	engine   []EngineOption
	service  []ServiceOption
	clock    *stepClock
	withLock *lock.Local
}

func newFixture(t *testing.T, o fixtureOpt) *fixture {
	t.Helper()
	if o.defs == nil {
		o.defs = testDefs()
	}
	if o.clock == nil {
		o.clock = newStepClock()
	}
	if o.withLock == nil {
		o.withLock = lock.NewLocal()
	}
	arts := testArtifacts()
	execs := make(map[string]*scriptedExecutor)
	bound := make(map[string]Executor)
	for _, d := range o.defs {
		art, ok := arts[d.Key]
		if !ok {
			art = func() Artifact { return &IntelArtifact{} }
		}
		ex := &scriptedExecutor{errs: o.errs[d.Key], art: art}
		execs[d.Key] = ex
		bound[d.Key] = ex
	}
	p, err := NewPipeline(o.defs, bound)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	store := newMockStore()
	pub := &recordingPublisher{}
	engineOpts := append([]EngineOption{WithClock(o.clock.Now)}, o.engine...)
	engine := NewEngine(p, store, pub, log.Nop(), engineOpts...)
	svc := NewService(alert.NewMemLookup(testAlert()), store, engine, o.withLock, log.Nop(), o.service...)
	return &fixture{svc: svc, engine: engine, store: store, pub: pub, locker: o.withLock, executors: execs}
}

func statuses(r *Record) []StepStatus {
	out := make([]StepStatus, len(r.ExecutionTimeline))
	for i, s := range r.ExecutionTimeline {
		out[i] = s.Status
	}
	return out
}
