package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/argus/internal/analysis"
)

// Backend is the server surface the Driver needs. *Client implements it.
type Backend interface {
	Submit(ctx context.Context, alertID string) (*analysis.Record, error)
	Result(ctx context.Context, alertID string) (*analysis.Record, bool, error)
	RetryStep(ctx context.Context, alertID, step string) (*analysis.Record, error)
	ContinueFrom(ctx context.Context, alertID, step string) (*analysis.Record, error)
	Events(ctx context.Context, alertID string) (<-chan Message, error)
}

var _ Backend = (*Client)(nil)

// Step is the driver's view of one step.
type Step struct {
	Key    string              `json:"key"`
	Name   string              `json:"name"`
	Status analysis.StepStatus `json:"status"`
	Error  string              `json:"error,omitempty"`
}

// State is a point-in-time copy of the driver's view.
type State struct {
	AlertID         string
	Status          analysis.Status
	Steps           []Step
	OverallProgress int
	CurrentActivity string
}

// Driver mirrors an analysis session on the client side. It reconciles
// from the stored record on join and on every reconnect, and applies
// progress events as they arrive.
type Driver struct {
	backend Backend
	alertID string
	logger  log.Logger

	autoContinue   bool
	reconnectDelay time.Duration
	onChange       func(State)

	mu       sync.Mutex
	steps    []Step
	status   analysis.Status
	activity string
	record   *analysis.Record
	updated  time.Time
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithAutoContinue controls whether a successful RetryStep continues with
// the following steps. Enabled by default.
func WithAutoContinue(on bool) DriverOption {
	return func(d *Driver) { d.autoContinue = on }
}

// WithReconnectDelay sets the pause before reopening a dropped stream.
func WithReconnectDelay(delay time.Duration) DriverOption {
	return func(d *Driver) { d.reconnectDelay = delay }
}

// WithOnChange registers a callback invoked after every state change.
func WithOnChange(fn func(State)) DriverOption {
	return func(d *Driver) { d.onChange = fn }
}

// WithDriverLogger sets the logger.
func WithDriverLogger(l log.Logger) DriverOption {
	return func(d *Driver) { d.logger = l }
}

// NewDriver creates a driver for alertID.
func NewDriver(b Backend, alertID string, opts ...DriverOption) *Driver {
	if b == nil {
		panic(xerrors.New("backend is required"))
	}
	d := &Driver{
		backend:        b,
		alertID:        alertID,
		logger:         log.Nop(),
		autoContinue:   true,
		reconnectDelay: time.Second,
		status:         analysis.StatusPending,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Steps returns a copy of the step list.
func (d *Driver) Steps() []Step {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Step(nil), d.steps...)
}

// Status is the overall orchestration status.
func (d *Driver) Status() analysis.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// OverallProgress is the weighted completion percentage: completed steps
// count 1, in-progress steps 0.5, the rest 0.
func (d *Driver) OverallProgress() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return overallProgress(d.steps)
}

// CurrentActivity describes the latest transition.
func (d *Driver) CurrentActivity() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activity
}

// Record returns the last full record seen, or nil.
func (d *Driver) Record() *analysis.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.record == nil {
		return nil
	}
	return d.record.Clone()
}

// State returns a consistent copy of the whole view.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked()
}

func (d *Driver) stateLocked() State {
	return State{
		AlertID:         d.alertID,
		Status:          d.status,
		Steps:           append([]Step(nil), d.steps...),
		OverallProgress: overallProgress(d.steps),
		CurrentActivity: d.activity,
	}
}

func overallProgress(steps []Step) int {
	if len(steps) == 0 {
		return 0
	}
	var sum float64
	for _, s := range steps {
		switch s.Status {
		case analysis.StepCompleted:
			sum += 1
		case analysis.StepInProgress:
			sum += 0.5
		}
	}
	return int(sum / float64(len(steps)) * 100)
}

// Join reconciles the view from the stored record. It reports whether a
// record exists.
func (d *Driver) Join(ctx context.Context) (bool, error) {
	rec, ok, err := d.backend.Result(ctx, d.alertID)
	if err != nil {
		return false, fmt.Errorf("join %s: %w", d.alertID, err)
	}
	if ok {
		d.applyRecord(rec)
	}
	return ok, nil
}

// Start submits the alert for analysis.
func (d *Driver) Start(ctx context.Context) (*analysis.Record, error) {
	rec, err := d.backend.Submit(ctx, d.alertID)
	if err != nil {
		return nil, err
	}
	d.applyRecord(rec)
	return rec, nil
}

// RetryStep retries the failed step at index i. On success, and unless
// auto-continue is disabled, it continues with step i+1.
func (d *Driver) RetryStep(ctx context.Context, i int) (*analysis.Record, error) {
	steps := d.Steps()
	if i < 0 || i >= len(steps) {
		return nil, fmt.Errorf("retry %s: step index %d out of range", d.alertID, i)
	}

	rec, err := d.backend.RetryStep(ctx, d.alertID, steps[i].Key)
	if err != nil {
		return nil, err
	}
	d.applyRecord(rec)

	st := rec.Step(steps[i].Key)
	if !d.autoContinue || st == nil || st.Status != analysis.StepCompleted || i+1 >= len(rec.ExecutionTimeline) {
		return rec, nil
	}

	next := rec.ExecutionTimeline[i+1].Key
	d.logger.Info(ctx, "continuing after retry", "alert_id", d.alertID, "step", next)
	cont, err := d.backend.ContinueFrom(ctx, d.alertID, next)
	if err != nil {
		return rec, fmt.Errorf("continue from %s: %w", next, err)
	}
	d.applyRecord(cont)
	return cont, nil
}

// ContinueFrom dispatches the step at index i and every later step.
func (d *Driver) ContinueFrom(ctx context.Context, i int) (*analysis.Record, error) {
	steps := d.Steps()
	if i < 0 || i >= len(steps) {
		return nil, fmt.Errorf("continue %s: step index %d out of range", d.alertID, i)
	}
	rec, err := d.backend.ContinueFrom(ctx, d.alertID, steps[i].Key)
	if err != nil {
		return nil, err
	}
	d.applyRecord(rec)
	return rec, nil
}

// Watch follows the progress stream until the session turns terminal or
// ctx ends. Dropped streams are reopened; every (re)connect reconciles
// from the stored record first.
func (d *Driver) Watch(ctx context.Context) error {
	for {
		done, err := d.watchOnce(ctx)
		if done {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			d.logger.Warn(ctx, "progress stream interrupted", "alert_id", d.alertID, "err", err)
		}

		t := time.NewTimer(d.reconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// watchOnce runs one stream connection. done reports a terminal state.
func (d *Driver) watchOnce(ctx context.Context) (done bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := d.backend.Events(ctx, d.alertID)
	if err != nil {
		return false, err
	}

	// reconcile after subscribing so nothing between the two is lost
	if _, err := d.Join(ctx); err != nil {
		return false, err
	}
	if d.terminal() {
		return true, nil
	}

	for msg := range events {
		switch {
		case msg.Snapshot != nil:
			d.applyRecord(msg.Snapshot)
		case msg.Progress != nil:
			d.applyEvent(msg)
		}
		if d.terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (d *Driver) terminal() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status.Terminal() && len(d.steps) > 0
}

func (d *Driver) applyRecord(rec *analysis.Record) {
	if rec == nil {
		return
	}
	d.mu.Lock()
	// a record older than what we have is a stale snapshot
	if !d.updated.IsZero() && rec.AnalysisTimestamp.Before(d.updated) && len(d.steps) == len(rec.ExecutionTimeline) {
		d.mu.Unlock()
		return
	}
	d.record = rec.Clone()
	d.steps = make([]Step, len(rec.ExecutionTimeline))
	for i, sr := range rec.ExecutionTimeline {
		d.steps[i] = Step{Key: sr.Key, Name: sr.DisplayName, Status: sr.Status}
		if sr.Error != nil {
			d.steps[i].Error = sr.Error.Message
		}
	}
	d.status = rec.OrchestrationStatus
	d.updated = rec.AnalysisTimestamp
	switch d.status {
	case analysis.StatusCompleted:
		d.activity = "Analysis complete"
	case analysis.StatusFailed:
		d.activity = rec.ErrorDetails
	}
	st := d.stateLocked()
	d.mu.Unlock()
	d.notify(st)
}

func (d *Driver) applyEvent(msg Message) {
	ev := msg.Progress
	d.mu.Lock()
	if ev.Timestamp.Before(d.updated) {
		d.mu.Unlock()
		return
	}
	found := false
	for i := range d.steps {
		if d.steps[i].Key == ev.Step {
			d.steps[i].Status = analysis.StepStatus(ev.Status)
			if d.steps[i].Status != analysis.StepFailed {
				d.steps[i].Error = ""
			}
			found = true
			break
		}
	}
	if !found {
		d.steps = append(d.steps, Step{Key: ev.Step, Name: ev.StepName, Status: analysis.StepStatus(ev.Status)})
	}
	d.status = analysis.Status(ev.OverallStatus)
	d.activity = ev.CurrentActivity
	d.updated = ev.Timestamp
	st := d.stateLocked()
	d.mu.Unlock()
	d.notify(st)
}

func (d *Driver) notify(st State) {
	if d.onChange != nil {
		d.onChange(st)
	}
}
