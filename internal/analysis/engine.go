package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/argus/internal/alert"
	"github.com/linnemanlabs/argus/internal/fault"
	"github.com/linnemanlabs/argus/internal/progress"
)

var tracer = otel.Tracer("github.com/linnemanlabs/argus/internal/analysis")

// StepEvent describes one finished step execution.
type StepEvent struct {
	AlertID  string
	Key      string
	Status   StepStatus
	Degraded bool
	Kind     fault.Kind
	Duration float64
	Lineage  Lineage
}

// CompleteEvent describes a dispatch that left the record terminal.
type CompleteEvent struct {
	AlertID  string
	Status   Status
	Duration float64
	Lineage  Lineage
}

// EngineHooks are optional callbacks for metrics collection.
type EngineHooks struct {
	OnStep     func(e *StepEvent)
	OnComplete func(e *CompleteEvent)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithHooks sets metric callbacks.
func WithHooks(h EngineHooks) EngineOption {
	return func(e *Engine) { e.hooks = h }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithNotifier sets the notifier called when a record turns terminal.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// Engine dispatches pipeline steps against a record. It persists the
// record around every transition and publishes progress events. The
// caller must hold the per-alert lock.
type Engine struct {
	pipeline *Pipeline
	store    Store
	pub      Publisher
	notifier Notifier
	hooks    EngineHooks
	now      func() time.Time
	logger   log.Logger
}

// NewEngine creates an engine. pub and logger may be nil.
func NewEngine(p *Pipeline, store Store, pub Publisher, logger log.Logger, opts ...EngineOption) *Engine {
	if pub == nil {
		pub = nopPublisher{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	e := &Engine{
		pipeline: p,
		store:    store,
		pub:      pub,
		now:      time.Now,
		logger:   logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Pipeline returns the engine's pipeline.
func (e *Engine) Pipeline() *Pipeline { return e.pipeline }

// Run dispatches from index from to the end, skipping completed steps and
// stopping at the first failure. Step failures are recorded in rec, not
// returned; the error is non-nil only when the record could not be saved.
func (e *Engine) Run(ctx context.Context, al *alert.Alert, rec *Record, from int) error {
	return e.dispatch(ctx, al, rec, from, len(rec.ExecutionTimeline))
}

// RunStep dispatches the single step at idx.
func (e *Engine) RunStep(ctx context.Context, al *alert.Alert, rec *Record, idx int) error {
	return e.dispatch(ctx, al, rec, idx, idx+1)
}

func (e *Engine) dispatch(ctx context.Context, al *alert.Alert, rec *Record, from, to int) error {
	start := e.now()
	lineage := LineageFrom(ctx)
	L := e.logger.With("alert_id", rec.AlertID, "lineage", string(lineage))

	ran := false
	for i := from; i < to; i++ {
		if rec.ExecutionTimeline[i].Status == StepCompleted {
			continue
		}
		ran = true
		ok, err := e.step(ctx, L, al, rec, i)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
	}

	// terminal hooks fire only on the transition, not on a no-op re-dispatch
	if !ran || !rec.OrchestrationStatus.Terminal() {
		return nil
	}

	duration := e.now().Sub(start).Seconds()
	L.Info(ctx, "analysis finished",
		"status", rec.OrchestrationStatus,
		"duration", duration,
		"processing_ms", rec.ProcessingTimeMs,
	)
	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(&CompleteEvent{
			AlertID:  rec.AlertID,
			Status:   rec.OrchestrationStatus,
			Duration: duration,
			Lineage:  lineage,
		})
	}
	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, rec.Clone()); err != nil {
			L.Error(ctx, err, "notification failed")
		}
	}
	return nil
}

// step runs the step at idx. It reports whether the step completed.
func (e *Engine) step(ctx context.Context, L log.Logger, al *alert.Alert, rec *Record, idx int) (bool, error) {
	sr := &rec.ExecutionTimeline[idx]
	def, _ := e.pipeline.Definition(sr.Key)
	lineage := LineageFrom(ctx)
	L = L.With("step", sr.Key)

	began := e.now()
	sr.Status = StepInProgress
	sr.StartedAt = &began
	sr.EndedAt = nil
	sr.DurationMs = 0
	sr.Result = nil
	sr.Degraded = false
	sr.Error = nil
	e.touch(rec, began)

	if err := e.store.Save(ctx, rec); err != nil {
		return false, fmt.Errorf("save %s before step %s: %w", rec.AlertID, sr.Key, err)
	}
	e.publish(ctx, rec, idx, "Running "+def.DisplayName)

	ctx, span := tracer.Start(ctx, "analysis.step", trace.WithAttributes(
		attribute.String("argus.alert.id", rec.AlertID),
		attribute.String("argus.step.key", sr.Key),
		attribute.String("argus.lineage", string(lineage)),
	))

	L.Info(ctx, "step started")
	art, err := e.pipeline.executor(sr.Key).Execute(ctx, Input{Alert: al, Record: rec.Clone()})
	if err == nil && art == nil {
		err = fault.New(fault.KindInvalidResponse, sr.Key, "executor returned no artifact")
	}

	ended := e.now()
	sr.EndedAt = &ended
	sr.DurationMs = ended.Sub(began).Milliseconds()

	var activity string
	switch {
	case err == nil:
		art.Apply(rec)
		if raw, mErr := json.Marshal(art); mErr == nil {
			sr.Result = raw
		} else {
			L.Error(ctx, mErr, "failed to encode step artifact")
		}
		sr.Status = StepCompleted
		activity = "Completed " + def.DisplayName
		L.Info(ctx, "step completed", "duration_ms", sr.DurationMs)
	case def.Optional && errors.Is(err, fault.ErrExternalService):
		sr.Status = StepCompleted
		sr.Degraded = true
		sr.Error = detail(err)
		activity = "Completed " + def.DisplayName + " (degraded)"
		L.Warn(ctx, "optional step degraded", "err", err)
	default:
		sr.Status = StepFailed
		sr.Error = detail(err)
		rec.ErrorDetails = fmt.Sprintf("%s: %v", def.DisplayName, err)
		activity = "Failed " + def.DisplayName + ": " + err.Error()
		if raw := fault.RawOf(err); raw != "" {
			L.Error(ctx, err, "step failed", "kind", fault.KindOf(err), "raw", raw)
		} else {
			L.Error(ctx, err, "step failed", "kind", fault.KindOf(err))
		}
	}

	span.SetAttributes(
		attribute.String("argus.step.status", string(sr.Status)),
		attribute.Bool("argus.step.degraded", sr.Degraded),
	)
	if err != nil {
		span.RecordError(err)
		if sr.Status == StepFailed {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()

	e.touch(rec, ended)
	if e.hooks.OnStep != nil {
		ev := &StepEvent{
			AlertID:  rec.AlertID,
			Key:      sr.Key,
			Status:   sr.Status,
			Degraded: sr.Degraded,
			Duration: ended.Sub(began).Seconds(),
			Lineage:  lineage,
		}
		if err != nil {
			ev.Kind = fault.KindOf(err)
		}
		e.hooks.OnStep(ev)
	}

	if err := e.store.Save(ctx, rec); err != nil {
		return false, fmt.Errorf("save %s after step %s: %w", rec.AlertID, sr.Key, err)
	}
	e.publish(ctx, rec, idx, activity)
	return sr.Status == StepCompleted, nil
}

// touch refreshes the derived record fields after a transition at t.
func (e *Engine) touch(rec *Record, t time.Time) {
	rec.AnalysisTimestamp = t
	rec.OrchestrationStatus = Derive(rec.ExecutionTimeline)
	var total int64
	for i := range rec.ExecutionTimeline {
		total += rec.ExecutionTimeline[i].DurationMs
	}
	rec.ProcessingTimeMs = total
}

func (e *Engine) publish(ctx context.Context, rec *Record, idx int, activity string) {
	e.pub.Publish(ctx, EventFor(rec, idx, activity))
}

// EventFor builds the progress event for the step at idx.
func EventFor(rec *Record, idx int, activity string) progress.Event {
	sr := rec.ExecutionTimeline[idx]
	return progress.Event{
		AlertID:         rec.AlertID,
		Step:            sr.Key,
		StepName:        sr.DisplayName,
		Status:          string(sr.Status),
		OverallStatus:   string(rec.OrchestrationStatus),
		ProgressPercent: Progress(rec.ExecutionTimeline),
		CurrentActivity: activity,
		Timestamp:       rec.AnalysisTimestamp,
	}
}

func detail(err error) *ErrorDetail {
	return &ErrorDetail{
		Kind:      string(fault.KindOf(err)),
		Message:   err.Error(),
		Retryable: fault.Retryable(err),
	}
}
