package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/argus/internal/alert"
	"github.com/linnemanlabs/argus/internal/fault"
	"github.com/linnemanlabs/argus/internal/lock"
)

// SubmitResult is the outcome of submitting an alert for analysis.
type SubmitResult struct {
	Record  *Record
	Skipped bool
	Reason  string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithArchiver snapshots records before they are reset.
func WithArchiver(a Archiver) ServiceOption {
	return func(s *Service) { s.archiver = a }
}

// WithSubmitObserver is called with the outcome of every Submit:
// "accepted", "skipped", "busy" or "error".
func WithSubmitObserver(fn func(result string)) ServiceOption {
	return func(s *Service) { s.onSubmit = fn }
}

// Service is the business boundary for analysis sessions. Every mutating
// operation holds the per-alert lock for its whole duration, so at most
// one session drives a record at a time.
type Service struct {
	alerts   alert.Lookup
	store    Store
	engine   *Engine
	locker   lock.Locker
	archiver Archiver
	onSubmit func(string)
	logger   log.Logger
}

// NewService creates a new analysis service.
func NewService(alerts alert.Lookup, store Store, engine *Engine, locker lock.Locker, logger log.Logger, opts ...ServiceOption) *Service {
	if alerts == nil {
		panic(xerrors.New("alert lookup is required"))
	}
	if store == nil {
		panic(xerrors.New("store is required"))
	}
	if engine == nil {
		panic(xerrors.New("engine is required"))
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		alerts: alerts,
		store:  store,
		engine: engine,
		locker: locker,
		logger: logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Pipeline returns the service's pipeline.
func (s *Service) Pipeline() *Pipeline { return s.engine.pipeline }

// Archiver returns the configured archiver, or nil.
func (s *Service) Archiver() Archiver { return s.archiver }

// Start runs or resumes analysis of alertID synchronously and returns the
// resulting record.
func (s *Service) Start(ctx context.Context, alertID string) (*Record, error) {
	unlock, err := s.locker.Acquire(ctx, alertID)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, alertID, unlock)

	al, rec, from, err := s.prepare(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if from < 0 {
		return rec, nil
	}
	// a dropped caller must not abandon a step halfway
	if err := s.engine.Run(context.WithoutCancel(ctx), al, rec, from); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Submit is the asynchronous form of Start. It returns once the record is
// persisted; dispatch continues in the background.
func (s *Service) Submit(ctx context.Context, alertID string) (*SubmitResult, error) {
	unlock, err := s.locker.Acquire(ctx, alertID)
	if err != nil {
		s.observe(submitOutcome(err))
		return nil, err
	}

	al, rec, from, err := s.prepare(ctx, alertID)
	if err != nil {
		s.release(ctx, alertID, unlock)
		s.observe("error")
		return nil, err
	}
	if from < 0 {
		s.release(ctx, alertID, unlock)
		s.observe("skipped")
		return &SubmitResult{Record: rec, Skipped: true, Reason: string(rec.OrchestrationStatus)}, nil
	}

	accepted := rec.Clone()
	s.background(ctx, alertID, unlock, func(ctx context.Context) error {
		return s.engine.Run(ctx, al, rec, from)
	})
	s.observe("accepted")
	return &SubmitResult{Record: accepted}, nil
}

// RetryStep resets the failed step key to pending and re-executes it
// alone. No other step record is touched and nothing cascades.
func (s *Service) RetryStep(ctx context.Context, alertID, key string) (*Record, error) {
	unlock, err := s.locker.Acquire(ctx, alertID)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, alertID, unlock)

	al, rec, idx, err := s.load(ctx, alertID, key)
	if err != nil {
		return nil, err
	}

	sr := &rec.ExecutionTimeline[idx]
	if sr.Status != StepFailed {
		return nil, fault.Newf(fault.KindInvalidState, "analysis.retry", "step %q is %s, only failed steps can be retried", key, sr.Status)
	}
	def, _ := s.engine.pipeline.Definition(key)
	for _, dep := range def.DependsOn {
		if d := rec.Step(dep); d == nil || d.Status != StepCompleted {
			return nil, fault.Newf(fault.KindInvalidState, "analysis.retry", "step %q depends on %q which is not completed", key, dep)
		}
	}

	ctx = context.WithoutCancel(ctx)
	*sr = StepRecord{Key: sr.Key, DisplayName: sr.DisplayName, Status: StepPending}
	rec.ErrorDetails = ""
	s.engine.touch(rec, s.engine.now())
	if err := s.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save %s: %w", alertID, err)
	}
	s.engine.publish(ctx, rec, idx, "Retrying "+def.DisplayName)

	s.logger.Info(ctx, "retrying step", "alert_id", alertID, "step", key, "lineage", string(LineageFrom(ctx)))
	if err := s.engine.RunStep(ctx, al, rec, idx); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// ContinueFrom dispatches key and every later step in order. Every step
// before key must already be completed.
func (s *Service) ContinueFrom(ctx context.Context, alertID, key string) (*Record, error) {
	unlock, err := s.locker.Acquire(ctx, alertID)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, alertID, unlock)

	al, rec, idx, err := s.continuable(ctx, alertID, key)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Run(context.WithoutCancel(ctx), al, rec, idx); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// SubmitContinue is the asynchronous form of ContinueFrom.
func (s *Service) SubmitContinue(ctx context.Context, alertID, key string) (*Record, error) {
	unlock, err := s.locker.Acquire(ctx, alertID)
	if err != nil {
		return nil, err
	}

	al, rec, idx, err := s.continuable(ctx, alertID, key)
	if err != nil {
		s.release(ctx, alertID, unlock)
		return nil, err
	}

	accepted := rec.Clone()
	s.background(ctx, alertID, unlock, func(ctx context.Context) error {
		return s.engine.Run(ctx, al, rec, idx)
	})
	return accepted, nil
}

// Reset removes the record so the alert can be analysed from scratch. When
// an archiver is configured the record is snapshotted first and a failed
// snapshot aborts the reset.
func (s *Service) Reset(ctx context.Context, alertID string) error {
	unlock, err := s.locker.Acquire(ctx, alertID)
	if err != nil {
		return err
	}
	defer s.release(ctx, alertID, unlock)

	rec, ok, err := s.store.Get(ctx, alertID)
	if err != nil {
		return fmt.Errorf("get %s: %w", alertID, err)
	}
	if !ok {
		return fault.Newf(fault.KindNotFound, "analysis.reset", "no analysis for alert %s", alertID)
	}

	L := s.logger.With("alert_id", alertID, "lineage", string(LineageFrom(ctx)))
	if s.archiver != nil {
		loc, err := s.archiver.Archive(ctx, rec)
		if err != nil {
			return fmt.Errorf("archive %s: %w", alertID, err)
		}
		L.Info(ctx, "analysis archived", "location", loc)
	}
	if err := s.store.Delete(ctx, alertID); err != nil {
		return fmt.Errorf("delete %s: %w", alertID, err)
	}
	L.Info(ctx, "analysis reset", "previous_status", rec.OrchestrationStatus)
	return nil
}

// Result returns the stored record for alertID.
func (s *Service) Result(ctx context.Context, alertID string) (*Record, bool, error) {
	return s.store.Get(ctx, alertID)
}

// prepare resolves the alert and the record to dispatch. from is the index
// to resume at, or -1 when the record is terminal and nothing should run.
func (s *Service) prepare(ctx context.Context, alertID string) (*alert.Alert, *Record, int, error) {
	al, err := s.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("lookup alert %s: %w", alertID, err)
	}

	rec, ok, err := s.store.Get(ctx, alertID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("get %s: %w", alertID, err)
	}
	if ok {
		if !s.engine.pipeline.matches(rec) {
			return nil, nil, 0, fault.Newf(fault.KindInvalidState, "analysis.start", "record for %s was produced by a different pipeline, reset it first", alertID)
		}
		switch rec.OrchestrationStatus {
		case StatusCompleted, StatusFailed:
			return al, rec, -1, nil
		default:
			from := rec.FirstIncomplete()
			s.logger.Info(ctx, "resuming analysis", "alert_id", alertID, "from", rec.ExecutionTimeline[from].Key)
			return al, rec, from, nil
		}
	}

	rec = s.engine.pipeline.NewRecord(alertID, s.engine.now())
	if err := s.store.Save(ctx, rec); err != nil {
		return nil, nil, 0, fmt.Errorf("save %s: %w", alertID, err)
	}
	return al, rec, 0, nil
}

// load resolves the alert, the existing record and the index of key.
func (s *Service) load(ctx context.Context, alertID, key string) (*alert.Alert, *Record, int, error) {
	al, err := s.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("lookup alert %s: %w", alertID, err)
	}
	rec, ok, err := s.store.Get(ctx, alertID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("get %s: %w", alertID, err)
	}
	if !ok {
		return nil, nil, 0, fault.Newf(fault.KindNotFound, "analysis", "no analysis for alert %s", alertID)
	}
	if !s.engine.pipeline.matches(rec) {
		return nil, nil, 0, fault.Newf(fault.KindInvalidState, "analysis", "record for %s was produced by a different pipeline, reset it first", alertID)
	}
	idx, ok := s.engine.pipeline.Index(key)
	if !ok {
		return nil, nil, 0, fault.Newf(fault.KindNotFound, "analysis", "unknown step %q", key)
	}
	return al, rec, idx, nil
}

func (s *Service) continuable(ctx context.Context, alertID, key string) (*alert.Alert, *Record, int, error) {
	al, rec, idx, err := s.load(ctx, alertID, key)
	if err != nil {
		return nil, nil, 0, err
	}
	for i := range idx {
		if sr := rec.ExecutionTimeline[i]; sr.Status != StepCompleted {
			return nil, nil, 0, fault.Newf(fault.KindInvalidState, "analysis.continue", "cannot continue from %q: step %q is %s", key, sr.Key, sr.Status)
		}
	}
	return al, rec, idx, nil
}

// background runs fn detached from the request and releases the lock when
// it returns.
func (s *Service) background(ctx context.Context, alertID string, unlock lock.Unlock, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer s.release(ctx, alertID, unlock)
		if err := fn(ctx); err != nil {
			s.logger.Error(ctx, err, "analysis dispatch aborted", "alert_id", alertID)
		}
	}()
}

func (s *Service) release(ctx context.Context, alertID string, unlock lock.Unlock) {
	if err := unlock(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error(ctx, err, "failed to release alert lock", "alert_id", alertID)
	}
}

func (s *Service) observe(result string) {
	if s.onSubmit != nil {
		s.onSubmit(result)
	}
}

func submitOutcome(err error) string {
	if errors.Is(err, lock.ErrBusy) {
		return "busy"
	}
	return "error"
}
