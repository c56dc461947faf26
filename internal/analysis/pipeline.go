package analysis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/linnemanlabs/argus/internal/alert"
)

// Input is what an executor sees: the alert and a read-only snapshot of the
// record holding every prior artifact.
type Input struct {
	Alert  *alert.Alert
	Record *Record
}

// Executor performs one step. Errors must be returned classified (see
// package fault); executors never swallow them.
type Executor interface {
	Execute(ctx context.Context, in Input) (Artifact, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, in Input) (Artifact, error)

func (f ExecutorFunc) Execute(ctx context.Context, in Input) (Artifact, error) { return f(ctx, in) }

// StepDefinition declares one step of the pipeline.
type StepDefinition struct {
	Key         string   `json:"key"`
	DisplayName string   `json:"displayName"`
	DependsOn   []string `json:"dependsOn,omitempty"`
	// Optional steps degrade instead of failing when an external
	// service is unavailable.
	Optional bool `json:"optional,omitempty"`
}

// Pipeline is a validated, ordered list of steps with their executors.
type Pipeline struct {
	defs      []StepDefinition
	index     map[string]int
	executors map[string]Executor
}

// NewPipeline validates defs and binds an executor to each. Dependencies
// must name earlier steps, so the graph is acyclic by construction.
func NewPipeline(defs []StepDefinition, executors map[string]Executor) (*Pipeline, error) {
	if len(defs) == 0 {
		return nil, errors.New("pipeline: no steps")
	}

	p := &Pipeline{
		defs:      make([]StepDefinition, len(defs)),
		index:     make(map[string]int, len(defs)),
		executors: make(map[string]Executor, len(defs)),
	}

	var errs []error
	for i, d := range defs {
		if d.Key == "" {
			errs = append(errs, fmt.Errorf("pipeline: step %d has empty key", i))
			continue
		}
		if _, dup := p.index[d.Key]; dup {
			errs = append(errs, fmt.Errorf("pipeline: duplicate step %q", d.Key))
			continue
		}
		for _, dep := range d.DependsOn {
			_, earlier := p.index[dep]
			switch {
			case dep == d.Key:
				errs = append(errs, fmt.Errorf("pipeline: step %q depends on itself", d.Key))
			case earlier:
			case slices.ContainsFunc(defs[i+1:], func(x StepDefinition) bool { return x.Key == dep }):
				errs = append(errs, fmt.Errorf("pipeline: step %q depends on later step %q", d.Key, dep))
			default:
				errs = append(errs, fmt.Errorf("pipeline: step %q depends on unknown step %q", d.Key, dep))
			}
		}
		ex, ok := executors[d.Key]
		if !ok || ex == nil {
			errs = append(errs, fmt.Errorf("pipeline: no executor for step %q", d.Key))
		}
		if d.DisplayName == "" {
			d.DisplayName = d.Key
		}
		d.DependsOn = slices.Clone(d.DependsOn)
		p.defs[i] = d
		p.index[d.Key] = i
		p.executors[d.Key] = ex
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return p, nil
}

// Steps returns a copy of the step definitions in order.
func (p *Pipeline) Steps() []StepDefinition {
	out := make([]StepDefinition, len(p.defs))
	for i, d := range p.defs {
		d.DependsOn = slices.Clone(d.DependsOn)
		out[i] = d
	}
	return out
}

// Keys returns the step keys in order.
func (p *Pipeline) Keys() []string {
	out := make([]string, len(p.defs))
	for i, d := range p.defs {
		out[i] = d.Key
	}
	return out
}

// Index returns the position of key.
func (p *Pipeline) Index(key string) (int, bool) {
	i, ok := p.index[key]
	return i, ok
}

// Definition returns the definition of key.
func (p *Pipeline) Definition(key string) (StepDefinition, bool) {
	i, ok := p.index[key]
	if !ok {
		return StepDefinition{}, false
	}
	return p.defs[i], true
}

func (p *Pipeline) executor(key string) Executor {
	return p.executors[key]
}

// NewRecord builds a fresh record with every step pending.
func (p *Pipeline) NewRecord(alertID string, now time.Time) *Record {
	r := &Record{
		AlertID:             alertID,
		OrchestrationStatus: StatusPending,
		ExecutionTimeline:   make([]StepRecord, len(p.defs)),
		AnalysisTimestamp:   now,
	}
	for i, d := range p.defs {
		r.ExecutionTimeline[i] = StepRecord{Key: d.Key, DisplayName: d.DisplayName, Status: StepPending}
	}
	return r
}

// matches reports whether r's timeline has exactly this pipeline's steps.
func (p *Pipeline) matches(r *Record) bool {
	if len(r.ExecutionTimeline) != len(p.defs) {
		return false
	}
	for i, d := range p.defs {
		if r.ExecutionTimeline[i].Key != d.Key {
			return false
		}
	}
	return true
}
