package provider

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/argus/internal/fault"
)

// Status is the structured health of one backend/config pair. Adapter
// failures are reported here instead of being returned.
type Status struct {
	Type           Type     `json:"type"`
	Valid          bool     `json:"valid"`
	Connected      bool     `json:"connected"`
	ModelAvailable bool     `json:"modelAvailable"`
	Errors         []string `json:"errors,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Registry maps backend types to constructors and caches one adapter
// instance per type. It is built once by the composition root.
type Registry struct {
	mu        sync.RWMutex
	ctors     map[Type]Constructor
	instances map[Type]Adapter
	logger    log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.Nop()
	}
	return &Registry{
		ctors:     make(map[Type]Constructor),
		instances: make(map[Type]Adapter),
		logger:    logger,
	}
}

// Register adds or replaces the constructor for t. Replacing drops any
// cached instance.
func (r *Registry) Register(t Type, ctor Constructor) error {
	if t == "" {
		return fmt.Errorf("provider: register: empty type")
	}
	if ctor == nil {
		return fmt.Errorf("provider: register %q: nil constructor", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[t] = ctor
	delete(r.instances, t)
	return nil
}

// Resolve returns the cached adapter for t, constructing it on first use.
func (r *Registry) Resolve(t Type) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.instances[t]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.instances[t]; ok {
		return a, nil
	}
	ctor, ok := r.ctors[t]
	if !ok {
		return nil, fault.UnsupportedProvider(string(t), r.typeNamesLocked())
	}

	// construction happens under the lock so concurrent first callers
	// share one instance
	a, err := ctor()
	if err != nil {
		return nil, fault.Wrap(fault.KindProviderUnavailable, "provider.construct "+string(t), err)
	}
	if a == nil {
		return nil, fault.Newf(fault.KindProviderUnavailable, "provider.construct", "constructor for %q returned nil", t)
	}
	r.instances[t] = a
	return a, nil
}

// Invalidate drops the cached instance for t so the next Resolve rebuilds
// it. Used on credential rotation.
func (r *Registry) Invalidate(t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[t]; ok {
		delete(r.instances, t)
		r.logger.Info(context.Background(), "provider instance invalidated", "provider", string(t))
	}
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.ctors))
	for t := range r.ctors {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (r *Registry) typeNamesLocked() []string {
	out := make([]string, 0, len(r.ctors))
	for t := range r.ctors {
		out = append(out, string(t))
	}
	slices.Sort(out)
	return out
}

// Status validates cfg and probes the backend. It never returns an error.
func (r *Registry) Status(ctx context.Context, t Type, cfg Config) (st Status) {
	st.Type = t

	defer func() {
		if rec := recover(); rec != nil {
			st.Connected = false
			st.ModelAvailable = false
			st.Error = fmt.Sprintf("adapter panic: %v", rec)
			r.logger.Warn(ctx, "provider status check panicked", "provider", string(t), "panic", rec)
		}
	}()

	a, err := r.Resolve(t)
	if err != nil {
		st.Error = err.Error()
		return st
	}

	v := a.ValidateConfig(cfg)
	st.Valid = v.Valid
	st.Errors = v.Errors
	if !v.Valid {
		st.Error = "invalid configuration"
		return st
	}

	cs, err := a.CheckConnection(ctx, cfg)
	st.Connected = cs.Connected
	st.ModelAvailable = cs.ModelAvailable
	if err != nil {
		st.Error = err.Error()
	}
	return st
}
