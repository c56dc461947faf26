package provider

import (
	"context"
	"sync/atomic"
)

// Binding is the handle step executors use to reach a backend. The
// descriptor can be swapped at runtime, and the adapter is resolved on
// every call so registry invalidation takes effect immediately.
type Binding struct {
	registry *Registry
	desc     atomic.Pointer[Descriptor]
}

// NewBinding returns a binding of d against r.
func NewBinding(r *Registry, d Descriptor) *Binding {
	b := &Binding{registry: r}
	b.Set(d)
	return b
}

// Set replaces the descriptor.
func (b *Binding) Set(d Descriptor) {
	cp := d
	b.desc.Store(&cp)
}

// Descriptor returns the current descriptor.
func (b *Binding) Descriptor() Descriptor {
	return *b.desc.Load()
}

// Generate runs prompt against the bound backend.
func (b *Binding) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	d := b.Descriptor()
	a, err := b.registry.Resolve(d.Type)
	if err != nil {
		return "", err
	}
	return a.GenerateText(ctx, d.Config, prompt, opts)
}

// Model names the model currently bound, for logs and metrics.
func (b *Binding) Model() string {
	return b.Descriptor().Config.Model
}
