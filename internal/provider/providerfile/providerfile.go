// Package providerfile loads provider descriptors from YAML and keeps step
// bindings in sync with the file on disk.
package providerfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/argus/internal/provider"
)

// File is the parsed provider file.
//
//	default: claude
//	providers:
//	  claude:
//	    model: claude-sonnet-4-20250514
//	    credentials:
//	      api_key: ${ANTHROPIC_API_KEY}
//	steps:
//	  scripts: bedrock
type File struct {
	Default   provider.Type                     `yaml:"default"`
	Providers map[provider.Type]provider.Config `yaml:"providers"`
	Steps     map[string]provider.Type          `yaml:"steps"`
}

// Load reads path, expands ${VAR} references from the environment and
// validates cross references.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a provider file body.
func Parse(raw []byte) (*File, error) {
	expanded := os.ExpandEnv(string(raw))

	dec := yaml.NewDecoder(bytes.NewBufferString(expanded))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse provider file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks that the default and every step override name a
// configured provider.
func (f *File) Validate() error {
	var errs []error
	if len(f.Providers) == 0 {
		errs = append(errs, errors.New("no providers configured"))
	}
	if f.Default == "" {
		errs = append(errs, errors.New("default provider is required"))
	} else if _, ok := f.Providers[f.Default]; !ok {
		errs = append(errs, fmt.Errorf("default provider %q is not configured", f.Default))
	}
	for step, t := range f.Steps {
		if _, ok := f.Providers[t]; !ok {
			errs = append(errs, fmt.Errorf("step %q uses unconfigured provider %q", step, t))
		}
	}
	return errors.Join(errs...)
}

// Descriptor returns the descriptor a step should be bound to.
func (f *File) Descriptor(step string) provider.Descriptor {
	t := f.Default
	if override, ok := f.Steps[step]; ok {
		t = override
	}
	return provider.Descriptor{Type: t, Config: f.Providers[t]}
}

// Types returns the configured provider types in sorted order.
func (f *File) Types() []provider.Type {
	out := make([]provider.Type, 0, len(f.Providers))
	for t := range f.Providers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Changed returns the provider types whose configuration differs between
// f and next, including types added or removed.
func (f *File) Changed(next *File) []provider.Type {
	var out []provider.Type
	for t, cfg := range f.Providers {
		if ncfg, ok := next.Providers[t]; !ok || !reflect.DeepEqual(cfg, ncfg) {
			out = append(out, t)
		}
	}
	for t := range next.Providers {
		if _, ok := f.Providers[t]; !ok {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// Bindings holds one provider.Binding per LLM-backed step.
type Bindings struct {
	registry *provider.Registry
	steps    map[string]*provider.Binding
}

// Bind creates a binding for each step key from f.
func Bind(r *provider.Registry, f *File, steps ...string) *Bindings {
	b := &Bindings{registry: r, steps: make(map[string]*provider.Binding, len(steps))}
	for _, s := range steps {
		b.steps[s] = provider.NewBinding(r, f.Descriptor(s))
	}
	return b
}

// For returns the binding of step, or nil if step was not bound.
func (b *Bindings) For(step string) *provider.Binding {
	return b.steps[step]
}

// Apply points every binding at its descriptor in f.
func (b *Bindings) Apply(f *File) {
	for s, bind := range b.steps {
		bind.Set(f.Descriptor(s))
	}
}

// Watcher reloads the provider file on change.
type Watcher struct {
	path     string
	bindings *Bindings
	logger   log.Logger
	debounce time.Duration

	mu      sync.Mutex
	current *File
}

// NewWatcher returns a watcher that starts from current.
func NewWatcher(path string, current *File, b *Bindings, logger log.Logger) *Watcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Watcher{
		path:     path,
		bindings: b,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		current:  current,
	}
}

// Reload re-reads the file, invalidates changed provider instances and
// rebinds steps. A broken file leaves the previous configuration active.
func (w *Watcher) Reload(ctx context.Context) error {
	next, err := Load(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	changed := w.current.Changed(next)
	for _, t := range changed {
		w.bindings.registry.Invalidate(t)
	}
	w.bindings.Apply(next)
	w.current = next

	w.logger.Info(ctx, "provider file reloaded",
		"path", w.path,
		"default", string(next.Default),
		"changed", fmt.Sprint(changed),
	)
	return nil
}

// Current returns the active file.
func (w *Watcher) Current() *File {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches the file until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.path); err != nil {
		return fmt.Errorf("watch %q: %w", w.path, err)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			// editors that replace the file drop the inode watch
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_ = fw.Remove(w.path)
				if err := fw.Add(w.path); err != nil {
					w.logger.Warn(ctx, "provider file watch lost", "path", w.path, "err", err)
				}
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(w.debounce, func() {
					if err := w.Reload(ctx); err != nil {
						w.logger.Error(ctx, err, "provider file reload failed", "path", w.path)
					}
				})
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "provider file watcher error", "err", err)
		}
	}
}
