// Package intel looks up indicators of compromise against threat
// intelligence sources.
package intel

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/argus/internal/fault"
)

// Verdict is a source's opinion of an indicator.
type Verdict string

const (
	VerdictMalicious  Verdict = "malicious"
	VerdictSuspicious Verdict = "suspicious"
	VerdictClean      Verdict = "clean"
	VerdictUnknown    Verdict = "unknown"
)

// MaxIndicators bounds the indicators looked up per call.
const MaxIndicators = 50

// Indicator is a typed IOC value, e.g. {ipv4 203.0.113.7}.
type Indicator struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Finding is one source's answer for one indicator.
type Finding struct {
	Source    string   `json:"source"`
	Indicator string   `json:"indicator"`
	Type      string   `json:"type"`
	Verdict   Verdict  `json:"verdict"`
	Score     int      `json:"score"`
	Tags      []string `json:"tags,omitempty"`
	Reference string   `json:"reference,omitempty"`
}

// Source is a single intelligence provider. Lookup returns nil, nil when
// the source knows nothing about the indicator.
type Source interface {
	Name() string
	Lookup(ctx context.Context, ind Indicator) (*Finding, error)
}

// Registry holds the configured sources.
type Registry struct {
	sources map[string]Source
	logger  log.Logger
}

// NewRegistry creates an empty source registry.
func NewRegistry(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.Nop()
	}
	return &Registry{sources: make(map[string]Source), logger: logger}
}

// Register adds a source, keyed by its Name.
func (r *Registry) Register(s Source) {
	r.sources[s.Name()] = s
}

// Get retrieves a source by name.
func (r *Registry) Get(name string) (Source, bool) {
	s, ok := r.sources[name]
	return s, ok
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.sources))
	for n := range r.sources {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Len reports the number of registered sources.
func (r *Registry) Len() int { return len(r.sources) }

// Lookup queries every source for every indicator. Individual failures
// are logged and skipped; an ExternalService error is returned only when
// no lookup succeeded.
func (r *Registry) Lookup(ctx context.Context, inds []Indicator) ([]Finding, error) {
	if len(r.sources) == 0 {
		return nil, fault.New(fault.KindExternalService, "intel.lookup", "no intel sources configured")
	}
	if len(inds) > MaxIndicators {
		inds = inds[:MaxIndicators]
	}

	var (
		findings  []Finding
		errs      []error
		succeeded int
	)
	for _, name := range r.Names() {
		src := r.sources[name]
		for _, ind := range inds {
			f, err := src.Lookup(ctx, ind)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", name, ind.Value, err))
				r.logger.Warn(ctx, "intel lookup failed", "source", name, "indicator", ind.Value, "err", err)
				continue
			}
			succeeded++
			if f != nil {
				findings = append(findings, *f)
			}
		}
	}

	if succeeded == 0 && len(errs) > 0 {
		return nil, fault.Wrap(fault.KindExternalService, "intel.lookup", errors.Join(errs...))
	}
	return findings, nil
}
