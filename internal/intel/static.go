package intel

import (
	"context"
	"strings"
)

// StaticSource answers from a fixed blocklist. Used in dev and tests.
type StaticSource struct {
	name    string
	entries map[string]Finding
}

// NewStaticSource builds a source from findings keyed by indicator value.
// Keys are matched case-insensitively.
func NewStaticSource(name string, findings ...Finding) *StaticSource {
	s := &StaticSource{name: name, entries: make(map[string]Finding, len(findings))}
	for _, f := range findings {
		f.Source = name
		s.entries[strings.ToLower(f.Indicator)] = f
	}
	return s
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Lookup(_ context.Context, ind Indicator) (*Finding, error) {
	f, ok := s.entries[strings.ToLower(ind.Value)]
	if !ok {
		return nil, nil
	}
	f.Type = ind.Type
	f.Indicator = ind.Value
	return &f, nil
}
