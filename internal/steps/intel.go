package steps

import (
	"context"

	"github.com/linnemanlabs/argus/internal/analysis"
	"github.com/linnemanlabs/argus/internal/intel"
)

// IntelLookup enriches the extracted indicators with threat intel.
type IntelLookup struct {
	registry *intel.Registry
}

// NewIntelLookup returns the threat-intel executor.
func NewIntelLookup(r *intel.Registry) *IntelLookup {
	return &IntelLookup{registry: r}
}

func (l *IntelLookup) Execute(ctx context.Context, in analysis.Input) (analysis.Artifact, error) {
	iocs := in.Record.ExtractedIOCs.All()
	if len(iocs) == 0 {
		return &analysis.IntelArtifact{Findings: []analysis.IntelFinding{}}, nil
	}
	if len(iocs) > intel.MaxIndicators {
		iocs = iocs[:intel.MaxIndicators]
	}

	inds := make([]intel.Indicator, len(iocs))
	for i, ioc := range iocs {
		inds[i] = intel.Indicator{Type: ioc.Type, Value: ioc.Value}
	}

	found, err := l.registry.Lookup(ctx, inds)
	if err != nil {
		return nil, err
	}

	out := make([]analysis.IntelFinding, len(found))
	for i, f := range found {
		out[i] = analysis.IntelFinding{
			Source:    f.Source,
			Indicator: f.Indicator,
			Type:      f.Type,
			Verdict:   string(f.Verdict),
			Score:     f.Score,
			Tags:      f.Tags,
			Reference: f.Reference,
		}
	}
	return &analysis.IntelArtifact{Findings: out}, nil
}
