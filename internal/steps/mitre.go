package steps

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/argus/internal/analysis"
	"github.com/linnemanlabs/argus/internal/fault"
)

var techniqueID = regexp.MustCompile(`^T\d{4}(\.\d{3})?$`)

// MitreMapper maps the alert to ATT&CK techniques.
type MitreMapper struct {
	gen    Generator
	logger log.Logger
}

// NewMitreMapper returns the ATT&CK mapping executor.
func NewMitreMapper(gen Generator, logger log.Logger) *MitreMapper {
	if logger == nil {
		logger = log.Nop()
	}
	return &MitreMapper{gen: gen, logger: logger}
}

func (m *MitreMapper) Execute(ctx context.Context, in analysis.Input) (analysis.Artifact, error) {
	var summary string
	if ta := in.Record.ThreatAssessment; ta != nil {
		summary = fmt.Sprintf("\nAnalysis summary: %s\nRoot cause: %s\n", ta.Summary, ta.RootCause)
	}

	prompt := fmt.Sprintf(`Map the following security alert to MITRE ATT&CK techniques.

%s%s
Respond with a JSON object:
{"techniques": [{"id": "T#### or T####.###", "name": "<technique name>", "tactic": "<tactic>", "rationale": "<why>"}]}
Return an empty list if no technique applies.`, describeAlert(in.Alert), summary)

	var out analysis.MitreArtifact
	if err := generateJSON(ctx, m.gen, "mitre", prompt, &out); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	valid := make([]analysis.MitreTechnique, 0, len(out.Techniques))
	var rejected []string
	for _, t := range out.Techniques {
		t.ID = strings.ToUpper(strings.TrimSpace(t.ID))
		if !techniqueID.MatchString(t.ID) {
			rejected = append(rejected, t.ID)
			continue
		}
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		valid = append(valid, t)
	}
	if len(rejected) > 0 {
		m.logger.Warn(ctx, "dropped invalid ATT&CK ids", "alert_id", in.Alert.ID, "ids", rejected)
	}
	if len(valid) == 0 && len(out.Techniques) > 0 {
		return nil, fault.InvalidResponse("mitre", fmt.Sprintf("%v", rejected), errors.New("no valid technique ids"))
	}
	return &analysis.MitreArtifact{Techniques: valid}, nil
}
