package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/linnemanlabs/argus/internal/analysis"
	"github.com/linnemanlabs/argus/internal/fault"
)

// Analyst explains root cause, impact and recommended response, building
// on the classification.
type Analyst struct {
	gen Generator
}

// NewAnalyst returns the analysis executor.
func NewAnalyst(gen Generator) *Analyst {
	return &Analyst{gen: gen}
}

func (a *Analyst) Execute(ctx context.Context, in analysis.Input) (analysis.Artifact, error) {
	var cls string
	if ta := in.Record.ThreatAssessment; ta != nil && ta.Classification != nil {
		c := ta.Classification
		cls = fmt.Sprintf("\nPrior classification: category=%s severity=%s confidence=%.2f false_positive=%t\nRationale: %s\n",
			c.Category, c.Severity, c.Confidence, c.FalsePositive, c.Rationale)
	}

	prompt := fmt.Sprintf(`Analyze the following security alert in depth.

%s%s
Respond with a JSON object:
{"summary": "<what happened, 2-4 sentences>",
 "rootCause": "<most likely root cause>",
 "impact": "<affected assets and business impact>",
 "recommendations": ["<concrete response action>", ...],
 "confidence": <number between 0 and 1>}`, describeAlert(in.Alert), cls)

	var out analysis.AssessmentArtifact
	if err := generateJSON(ctx, a.gen, "analysis", prompt, &out); err != nil {
		return nil, err
	}

	out.Summary = strings.TrimSpace(out.Summary)
	recs := out.Recommendations[:0]
	for _, r := range out.Recommendations {
		if r = strings.TrimSpace(r); r != "" {
			recs = append(recs, r)
		}
	}
	out.Recommendations = recs

	var errs []error
	if out.Summary == "" {
		errs = append(errs, errors.New("summary is empty"))
	}
	if len(out.Recommendations) == 0 {
		errs = append(errs, errors.New("no recommendations"))
	}
	if !inRange(out.Confidence) {
		errs = append(errs, fmt.Errorf("confidence %v outside [0,1]", out.Confidence))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fault.InvalidResponse("analysis", fmt.Sprintf("%+v", out), err)
	}
	return &out, nil
}
