package steps

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/linnemanlabs/argus/internal/analysis"
	"github.com/linnemanlabs/argus/internal/fault"
)

var severities = []string{"low", "medium", "high", "critical"}

// Classifier assigns a category, severity and confidence to an alert.
type Classifier struct {
	gen Generator
}

// NewClassifier returns the classification executor.
func NewClassifier(gen Generator) *Classifier {
	return &Classifier{gen: gen}
}

func (c *Classifier) Execute(ctx context.Context, in analysis.Input) (analysis.Artifact, error) {
	prompt := fmt.Sprintf(`Classify the following security alert.

%s
Respond with a JSON object:
{"category": "<e.g. malware, phishing, brute_force, data_exfiltration, privilege_escalation, policy_violation, benign>",
 "severity": "<one of %s>",
 "confidence": <number between 0 and 1>,
 "falsePositive": <true|false>,
 "rationale": "<one or two sentences>"}`, describeAlert(in.Alert), strings.Join(severities, ", "))

	var out analysis.Classification
	if err := generateJSON(ctx, c.gen, "classification", prompt, &out); err != nil {
		return nil, err
	}

	out.Category = strings.ToLower(strings.TrimSpace(out.Category))
	out.Severity = strings.ToLower(strings.TrimSpace(out.Severity))
	var errs []error
	if out.Category == "" {
		errs = append(errs, errors.New("category is empty"))
	}
	if !slices.Contains(severities, out.Severity) {
		errs = append(errs, fmt.Errorf("severity %q not one of %v", out.Severity, severities))
	}
	if !inRange(out.Confidence) {
		errs = append(errs, fmt.Errorf("confidence %v outside [0,1]", out.Confidence))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fault.InvalidResponse("classification", fmt.Sprintf("%+v", out), err)
	}
	return &analysis.ClassificationArtifact{Classification: out}, nil
}
