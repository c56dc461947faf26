package steps

import (
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/argus/internal/analysis"
	"github.com/linnemanlabs/argus/internal/intel"
)

// Step keys of the default pipeline.
const (
	KeyClassification = "classification"
	KeyAnalysis       = "analysis"
	KeyMitre          = "mitre"
	KeyIOCs           = "iocs"
	KeyIntel          = "intel"
	KeyScripts        = "scripts"
)

// LLMSteps are the steps that need a provider binding.
var LLMSteps = []string{KeyClassification, KeyAnalysis, KeyMitre, KeyScripts}

// Definitions returns the default step order.
func Definitions() []analysis.StepDefinition {
	return []analysis.StepDefinition{
		{Key: KeyClassification, DisplayName: "Alert Classification"},
		{Key: KeyAnalysis, DisplayName: "Threat Analysis", DependsOn: []string{KeyClassification}},
		{Key: KeyMitre, DisplayName: "MITRE ATT&CK Mapping", DependsOn: []string{KeyAnalysis}},
		{Key: KeyIOCs, DisplayName: "IOC Extraction"},
		{Key: KeyIntel, DisplayName: "Threat Intelligence", DependsOn: []string{KeyIOCs}, Optional: true},
		{Key: KeyScripts, DisplayName: "Remediation Scripts", DependsOn: []string{KeyAnalysis, KeyIOCs}},
	}
}

// Deps are the collaborators of the default executors.
type Deps struct {
	// Generator returns the backend for an LLM step.
	Generator      func(step string) Generator
	Intel          *intel.Registry
	ScriptLanguage string
	Logger         log.Logger
}

// NewPipeline builds the default pipeline.
func NewPipeline(d Deps) (*analysis.Pipeline, error) {
	if d.Generator == nil {
		panic(xerrors.New("step generator is required"))
	}
	if d.Intel == nil {
		d.Intel = intel.NewRegistry(d.Logger)
	}
	return analysis.NewPipeline(Definitions(), map[string]analysis.Executor{
		KeyClassification: NewClassifier(d.Generator(KeyClassification)),
		KeyAnalysis:       NewAnalyst(d.Generator(KeyAnalysis)),
		KeyMitre:          NewMitreMapper(d.Generator(KeyMitre), d.Logger),
		KeyIOCs:           NewIOCExtractor(),
		KeyIntel:          NewIntelLookup(d.Intel),
		KeyScripts:        NewScriptWriter(d.Generator(KeyScripts), d.ScriptLanguage, d.Logger),
	})
}
