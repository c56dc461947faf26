package analysis

// Artifact is a step's output. Apply merges it into the record; applying
// the same artifact twice leaves the record unchanged.
type Artifact interface {
	Apply(r *Record)
}

// ClassificationArtifact is produced by the classification step.
type ClassificationArtifact struct {
	Classification
}

func (a *ClassificationArtifact) Apply(r *Record) {
	c := a.Classification
	assessment(r).Classification = &c
	scores(r).Classification = c.Confidence
	recomputeOverall(r)
}

// AssessmentArtifact is produced by the analysis step.
type AssessmentArtifact struct {
	Summary         string   `json:"summary"`
	RootCause       string   `json:"rootCause"`
	Impact          string   `json:"impact"`
	Recommendations []string `json:"recommendations"`
	Confidence      float64  `json:"confidence"`
}

func (a *AssessmentArtifact) Apply(r *Record) {
	ta := assessment(r)
	ta.Summary = a.Summary
	ta.RootCause = a.RootCause
	ta.Impact = a.Impact
	ta.Recommendations = append([]string(nil), a.Recommendations...)
	scores(r).Analysis = a.Confidence
	recomputeOverall(r)
}

// MitreArtifact is produced by the ATT&CK mapping step.
type MitreArtifact struct {
	Techniques []MitreTechnique `json:"techniques"`
}

func (a *MitreArtifact) Apply(r *Record) {
	assessment(r).MitreTechniques = append([]MitreTechnique(nil), a.Techniques...)
}

// IOCArtifact is produced by indicator extraction.
type IOCArtifact struct {
	IOCSet
}

func (a *IOCArtifact) Apply(r *Record) {
	s := a.IOCSet
	r.ExtractedIOCs = (&Record{ExtractedIOCs: &s}).Clone().ExtractedIOCs
}

// IntelArtifact is produced by the threat-intel lookup step.
type IntelArtifact struct {
	Findings []IntelFinding `json:"findings"`
}

func (a *IntelArtifact) Apply(r *Record) {
	r.ThreatIntel = (&Record{ThreatIntel: a.Findings}).Clone().ThreatIntel
	if r.ThreatIntel == nil {
		r.ThreatIntel = []IntelFinding{}
	}
}

// ScriptArtifact is produced by remediation script generation.
type ScriptArtifact struct {
	Language string   `json:"language"`
	Scripts  []Script `json:"scripts"`
}

func (a *ScriptArtifact) Apply(r *Record) {
	r.GeneratedScripts = append([]Script(nil), a.Scripts...)
	r.ScriptLanguage = a.Language
}

func assessment(r *Record) *ThreatAssessment {
	if r.ThreatAssessment == nil {
		r.ThreatAssessment = &ThreatAssessment{}
	}
	return r.ThreatAssessment
}

func scores(r *Record) *ConfidenceScores {
	if r.ConfidenceScores == nil {
		r.ConfidenceScores = &ConfidenceScores{}
	}
	return r.ConfidenceScores
}

func recomputeOverall(r *Record) {
	s := r.ConfidenceScores
	switch {
	case s.Classification > 0 && s.Analysis > 0:
		s.Overall = (s.Classification + s.Analysis) / 2
	case s.Analysis > 0:
		s.Overall = s.Analysis
	default:
		s.Overall = s.Classification
	}
}
