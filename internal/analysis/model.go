package analysis

import (
	"encoding/json"
	"slices"
	"time"
)

// Status is the overall state of an orchestration record.
type Status string

const (
	// StatusPending means created, no step started
	StatusPending Status = "pending"

	// StatusInProgress means at least one step has started or completed
	StatusInProgress Status = "in_progress"

	// StatusCompleted means every step completed
	StatusCompleted Status = "completed"

	// StatusFailed means some step failed
	StatusFailed Status = "failed"
)

// StepStatus is the state of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// ErrorDetail describes why a step failed or degraded.
type ErrorDetail struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// StepRecord is the execution state of one step.
type StepRecord struct {
	Key         string          `json:"key"`
	DisplayName string          `json:"displayName"`
	Status      StepStatus      `json:"status"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	EndedAt     *time.Time      `json:"endedAt,omitempty"`
	DurationMs  int64           `json:"durationMs,omitempty"`
	Result      json.RawMessage `json:"resultArtifact,omitempty"`
	Degraded    bool            `json:"degraded,omitempty"`
	Error       *ErrorDetail    `json:"errorDetail,omitempty"`
}

// Classification is the triage verdict of the classification step.
type Classification struct {
	Category      string  `json:"category"`
	Severity      string  `json:"severity"`
	Confidence    float64 `json:"confidence"`
	FalsePositive bool    `json:"falsePositive"`
	Rationale     string  `json:"rationale,omitempty"`
}

// MitreTechnique is one ATT&CK mapping.
type MitreTechnique struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Tactic    string `json:"tactic,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// ThreatAssessment aggregates classification, analysis and ATT&CK mapping.
type ThreatAssessment struct {
	Classification  *Classification  `json:"classification,omitempty"`
	Summary         string           `json:"summary"`
	RootCause       string           `json:"rootCause"`
	Impact          string           `json:"impact"`
	Recommendations []string         `json:"recommendations"`
	MitreTechniques []MitreTechnique `json:"mitreTechniques"`
}

// IOCSet holds extracted indicators, sorted and deduplicated per type.
type IOCSet struct {
	IPv4    []string `json:"ipv4,omitempty"`
	Domains []string `json:"domains,omitempty"`
	URLs    []string `json:"urls,omitempty"`
	MD5     []string `json:"md5,omitempty"`
	SHA1    []string `json:"sha1,omitempty"`
	SHA256  []string `json:"sha256,omitempty"`
	Emails  []string `json:"emails,omitempty"`
}

// IOC is a typed indicator value.
type IOC struct {
	Type  string
	Value string
}

// All flattens the set in a stable order.
func (s *IOCSet) All() []IOC {
	if s == nil {
		return nil
	}
	var out []IOC
	add := func(typ string, vals []string) {
		for _, v := range vals {
			out = append(out, IOC{Type: typ, Value: v})
		}
	}
	add("ipv4", s.IPv4)
	add("domain", s.Domains)
	add("url", s.URLs)
	add("md5", s.MD5)
	add("sha1", s.SHA1)
	add("sha256", s.SHA256)
	add("email", s.Emails)
	return out
}

// Len is the number of indicators in the set.
func (s *IOCSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.IPv4) + len(s.Domains) + len(s.URLs) + len(s.MD5) + len(s.SHA1) + len(s.SHA256) + len(s.Emails)
}

// IntelFinding is a threat-intel source verdict for one indicator.
type IntelFinding struct {
	Source    string   `json:"source"`
	Indicator string   `json:"indicator"`
	Type      string   `json:"type"`
	Verdict   string   `json:"verdict"`
	Score     int      `json:"score"`
	Tags      []string `json:"tags,omitempty"`
	Reference string   `json:"reference,omitempty"`
}

// Script is a generated remediation script. Scripts are never executed by
// Argus and always require review.
type Script struct {
	Name                 string `json:"name"`
	Language             string `json:"language"`
	Purpose              string `json:"purpose,omitempty"`
	Content              string `json:"content"`
	RequiresManualReview bool   `json:"requiresManualReview"`
}

// ConfidenceScores are per-stage confidences in [0,1].
type ConfidenceScores struct {
	Classification float64 `json:"classification,omitempty"`
	Analysis       float64 `json:"analysis,omitempty"`
	Overall        float64 `json:"overall,omitempty"`
}

// Record is the single persisted orchestration record per alert. Its shape
// does not depend on which path produced it.
type Record struct {
	AlertID             string            `json:"alertId"`
	OrchestrationStatus Status            `json:"orchestrationStatus"`
	ExecutionTimeline   []StepRecord      `json:"executionTimeline"`
	ThreatAssessment    *ThreatAssessment `json:"threatAssessment,omitempty"`
	ExtractedIOCs       *IOCSet           `json:"extractedIocs,omitempty"`
	ThreatIntel         []IntelFinding    `json:"threatIntel,omitempty"`
	GeneratedScripts    []Script          `json:"generatedScripts,omitempty"`
	ScriptLanguage      string            `json:"scriptLanguage,omitempty"`
	ConfidenceScores    *ConfidenceScores `json:"confidenceScores,omitempty"`
	AnalysisTimestamp   time.Time         `json:"analysisTimestamp"`
	ProcessingTimeMs    int64             `json:"processingTimeMs"`
	ErrorDetails        string            `json:"errorDetails,omitempty"`
}

// Step returns the step record for key, or nil.
func (r *Record) Step(key string) *StepRecord {
	for i := range r.ExecutionTimeline {
		if r.ExecutionTimeline[i].Key == key {
			return &r.ExecutionTimeline[i]
		}
	}
	return nil
}

// StepIndex returns the timeline index of key, or -1.
func (r *Record) StepIndex(key string) int {
	for i := range r.ExecutionTimeline {
		if r.ExecutionTimeline[i].Key == key {
			return i
		}
	}
	return -1
}

// FirstIncomplete returns the index of the first step that is not
// completed, or len(timeline) if all are.
func (r *Record) FirstIncomplete() int {
	for i := range r.ExecutionTimeline {
		if r.ExecutionTimeline[i].Status != StepCompleted {
			return i
		}
	}
	return len(r.ExecutionTimeline)
}

// Derive recomputes the overall status from the step records.
func Derive(steps []StepRecord) Status {
	if len(steps) == 0 {
		return StatusPending
	}
	var completed, pending int
	for i := range steps {
		switch steps[i].Status {
		case StepFailed:
			return StatusFailed
		case StepCompleted:
			completed++
		case StepPending:
			pending++
		}
	}
	switch {
	case completed == len(steps):
		return StatusCompleted
	case pending == len(steps):
		return StatusPending
	default:
		return StatusInProgress
	}
}

// Progress is the weighted completion percentage: completed steps count
// fully, in-progress steps count half.
func Progress(steps []StepRecord) int {
	if len(steps) == 0 {
		return 0
	}
	var sum float64
	for i := range steps {
		switch steps[i].Status {
		case StepCompleted:
			sum += 1
		case StepInProgress:
			sum += 0.5
		}
	}
	return int(sum / float64(len(steps)) * 100)
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ExecutionTimeline = make([]StepRecord, len(r.ExecutionTimeline))
	for i, s := range r.ExecutionTimeline {
		cp.ExecutionTimeline[i] = s.clone()
	}
	if r.ThreatAssessment != nil {
		ta := *r.ThreatAssessment
		if ta.Classification != nil {
			c := *ta.Classification
			ta.Classification = &c
		}
		ta.Recommendations = slices.Clone(ta.Recommendations)
		ta.MitreTechniques = slices.Clone(ta.MitreTechniques)
		cp.ThreatAssessment = &ta
	}
	if r.ExtractedIOCs != nil {
		s := *r.ExtractedIOCs
		s.IPv4 = slices.Clone(s.IPv4)
		s.Domains = slices.Clone(s.Domains)
		s.URLs = slices.Clone(s.URLs)
		s.MD5 = slices.Clone(s.MD5)
		s.SHA1 = slices.Clone(s.SHA1)
		s.SHA256 = slices.Clone(s.SHA256)
		s.Emails = slices.Clone(s.Emails)
		cp.ExtractedIOCs = &s
	}
	if r.ThreatIntel != nil {
		cp.ThreatIntel = make([]IntelFinding, len(r.ThreatIntel))
		for i, f := range r.ThreatIntel {
			f.Tags = slices.Clone(f.Tags)
			cp.ThreatIntel[i] = f
		}
	}
	cp.GeneratedScripts = slices.Clone(r.GeneratedScripts)
	if r.ConfidenceScores != nil {
		c := *r.ConfidenceScores
		cp.ConfidenceScores = &c
	}
	return &cp
}

func (s StepRecord) clone() StepRecord {
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	s.Result = slices.Clone(s.Result)
	if s.Error != nil {
		e := *s.Error
		s.Error = &e
	}
	return s
}
