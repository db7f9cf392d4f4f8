package domain

import (
	"encoding/json"
	"time"
)

const (
	StageSummary        = "summary"
	StageCategorization = "categorization"
	StageInsights       = "insights"
)

type RiskLabel string

const (
	RiskLow    RiskLabel = "low"
	RiskMedium RiskLabel = "medium"
	RiskHigh   RiskLabel = "high"
)

// RiskIndicator is a weighted signal declared by a stage.
type RiskIndicator struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// KeyPoint is a ranked statement a stage considers worth surfacing.
type KeyPoint struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// StageResult is the immutable output of one stage.
type StageResult struct {
	Stage          string          `json:"stage"`
	Payload        json.RawMessage `json:"payload"`
	Confidence     float64         `json:"confidence"`
	RiskIndicators []RiskIndicator `json:"risk_indicators,omitempty"`
	KeyPoints      []KeyPoint      `json:"key_points,omitempty"`
	DurationMs     float64         `json:"duration_ms"`
}

// Clone returns a deep copy so readers cannot mutate the original.
func (r StageResult) Clone() StageResult {
	out := r
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.RiskIndicators != nil {
		out.RiskIndicators = append([]RiskIndicator(nil), r.RiskIndicators...)
	}
	if r.KeyPoints != nil {
		out.KeyPoints = append([]KeyPoint(nil), r.KeyPoints...)
	}
	return out
}

// StageFailure records why a requested stage is absent from a result.
type StageFailure struct {
	Stage   string `json:"stage"`
	Cause   string `json:"cause"`
	Message string `json:"message"`
}

type RiskAssessment struct {
	Score   float64   `json:"score"`
	Label   RiskLabel `json:"label"`
	Factors []string  `json:"factors"`
	Policy  string    `json:"policy"`
}

// AnalysisResult aggregates stage results. Stages keep execution order.
type AnalysisResult struct {
	DocumentID       string         `json:"document_id"`
	JobID            string         `json:"job_id"`
	Workflow         string         `json:"workflow"`
	Version          string         `json:"analysis_version"`
	Stages           []StageResult  `json:"stages"`
	FailedStages     []StageFailure `json:"failed_stages,omitempty"`
	Risk             RiskAssessment `json:"risk_assessment"`
	ExecutiveSummary string         `json:"executive_summary"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
	ProcessingMs     float64        `json:"processing_ms"`
}

// Stage returns the result recorded for name.
func (r *AnalysisResult) Stage(name string) (StageResult, bool) {
	if r == nil {
		return StageResult{}, false
	}
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// StageNames lists recorded stages in execution order.
func (r *AnalysisResult) StageNames() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Stages))
	for _, s := range r.Stages {
		out = append(out, s.Stage)
	}
	return out
}

// CompletionConfig tunes a single provider completion.
type CompletionConfig struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	JSON        bool    `json:"json,omitempty"`
}

// Clone returns a deep copy of the result.
func (r *AnalysisResult) Clone() *AnalysisResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Stages = make([]StageResult, len(r.Stages))
	for i, s := range r.Stages {
		out.Stages[i] = s.Clone()
	}
	if r.FailedStages != nil {
		out.FailedStages = append([]StageFailure(nil), r.FailedStages...)
	}
	if r.Risk.Factors != nil {
		out.Risk.Factors = append([]string(nil), r.Risk.Factors...)
	}
	return &out
}
