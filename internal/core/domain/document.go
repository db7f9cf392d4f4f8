package domain

import "time"

type AnalysisStatus string

const (
	StatusNotAnalyzed AnalysisStatus = "not_analyzed"
	StatusPending     AnalysisStatus = "pending"
	StatusProcessing  AnalysisStatus = "processing"
	StatusCompleted   AnalysisStatus = "completed"
	StatusFailed      AnalysisStatus = "failed"
)

// Active reports whether the status belongs to a job that has not finished.
func (s AnalysisStatus) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

func (s AnalysisStatus) Valid() bool {
	switch s {
	case StatusNotAnalyzed, StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

type Document struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	MimeType    string    `json:"mime_type"`
	Size        int64     `json:"size"`
	StoragePath string    `json:"storage_path"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	AnalysisStatus      AnalysisStatus  `json:"analysis_status"`
	AnalysisJobID       string          `json:"analysis_job_id,omitempty"`
	AnalysisAttempt     int             `json:"analysis_attempt"`
	AnalysisWorkflow    string          `json:"analysis_workflow,omitempty"`
	AnalysisStartedAt   *time.Time      `json:"analysis_started_at,omitempty"`
	AnalysisCompletedAt *time.Time      `json:"analysis_completed_at,omitempty"`
	AnalysisError       *AnalysisError  `json:"analysis_error,omitempty"`
	AnalysisResult      *AnalysisResult `json:"analysis_result,omitempty"`
}

// AnalysisError is the machine-readable failure attached to a failed document.
type AnalysisError struct {
	Cause   string    `json:"cause"`
	Message string    `json:"message"`
	JobID   string    `json:"job_id,omitempty"`
	At      time.Time `json:"at"`
}

// AnalysisView is the read model returned for a document's analysis.
type AnalysisView struct {
	DocumentID          string          `json:"document_id"`
	Status              AnalysisStatus  `json:"status"`
	JobID               string          `json:"job_id,omitempty"`
	Workflow            string          `json:"workflow,omitempty"`
	AnalysisStartedAt   *time.Time      `json:"analysis_started_at,omitempty"`
	AnalysisCompletedAt *time.Time      `json:"analysis_completed_at,omitempty"`
	AnalysisResult      *AnalysisResult `json:"analysis_result"`
	Error               *AnalysisError  `json:"error"`
}

// AnalysisView projects the analysis fields. The error is only reported
// while the document is failed; a previous result stays visible.
func (d *Document) AnalysisView() AnalysisView {
	view := AnalysisView{
		DocumentID:          d.ID,
		Status:              d.AnalysisStatus,
		JobID:               d.AnalysisJobID,
		Workflow:            d.AnalysisWorkflow,
		AnalysisStartedAt:   d.AnalysisStartedAt,
		AnalysisCompletedAt: d.AnalysisCompletedAt,
		AnalysisResult:      d.AnalysisResult,
	}
	if d.AnalysisStatus == StatusFailed {
		view.Error = d.AnalysisError
	}
	return view
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.AnalysisStartedAt != nil {
		t := *d.AnalysisStartedAt
		out.AnalysisStartedAt = &t
	}
	if d.AnalysisCompletedAt != nil {
		t := *d.AnalysisCompletedAt
		out.AnalysisCompletedAt = &t
	}
	if d.AnalysisError != nil {
		e := *d.AnalysisError
		out.AnalysisError = &e
	}
	out.AnalysisResult = d.AnalysisResult.Clone()
	return &out
}
