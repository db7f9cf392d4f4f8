package domain

import (
	"fmt"
	"time"
)

type JobOutcome string

const (
	OutcomeSucceeded JobOutcome = "succeeded"
	OutcomeFailed    JobOutcome = "failed"
	OutcomeCancelled JobOutcome = "cancelled"
)

// JobRequest describes a requested analysis before it becomes a job.
type JobRequest struct {
	DocumentID     string
	Workflow       string
	Stages         []string
	ClientID       string
	PreviousStatus AnalysisStatus
	MinAttempt     int
	// Supersedes names a stale job this request takes over after a restart.
	Supersedes string
}

// AnalysisJob is one execution attempt of a workflow against one document.
type AnalysisJob struct {
	ID             string         `json:"id"`
	DocumentID     string         `json:"document_id"`
	Attempt        int            `json:"attempt"`
	Workflow       string         `json:"workflow"`
	Stages         []string       `json:"stages"`
	ClientID       string         `json:"client_id,omitempty"`
	PreviousStatus AnalysisStatus `json:"previous_status"`
	Supersedes     string         `json:"supersedes,omitempty"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	WorkerID       string         `json:"worker_id,omitempty"`
	ClaimToken     string         `json:"-"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	LeaseRetries   int            `json:"lease_retries"`
	Outcome        JobOutcome     `json:"outcome,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// JobID builds the composite identity of an attempt.
func JobID(documentID string, attempt int) string {
	return fmt.Sprintf("%s:%d", documentID, attempt)
}

// JobHandle is returned to callers that requested an analysis.
type JobHandle struct {
	JobID      string         `json:"job_id"`
	DocumentID string         `json:"document_id"`
	Workflow   string         `json:"workflow"`
	Status     AnalysisStatus `json:"status"`
}

// BatchItem is the outcome for one document of a batch analysis request.
// Exactly one of Job and Err is set.
type BatchItem struct {
	DocumentID string     `json:"document_id"`
	Job        *JobHandle `json:"job,omitempty"`
	Err        error      `json:"-"`
}

// ProcessingStatus summarizes the jobs held by this process.
type ProcessingStatus struct {
	QueueDepth  int           `json:"queue_depth"`
	ActiveJobs  []AnalysisJob `json:"active_jobs"`
	Subscribers int           `json:"subscribers"`
}
