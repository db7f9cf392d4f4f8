package domain

import "time"

type EventType string

const (
	EventJobEnqueued    EventType = "job_enqueued"
	EventJobStarted     EventType = "job_started"
	EventStageCompleted EventType = "stage_completed"
	EventJobCompleted   EventType = "job_completed"
	EventJobFailed      EventType = "job_failed"
	EventJobCancelled   EventType = "job_cancelled"
	EventJobRequeued    EventType = "job_requeued"
)

// Event is a lifecycle notification. Seq is assigned per document by the broker.
type Event struct {
	Seq        uint64         `json:"seq"`
	Type       EventType      `json:"type"`
	DocumentID string         `json:"document_id"`
	JobID      string         `json:"job_id,omitempty"`
	ClientID   string         `json:"client_id,omitempty"`
	Workflow   string         `json:"workflow,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	Status     AnalysisStatus `json:"status,omitempty"`
	Succeeded  *bool          `json:"succeeded,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	At         time.Time      `json:"at"`
}

// Terminal reports whether no further events follow for the job.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventJobCompleted, EventJobFailed, EventJobCancelled:
		return true
	default:
		return false
	}
}
