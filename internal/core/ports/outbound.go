package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

// DocumentRepository persists document metadata and analysis state.
// Analysis transitions are compare-and-set on the job id and fail with
// domain.ErrConflict when the stored state no longer matches.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	ListByAnalysisStatus(ctx context.Context, statuses ...domain.AnalysisStatus) ([]domain.Document, error)

	MarkAnalysisPending(ctx context.Context, id string, job domain.AnalysisJob) error
	MarkAnalysisProcessing(ctx context.Context, id, jobID string, startedAt time.Time) error
	CompleteAnalysis(ctx context.Context, id, jobID string, result *domain.AnalysisResult) error
	FailAnalysis(ctx context.Context, id, jobID string, failure domain.AnalysisError) error
	RestoreAnalysisStatus(ctx context.Context, id, jobID string, status domain.AnalysisStatus) error
}

// JobArchive keeps terminal jobs for audit.
type JobArchive interface {
	Archive(ctx context.Context, job domain.AnalysisJob) error
	ListByDocument(ctx context.Context, documentID string, limit int) ([]domain.AnalysisJob, error)
}

// ObjectStorage stores source documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// ContentMetadata describes stored content.
type ContentMetadata struct {
	MimeType string
	Size     int64
}

// ContentStore exposes raw content of a document.
type ContentStore interface {
	Content(ctx context.Context, doc *domain.Document) (io.ReadCloser, error)
	Metadata(ctx context.Context, doc *domain.Document) (ContentMetadata, error)
}

// TextExtractor turns raw bytes into text. Unknown formats fail with
// domain.ErrUnsupportedFormat.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (string, error)
}

// AIProvider completes prompts. Outages fail with domain.ErrProviderUnavailable
// and deadlines with domain.ErrTimeout.
type AIProvider interface {
	Complete(ctx context.Context, prompt string, cfg domain.CompletionConfig) (string, error)
}

// Chunker splits text into bounded chunks.
type Chunker interface {
	Split(text string) []string
}

// MessageQueue publishes/consumes upload events between processes.
type MessageQueue interface {
	PublishDocumentUploaded(ctx context.Context, documentID string) error
	SubscribeDocumentUploaded(ctx context.Context, handler func(context.Context, string) error) error
}

// EventPublisher delivers lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// JobQueue is the claim table shared by producers and workers.
type JobQueue interface {
	Reserve(req domain.JobRequest) (domain.AnalysisJob, error)
	Submit(jobID string) error
	Abort(jobID string)
	Cancel(documentID string) (domain.AnalysisJob, error)
	Active(documentID string) (domain.AnalysisJob, bool)
}

// JobMonitor reports what the local queue holds.
type JobMonitor interface {
	Depth() int
	Running() []domain.AnalysisJob
}

// SubscriberCounter reports the number of open event streams.
type SubscriberCounter interface {
	Subscribers() int
}

// RemoteJobCanceller cancels jobs queued in another process.
type RemoteJobCanceller interface {
	Cancel(ctx context.Context, documentID string) (domain.AnalysisJob, error)
}

// JobReleaser gives a claimed job back to the queue.
type JobReleaser interface {
	Complete(jobID, token string) error
}

// AnalysisSink receives completed results for secondary projections.
type AnalysisSink interface {
	Export(ctx context.Context, doc *domain.Document, result *domain.AnalysisResult) error
}

// StageObserver records per-stage outcomes.
type StageObserver interface {
	ObserveStage(stage string, succeeded bool, duration time.Duration)
}
