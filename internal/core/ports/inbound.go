package ports

import (
	"context"
	"io"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

// DocumentIngestor is the inbound contract for document upload.
type DocumentIngestor interface {
	Upload(ctx context.Context, filename, mimeType string, body io.Reader) (*domain.Document, error)
}

// DocumentReader is the inbound read model for document metadata/state.
type DocumentReader interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
}

// AnalysisService starts, inspects and cancels analyses.
type AnalysisService interface {
	Analyze(ctx context.Context, documentID, workflow, clientID string) (domain.JobHandle, error)
	GetAnalysis(ctx context.Context, documentID string) (domain.AnalysisView, error)
	Cancel(ctx context.Context, documentID string) (domain.JobHandle, error)
	AnalyzeBatch(ctx context.Context, documentIDs []string, workflow, clientID string) ([]domain.BatchItem, error)
	ListJobs(ctx context.Context, documentID string, limit int) ([]domain.AnalysisJob, error)
}

// StatusReporter summarizes processing in this process.
type StatusReporter interface {
	Status(ctx context.Context) domain.ProcessingStatus
}

// ReportService renders reports from completed analyses.
type ReportService interface {
	Generate(ctx context.Context, documentID string) (*domain.Report, error)
}

// WorkflowCatalog lists accepted workflow definitions.
type WorkflowCatalog interface {
	Get(name string) (domain.WorkflowDefinition, error)
	List() []domain.WorkflowDefinition
}

// Subscription is a live, bounded stream of events.
type Subscription interface {
	Events() <-chan domain.Event
	Close()
}

// EventSubscriber opens per-document and per-client event streams.
// Subscribers only see events published after they subscribed.
type EventSubscriber interface {
	SubscribeDocument(documentID string) Subscription
	SubscribeClient(clientID string) Subscription
	Follow(clientID, documentID string)
	Unfollow(clientID, documentID string)
}
