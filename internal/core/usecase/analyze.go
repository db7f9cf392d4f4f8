package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/core/ports"
)

// AnalyzeUseCase accepts analysis requests and turns them into queued jobs.
type AnalyzeUseCase struct {
	repo    ports.DocumentRepository
	catalog ports.WorkflowCatalog
	queue   ports.JobQueue
	events  ports.EventPublisher
	archive ports.JobArchive
	remote  ports.RemoteJobCanceller
	logger  *slog.Logger
	now     func() time.Time
}

// MaxBatchSize bounds the documents accepted by one AnalyzeBatch call.
const MaxBatchSize = 100

// DefaultJobHistoryLimit applies when ListJobs is called without a limit.
const DefaultJobHistoryLimit = 20

type AnalyzeOption func(*AnalyzeUseCase)

// WithRemoteJobs lets Cancel reach jobs queued by other processes.
func WithRemoteJobs(remote ports.RemoteJobCanceller) AnalyzeOption {
	return func(uc *AnalyzeUseCase) {
		uc.remote = remote
	}
}

func NewAnalyzeUseCase(
	repo ports.DocumentRepository,
	catalog ports.WorkflowCatalog,
	queue ports.JobQueue,
	events ports.EventPublisher,
	archive ports.JobArchive,
	logger *slog.Logger,
	opts ...AnalyzeOption,
) *AnalyzeUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	uc := &AnalyzeUseCase{
		repo:    repo,
		catalog: catalog,
		queue:   queue,
		events:  events,
		archive: archive,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Analyze enqueues workflowName for documentID. A second request while a
// job is pending or processing fails with domain.ErrConflict.
func (uc *AnalyzeUseCase) Analyze(ctx context.Context, documentID, workflowName, clientID string) (domain.JobHandle, error) {
	doc, err := uc.repo.GetByID(ctx, documentID)
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("load document: %w", err)
	}
	def, err := uc.catalog.Get(workflowName)
	if err != nil {
		return domain.JobHandle{}, err
	}
	if doc.AnalysisStatus.Active() {
		return domain.JobHandle{}, domain.WrapError(domain.ErrConflict, "analyze document", fmt.Errorf("document %s is %s", doc.ID, doc.AnalysisStatus))
	}

	job, err := uc.enqueue(ctx, doc, def, clientID, "")
	if err != nil {
		return domain.JobHandle{}, err
	}
	return handleOf(job, domain.StatusPending), nil
}

// AnalyzeBatch requests workflowName for every document and reports each
// outcome separately. One document failing does not stop the others.
func (uc *AnalyzeUseCase) AnalyzeBatch(ctx context.Context, documentIDs []string, workflowName, clientID string) ([]domain.BatchItem, error) {
	if len(documentIDs) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "analyze batch", errors.New("no document ids"))
	}
	if len(documentIDs) > MaxBatchSize {
		return nil, domain.WrapError(domain.ErrInvalidInput, "analyze batch", fmt.Errorf("%d documents exceed the limit of %d", len(documentIDs), MaxBatchSize))
	}
	if _, err := uc.catalog.Get(workflowName); err != nil {
		return nil, err
	}

	items := make([]domain.BatchItem, 0, len(documentIDs))
	for _, id := range documentIDs {
		id = strings.TrimSpace(id)
		item := domain.BatchItem{DocumentID: id}
		if id == "" {
			item.Err = domain.WrapError(domain.ErrInvalidInput, "analyze batch", errors.New("empty document id"))
			items = append(items, item)
			continue
		}
		handle, err := uc.Analyze(ctx, id, workflowName, clientID)
		if err != nil {
			item.Err = err
		} else {
			item.Job = &handle
		}
		items = append(items, item)
	}
	return items, nil
}

// ListJobs returns the archived jobs of a document, newest first.
func (uc *AnalyzeUseCase) ListJobs(ctx context.Context, documentID string, limit int) ([]domain.AnalysisJob, error) {
	if _, err := uc.repo.GetByID(ctx, documentID); err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if limit <= 0 {
		limit = DefaultJobHistoryLimit
	}
	if uc.archive == nil {
		return []domain.AnalysisJob{}, nil
	}
	jobs, err := uc.archive.ListByDocument(ctx, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if jobs == nil {
		jobs = []domain.AnalysisJob{}
	}
	return jobs, nil
}

func (uc *AnalyzeUseCase) enqueue(ctx context.Context, doc *domain.Document, def domain.WorkflowDefinition, clientID, supersedes string) (domain.AnalysisJob, error) {
	previous := doc.AnalysisStatus
	if previous.Active() {
		previous = domain.StatusNotAnalyzed
		if doc.AnalysisResult != nil {
			previous = domain.StatusCompleted
		}
	}
	job, err := uc.queue.Reserve(domain.JobRequest{
		DocumentID:     doc.ID,
		Workflow:       def.Name,
		Stages:         def.StageNames(),
		ClientID:       clientID,
		PreviousStatus: previous,
		MinAttempt:     doc.AnalysisAttempt,
		Supersedes:     supersedes,
	})
	if err != nil {
		return domain.AnalysisJob{}, err
	}
	if err := uc.repo.MarkAnalysisPending(ctx, doc.ID, job); err != nil {
		uc.queue.Abort(job.ID)
		return domain.AnalysisJob{}, fmt.Errorf("mark analysis pending: %w", err)
	}

	uc.publish(ctx, domain.Event{
		Type:       domain.EventJobEnqueued,
		DocumentID: doc.ID,
		JobID:      job.ID,
		ClientID:   clientID,
		Workflow:   def.Name,
		Status:     domain.StatusPending,
	})
	if err := uc.queue.Submit(job.ID); err != nil {
		return domain.AnalysisJob{}, domain.WrapError(domain.ErrInternal, "submit job", err)
	}
	uc.logger.Info("job_enqueued", "document_id", doc.ID, "job_id", job.ID, "workflow", def.Name, "client_id", clientID)
	return job, nil
}

func (uc *AnalyzeUseCase) GetAnalysis(ctx context.Context, documentID string) (domain.AnalysisView, error) {
	doc, err := uc.repo.GetByID(ctx, documentID)
	if err != nil {
		return domain.AnalysisView{}, fmt.Errorf("load document: %w", err)
	}
	return doc.AnalysisView(), nil
}

// Cancel removes a job that no worker has claimed yet and restores the
// status the document had before the request. Jobs not held locally are
// looked up in peer processes when a remote canceller is configured.
func (uc *AnalyzeUseCase) Cancel(ctx context.Context, documentID string) (domain.JobHandle, error) {
	if _, err := uc.repo.GetByID(ctx, documentID); err != nil {
		return domain.JobHandle{}, fmt.Errorf("load document: %w", err)
	}
	job, err := uc.queue.Cancel(documentID)
	if domain.IsKind(err, domain.ErrNotFound) && uc.remote != nil {
		job, err = uc.remote.Cancel(ctx, documentID)
	}
	if err != nil {
		return domain.JobHandle{}, err
	}
	if err := uc.repo.RestoreAnalysisStatus(ctx, documentID, job.ID, job.PreviousStatus); err != nil {
		return domain.JobHandle{}, fmt.Errorf("restore analysis status: %w", err)
	}

	uc.publish(ctx, domain.Event{
		Type:       domain.EventJobCancelled,
		DocumentID: documentID,
		JobID:      job.ID,
		ClientID:   job.ClientID,
		Workflow:   job.Workflow,
		Status:     job.PreviousStatus,
		Reason:     "cancelled",
	})
	if uc.archive != nil {
		if err := uc.archive.Archive(ctx, job); err != nil {
			uc.logger.Warn("job_archive_failed", "job_id", job.ID, "error", err)
		}
	}
	uc.logger.Info("job_cancelled", "document_id", documentID, "job_id", job.ID)
	return handleOf(job, job.PreviousStatus), nil
}

// Recover re-enqueues documents a previous process left pending or
// processing. Only documents untouched for staleAfter are taken over.
func (uc *AnalyzeUseCase) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	docs, err := uc.repo.ListByAnalysisStatus(ctx, domain.StatusPending, domain.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("list unfinished analyses: %w", err)
	}
	cutoff := uc.now().Add(-staleAfter)
	recovered := 0
	for i := range docs {
		doc := &docs[i]
		if doc.UpdatedAt.After(cutoff) {
			continue
		}
		if _, active := uc.queue.Active(doc.ID); active {
			continue
		}
		def, err := uc.catalog.Get(doc.AnalysisWorkflow)
		if err != nil {
			def, _ = uc.catalog.Get(domain.DefaultWorkflow)
		}
		job, err := uc.enqueue(ctx, doc, def, "", doc.AnalysisJobID)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			uc.logger.Error("job_recovery_failed", "document_id", doc.ID, "error", err)
			continue
		}
		recovered++
		uc.logger.Info("job_recovered", "document_id", doc.ID, "job_id", job.ID, "supersedes", doc.AnalysisJobID)
	}
	return recovered, nil
}

func (uc *AnalyzeUseCase) publish(ctx context.Context, event domain.Event) {
	if uc.events == nil {
		return
	}
	if event.At.IsZero() {
		event.At = uc.now().UTC()
	}
	if err := uc.events.Publish(ctx, event); err != nil {
		uc.logger.Warn("event_publish_failed", "document_id", event.DocumentID, "type", event.Type, "error", err)
	}
}

func handleOf(job domain.AnalysisJob, status domain.AnalysisStatus) domain.JobHandle {
	return domain.JobHandle{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Workflow:   job.Workflow,
		Status:     status,
	}
}
