package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

// DocumentRepository stores documents in memory and is safe for concurrent
// use. Analysis transitions follow the same compare-and-set rules as the
// Postgres repository.
type DocumentRepository struct {
	mu   sync.RWMutex
	byID map[string]*domain.Document
	now  func() time.Time
}

func NewDocumentRepository() *DocumentRepository {
	return &DocumentRepository{
		byID: make(map[string]*domain.Document),
		now:  time.Now,
	}
}

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[doc.ID]; exists {
		return domain.WrapError(domain.ErrConflict, "create document", fmt.Errorf("document %s already exists", doc.ID))
	}
	stored := doc.Clone()
	if stored.AnalysisStatus == "" {
		stored.AnalysisStatus = domain.StatusNotAnalyzed
	}
	r.byID[doc.ID] = stored
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	return doc.Clone(), nil
}

// ListByAnalysisStatus returns matching documents, oldest update first.
func (r *DocumentRepository) ListByAnalysisStatus(ctx context.Context, statuses ...domain.AnalysisStatus) ([]domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[domain.AnalysisStatus]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	r.mu.RLock()
	out := make([]domain.Document, 0)
	for _, doc := range r.byID {
		if _, ok := want[doc.AnalysisStatus]; ok {
			out = append(out, *doc.Clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (r *DocumentRepository) MarkAnalysisPending(ctx context.Context, id string, job domain.AnalysisJob) error {
	return r.transition(ctx, "mark analysis pending", id, func(doc *domain.Document) error {
		takesOver := job.Supersedes != "" && doc.AnalysisJobID == job.Supersedes
		if doc.AnalysisStatus.Active() && !takesOver {
			return fmt.Errorf("document %s is %s with job %s", id, doc.AnalysisStatus, doc.AnalysisJobID)
		}
		doc.AnalysisStatus = domain.StatusPending
		doc.AnalysisJobID = job.ID
		doc.AnalysisAttempt = job.Attempt
		doc.AnalysisWorkflow = job.Workflow
		return nil
	})
}

func (r *DocumentRepository) MarkAnalysisProcessing(ctx context.Context, id, jobID string, startedAt time.Time) error {
	return r.transition(ctx, "mark analysis processing", id, func(doc *domain.Document) error {
		if doc.AnalysisJobID != jobID || doc.AnalysisStatus != domain.StatusPending {
			return staleJob(doc, jobID)
		}
		doc.AnalysisStatus = domain.StatusProcessing
		started := startedAt.UTC()
		doc.AnalysisStartedAt = &started
		return nil
	})
}

func (r *DocumentRepository) CompleteAnalysis(ctx context.Context, id, jobID string, result *domain.AnalysisResult) error {
	return r.transition(ctx, "complete analysis", id, func(doc *domain.Document) error {
		if doc.AnalysisJobID != jobID || doc.AnalysisStatus != domain.StatusProcessing {
			return staleJob(doc, jobID)
		}
		doc.AnalysisStatus = domain.StatusCompleted
		doc.AnalysisResult = result.Clone()
		completed := result.CompletedAt
		doc.AnalysisCompletedAt = &completed
		doc.AnalysisError = nil
		return nil
	})
}

func (r *DocumentRepository) FailAnalysis(ctx context.Context, id, jobID string, failure domain.AnalysisError) error {
	return r.transition(ctx, "fail analysis", id, func(doc *domain.Document) error {
		if doc.AnalysisJobID != jobID || !doc.AnalysisStatus.Active() {
			return staleJob(doc, jobID)
		}
		doc.AnalysisStatus = domain.StatusFailed
		f := failure
		doc.AnalysisError = &f
		return nil
	})
}

func (r *DocumentRepository) RestoreAnalysisStatus(ctx context.Context, id, jobID string, status domain.AnalysisStatus) error {
	return r.transition(ctx, "restore analysis status", id, func(doc *domain.Document) error {
		if doc.AnalysisJobID != jobID || !doc.AnalysisStatus.Active() {
			return staleJob(doc, jobID)
		}
		doc.AnalysisStatus = status
		return nil
	})
}

func (r *DocumentRepository) transition(ctx context.Context, op, id string, apply func(doc *domain.Document) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.byID[id]
	if !ok {
		return domain.ErrDocumentNotFound
	}
	next := doc.Clone()
	if err := apply(next); err != nil {
		return domain.WrapError(domain.ErrConflict, op, err)
	}
	next.UpdatedAt = r.now().UTC()
	r.byID[id] = next
	return nil
}

func staleJob(doc *domain.Document, jobID string) error {
	return fmt.Errorf("job %s does not own document %s (current %s, %s)", jobID, doc.ID, doc.AnalysisJobID, doc.AnalysisStatus)
}
