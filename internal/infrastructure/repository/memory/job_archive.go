package memory

import (
	"context"
	"sync"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

// JobArchive keeps terminal jobs per document, newest last.
type JobArchive struct {
	mu    sync.RWMutex
	byDoc map[string][]domain.AnalysisJob
}

func NewJobArchive() *JobArchive {
	return &JobArchive{byDoc: make(map[string][]domain.AnalysisJob)}
}

func (a *JobArchive) Archive(ctx context.Context, job domain.AnalysisJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job.ClaimToken = ""
	job.Stages = append([]string(nil), job.Stages...)
	a.mu.Lock()
	a.byDoc[job.DocumentID] = append(a.byDoc[job.DocumentID], job)
	a.mu.Unlock()
	return nil
}

// ListByDocument returns up to limit jobs, newest first.
func (a *JobArchive) ListByDocument(ctx context.Context, documentID string, limit int) ([]domain.AnalysisJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	jobs := a.byDoc[documentID]
	out := make([]domain.AnalysisJob, 0, len(jobs))
	for i := len(jobs) - 1; i >= 0; i-- {
		out = append(out, jobs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
