package usecase

import (
	"context"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/core/ports"
)

// StatusUseCase reports the processing state of this process.
type StatusUseCase struct {
	jobs ports.JobMonitor
	subs ports.SubscriberCounter
}

func NewStatusUseCase(jobs ports.JobMonitor, subs ports.SubscriberCounter) *StatusUseCase {
	return &StatusUseCase{jobs: jobs, subs: subs}
}

func (uc *StatusUseCase) Status(_ context.Context) domain.ProcessingStatus {
	status := domain.ProcessingStatus{ActiveJobs: []domain.AnalysisJob{}}
	if uc.jobs != nil {
		status.QueueDepth = uc.jobs.Depth()
		if running := uc.jobs.Running(); len(running) > 0 {
			status.ActiveJobs = running
		}
	}
	if uc.subs != nil {
		status.Subscribers = uc.subs.Subscribers()
	}
	return status
}
