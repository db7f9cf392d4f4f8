package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

// JobArchive records terminal analysis jobs in analysis_jobs.
type JobArchive struct {
	db *sql.DB
}

func NewJobArchive(db *sql.DB) *JobArchive {
	return &JobArchive{db: db}
}

func (a *JobArchive) Archive(ctx context.Context, job domain.AnalysisJob) error {
	stages, err := json.Marshal(job.Stages)
	if err != nil {
		return fmt.Errorf("marshal job stages: %w", err)
	}
	if job.Stages == nil {
		stages = []byte("[]")
	}
	_, err = a.db.ExecContext(ctx, `
INSERT INTO analysis_jobs (
	id, document_id, attempt, workflow, stages, client_id, previous_status, supersedes,
	enqueued_at, claimed_at, worker_id, lease_retries, outcome, finished_at, error
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (id) DO UPDATE
SET outcome = EXCLUDED.outcome, finished_at = EXCLUDED.finished_at, error = EXCLUDED.error,
	lease_retries = EXCLUDED.lease_retries, worker_id = EXCLUDED.worker_id, claimed_at = EXCLUDED.claimed_at
`,
		job.ID, job.DocumentID, job.Attempt, job.Workflow, stages, job.ClientID, string(job.PreviousStatus), job.Supersedes,
		job.EnqueuedAt, job.ClaimedAt, job.WorkerID, job.LeaseRetries, string(job.Outcome), job.FinishedAt, job.Error,
	)
	if err != nil {
		return fmt.Errorf("archive job: %w", err)
	}
	return nil
}

func (a *JobArchive) ListByDocument(ctx context.Context, documentID string, limit int) ([]domain.AnalysisJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
SELECT id, document_id, attempt, workflow, stages, client_id, previous_status, supersedes,
	enqueued_at, claimed_at, worker_id, lease_retries, outcome, finished_at, error
FROM analysis_jobs
WHERE document_id = $1
ORDER BY attempt DESC
LIMIT $2
`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived jobs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AnalysisJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived jobs: %w", err)
	}
	return out, nil
}

func scanJob(row rowScanner) (domain.AnalysisJob, error) {
	var (
		job                 domain.AnalysisJob
		stages              []byte
		prev, outcome       string
		claimed, finishedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.DocumentID, &job.Attempt, &job.Workflow, &stages, &job.ClientID, &prev, &job.Supersedes,
		&job.EnqueuedAt, &claimed, &job.WorkerID, &job.LeaseRetries, &outcome, &finishedAt, &job.Error,
	)
	if err != nil {
		return domain.AnalysisJob{}, fmt.Errorf("scan archived job: %w", err)
	}
	if err := json.Unmarshal(stages, &job.Stages); err != nil {
		return domain.AnalysisJob{}, fmt.Errorf("unmarshal job stages: %w", err)
	}
	job.PreviousStatus = domain.AnalysisStatus(prev)
	job.Outcome = domain.JobOutcome(outcome)
	if claimed.Valid {
		t := claimed.Time.UTC()
		job.ClaimedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		job.FinishedAt = &t
	}
	return job, nil
}
