package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

func TestJobArchiveRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	archive := NewJobArchive(db)

	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := domain.AnalysisJob{
		ID: "doc-1:2", DocumentID: "doc-1", Attempt: 2, Workflow: "all",
		PreviousStatus: domain.StatusCompleted, EnqueuedAt: finished.Add(-time.Minute),
		Outcome: domain.OutcomeCancelled, FinishedAt: &finished,
	}
	mock.ExpectExec("INSERT INTO analysis_jobs").
		WithArgs("doc-1:2", "doc-1", 2, "all", []byte("[]"), "", "completed", "",
			job.EnqueuedAt, nil, "", 0, "cancelled", &finished, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := archive.Archive(context.Background(), job); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	rows := sqlmock.NewRows([]string{
		"id", "document_id", "attempt", "workflow", "stages", "client_id", "previous_status", "supersedes",
		"enqueued_at", "claimed_at", "worker_id", "lease_retries", "outcome", "finished_at", "error",
	}).AddRow("doc-1:2", "doc-1", 2, "all", []byte(`["summary"]`), "c-1", "completed", "",
		job.EnqueuedAt, nil, "", 0, "cancelled", finished, "")
	mock.ExpectQuery("FROM analysis_jobs").
		WithArgs("doc-1", 5).
		WillReturnRows(rows)

	jobs, err := archive.ListByDocument(context.Background(), "doc-1", 5)
	if err != nil {
		t.Fatalf("ListByDocument() error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].Outcome != domain.OutcomeCancelled || len(jobs[0].Stages) != 1 || jobs[0].FinishedAt == nil {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
