package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

const uniqueViolation = "23505"

// DocumentRepository stores documents and their analysis state. Analysis
// transitions are single conditional UPDATEs keyed on the owning job id.
type DocumentRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db, now: time.Now}
}

func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	return EnsureSchema(ctx, r.db)
}

const documentColumns = `id, filename, mime_type, size_bytes, storage_path, created_at, updated_at,
	analysis_status, analysis_job_id, analysis_attempt, analysis_workflow,
	analysis_started_at, analysis_completed_at, analysis_error, analysis_result`

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	status := doc.AnalysisStatus
	if status == "" {
		status = domain.StatusNotAnalyzed
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO documents (id, filename, mime_type, size_bytes, storage_path, created_at, updated_at, analysis_status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, doc.ID, doc.Filename, doc.MimeType, doc.Size, doc.StoragePath, doc.CreatedAt, doc.UpdatedAt, string(status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.WrapError(domain.ErrConflict, "insert document", err)
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+`
FROM documents
WHERE id = $1
`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) ListByAnalysisStatus(ctx context.Context, statuses ...domain.AnalysisStatus) ([]domain.Document, error) {
	if len(statuses) == 0 {
		return []domain.Document{}, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(s)
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+documentColumns+`
FROM documents
WHERE analysis_status IN (`+strings.Join(placeholders, ",")+`)
ORDER BY updated_at ASC, id ASC
`, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents by status: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (r *DocumentRepository) MarkAnalysisPending(ctx context.Context, id string, job domain.AnalysisJob) error {
	return r.transition(ctx, "mark analysis pending", id, job.ID, `
UPDATE documents
SET analysis_status = 'pending', analysis_job_id = $2, analysis_attempt = $3, analysis_workflow = $4, updated_at = $5
WHERE id = $1
  AND (analysis_status NOT IN ('pending', 'processing') OR ($6 <> '' AND analysis_job_id = $6))
`, id, job.ID, job.Attempt, job.Workflow, r.now().UTC(), job.Supersedes)
}

func (r *DocumentRepository) MarkAnalysisProcessing(ctx context.Context, id, jobID string, startedAt time.Time) error {
	return r.transition(ctx, "mark analysis processing", id, jobID, `
UPDATE documents
SET analysis_status = 'processing', analysis_started_at = $3, updated_at = $4
WHERE id = $1 AND analysis_job_id = $2 AND analysis_status = 'pending'
`, id, jobID, startedAt.UTC(), r.now().UTC())
}

func (r *DocumentRepository) CompleteAnalysis(ctx context.Context, id, jobID string, result *domain.AnalysisResult) error {
	if result == nil {
		return domain.WrapError(domain.ErrInvalidInput, "complete analysis", errors.New("nil result"))
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal analysis result: %w", err)
	}
	return r.transition(ctx, "complete analysis", id, jobID, `
UPDATE documents
SET analysis_status = 'completed', analysis_result = $3, analysis_completed_at = $4, analysis_error = NULL, updated_at = $5
WHERE id = $1 AND analysis_job_id = $2 AND analysis_status = 'processing'
`, id, jobID, raw, result.CompletedAt.UTC(), r.now().UTC())
}

func (r *DocumentRepository) FailAnalysis(ctx context.Context, id, jobID string, failure domain.AnalysisError) error {
	raw, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("marshal analysis error: %w", err)
	}
	return r.transition(ctx, "fail analysis", id, jobID, `
UPDATE documents
SET analysis_status = 'failed', analysis_error = $3, updated_at = $4
WHERE id = $1 AND analysis_job_id = $2 AND analysis_status IN ('pending', 'processing')
`, id, jobID, raw, r.now().UTC())
}

func (r *DocumentRepository) RestoreAnalysisStatus(ctx context.Context, id, jobID string, status domain.AnalysisStatus) error {
	if !status.Valid() {
		return domain.WrapError(domain.ErrInvalidInput, "restore analysis status", fmt.Errorf("status %q", status))
	}
	return r.transition(ctx, "restore analysis status", id, jobID, `
UPDATE documents
SET analysis_status = $3, updated_at = $4
WHERE id = $1 AND analysis_job_id = $2 AND analysis_status IN ('pending', 'processing')
`, id, jobID, string(status), r.now().UTC())
}

// transition runs a conditional update. When no row matched it tells a
// missing document apart from a lost compare-and-set.
func (r *DocumentRepository) transition(ctx context.Context, op, id, jobID, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows > 0 {
		return nil
	}

	var status, current string
	err = r.db.QueryRowContext(ctx, `SELECT analysis_status, analysis_job_id FROM documents WHERE id = $1`, id).Scan(&status, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WrapError(domain.ErrDocumentNotFound, op, fmt.Errorf("id=%s", id))
	}
	if err != nil {
		return fmt.Errorf("%s: load current state: %w", op, err)
	}
	return domain.WrapError(domain.ErrConflict, op,
		fmt.Errorf("job %s does not own document %s (current %s, %s)", jobID, id, current, status))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (domain.Document, error) {
	var (
		doc                  domain.Document
		status               string
		startedAt, completed sql.NullTime
		errRaw, resultRaw    []byte
	)
	err := row.Scan(
		&doc.ID, &doc.Filename, &doc.MimeType, &doc.Size, &doc.StoragePath, &doc.CreatedAt, &doc.UpdatedAt,
		&status, &doc.AnalysisJobID, &doc.AnalysisAttempt, &doc.AnalysisWorkflow,
		&startedAt, &completed, &errRaw, &resultRaw,
	)
	if err != nil {
		return domain.Document{}, err
	}
	doc.AnalysisStatus = domain.AnalysisStatus(status)
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		doc.AnalysisStartedAt = &t
	}
	if completed.Valid {
		t := completed.Time.UTC()
		doc.AnalysisCompletedAt = &t
	}
	if len(errRaw) > 0 {
		var failure domain.AnalysisError
		if err := json.Unmarshal(errRaw, &failure); err != nil {
			return domain.Document{}, fmt.Errorf("unmarshal analysis error: %w", err)
		}
		doc.AnalysisError = &failure
	}
	if len(resultRaw) > 0 {
		var result domain.AnalysisResult
		if err := json.Unmarshal(resultRaw, &result); err != nil {
			return domain.Document{}, fmt.Errorf("unmarshal analysis result: %w", err)
		}
		doc.AnalysisResult = &result
	}
	return doc, nil
}
