package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schemaLockKey int64 = 2026101801

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	storage_path TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	analysis_status TEXT NOT NULL DEFAULT 'not_analyzed',
	analysis_job_id TEXT NOT NULL DEFAULT '',
	analysis_attempt INTEGER NOT NULL DEFAULT 0,
	analysis_workflow TEXT NOT NULL DEFAULT '',
	analysis_started_at TIMESTAMPTZ,
	analysis_completed_at TIMESTAMPTZ,
	analysis_error JSONB,
	analysis_result JSONB
);

CREATE INDEX IF NOT EXISTS idx_documents_analysis_status ON documents(analysis_status, updated_at);

CREATE TABLE IF NOT EXISTS analysis_jobs (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	attempt INTEGER NOT NULL,
	workflow TEXT NOT NULL,
	stages JSONB NOT NULL DEFAULT '[]'::jsonb,
	client_id TEXT NOT NULL DEFAULT '',
	previous_status TEXT NOT NULL,
	supersedes TEXT NOT NULL DEFAULT '',
	enqueued_at TIMESTAMPTZ NOT NULL,
	claimed_at TIMESTAMPTZ,
	worker_id TEXT NOT NULL DEFAULT '',
	lease_retries INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL,
	finished_at TIMESTAMPTZ,
	error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_analysis_jobs_document ON analysis_jobs(document_id, attempt DESC);
`

// EnsureSchema creates the documents and analysis_jobs tables.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
