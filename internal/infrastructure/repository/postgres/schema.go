package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

const schemaLockID int64 = 2025031701

const schemaDDL = `
CREATE TABLE IF NOT EXISTS quotes (
	quote_id BIGSERIAL PRIMARY KEY,
	status TEXT NOT NULL,
	intended_use TEXT NOT NULL DEFAULT 'general',
	languages JSONB NOT NULL DEFAULT '[]'::jsonb,
	billing_country TEXT NOT NULL DEFAULT 'CA',
	billing_region TEXT NOT NULL DEFAULT '',
	currency TEXT NOT NULL DEFAULT 'CAD',
	rush_tier TEXT NOT NULL DEFAULT '',
	cert_option TEXT NOT NULL DEFAULT '',
	shipping_method TEXT NOT NULL DEFAULT '',
	billable_pages DOUBLE PRECISION NOT NULL DEFAULT 0,
	per_page_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	cert_type TEXT NOT NULL DEFAULT '',
	cert_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	subtotal DOUBLE PRECISION NOT NULL DEFAULT 0,
	tax_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	tax DOUBLE PRECISION NOT NULL DEFAULT 0,
	quote_total DOUBLE PRECISION NOT NULL DEFAULT 0,
	pricing JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS quote_files (
	quote_id BIGINT NOT NULL REFERENCES quotes(quote_id) ON DELETE CASCADE,
	file_id TEXT NOT NULL,
	storage_uri TEXT NOT NULL DEFAULT '',
	filename TEXT NOT NULL DEFAULT '',
	bytes BIGINT NOT NULL DEFAULT 0,
	mime TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	ocr_pages INTEGER NOT NULL DEFAULT 0,
	words INTEGER NOT NULL DEFAULT 0,
	language TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (quote_id, file_id)
);

CREATE TABLE IF NOT EXISTS quote_pages (
	quote_id BIGINT NOT NULL,
	file_id TEXT NOT NULL,
	page_number INTEGER NOT NULL,
	word_count INTEGER NOT NULL DEFAULT 0,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	excerpt TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'ocr',
	PRIMARY KEY (quote_id, file_id, page_number)
);

CREATE TABLE IF NOT EXISTS ocr_jobs (
	quote_id BIGINT NOT NULL,
	file_id TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (quote_id, file_id)
);

CREATE TABLE IF NOT EXISTS glm_jobs (
	quote_id BIGINT PRIMARY KEY,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	doc_type TEXT NOT NULL DEFAULT '',
	country_of_issue TEXT NOT NULL DEFAULT '',
	complexity TEXT NOT NULL DEFAULT '',
	names JSONB NOT NULL DEFAULT '[]'::jsonb,
	billing JSONB NOT NULL DEFAULT '{}'::jsonb,
	reviewed_words INTEGER,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS glm_pages (
	quote_id BIGINT NOT NULL,
	page_index INTEGER NOT NULL,
	doc_type TEXT NOT NULL DEFAULT '',
	complexity TEXT NOT NULL,
	languages JSONB NOT NULL DEFAULT '[]'::jsonb,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (quote_id, page_index)
);

CREATE TABLE IF NOT EXISTS workflow_runs (
	run_id TEXT PRIMARY KEY,
	step_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	event_name TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	output JSONB,
	error TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_steps (
	run_id TEXT NOT NULL,
	step_name TEXT NOT NULL,
	output JSONB,
	blob_key TEXT NOT NULL DEFAULT '',
	bytes INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, step_name)
);

CREATE TABLE IF NOT EXISTS app_settings (
	key TEXT PRIMARY KEY,
	settings JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_quotes_status ON quotes(status);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status, updated_at);
`

// EnsureSchema creates the pipeline tables. Concurrent api and worker
// startups serialize on an advisory lock.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
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

// placeholders renders "$from, $from+1, ..." for n values.
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(from+i)
	}
	return strings.Join(parts, ", ")
}
