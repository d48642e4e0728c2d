package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

// FileRepository owns quote_files, quote_pages and ocr_jobs.
type FileRepository struct {
	db *sql.DB
}

func NewFileRepository(db *sql.DB) *FileRepository {
	return &FileRepository{db: db}
}

func (r *FileRepository) EnsureFile(ctx context.Context, f domain.QuoteFile) error {
	now := time.Now().UTC()
	status := f.Status
	if status == "" {
		status = domain.FileUploaded
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO quote_files (
	quote_id, file_id, storage_uri, filename, bytes, mime, status, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (quote_id, file_id) DO NOTHING
`, f.QuoteID, f.FileID, f.StorageURI, f.Filename, f.Bytes, f.MimeType, string(status), now, now)
	if err != nil {
		return fmt.Errorf("ensure quote file: %w", err)
	}
	return nil
}

const selectFileColumns = `
SELECT quote_id, file_id, storage_uri, filename, bytes, mime, status, ocr_pages, words, language, updated_at
FROM quote_files
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (domain.QuoteFile, error) {
	var f domain.QuoteFile
	var status string
	err := row.Scan(
		&f.QuoteID, &f.FileID, &f.StorageURI, &f.Filename, &f.Bytes, &f.MimeType,
		&status, &f.OCRPages, &f.Words, &f.Language, &f.UpdatedAt,
	)
	f.Status = domain.FileStatus(status)
	return f, err
}

func (r *FileRepository) GetFile(ctx context.Context, quoteID int64, fileID string) (*domain.QuoteFile, error) {
	row := r.db.QueryRowContext(ctx, selectFileColumns+`WHERE quote_id = $1 AND file_id = $2`, quoteID, fileID)
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan quote file: %w", err)
	}
	return &f, nil
}

func (r *FileRepository) ListFiles(ctx context.Context, quoteID int64) ([]domain.QuoteFile, error) {
	rows, err := r.db.QueryContext(ctx, selectFileColumns+`WHERE quote_id = $1 ORDER BY created_at, file_id`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("list quote files: %w", err)
	}
	defer rows.Close()

	files := make([]domain.QuoteFile, 0)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quote file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quote files: %w", err)
	}
	return files, nil
}

// CompleteFileOCR marks the file processed and appends its pages. Pages
// already present are left untouched so a replay cannot duplicate them.
func (r *FileRepository) CompleteFileOCR(ctx context.Context, f domain.QuoteFile, pages []domain.QuotePage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ocr tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
INSERT INTO quote_files (
	quote_id, file_id, storage_uri, filename, bytes, mime, status, ocr_pages, words, language, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
ON CONFLICT (quote_id, file_id) DO UPDATE
SET status = EXCLUDED.status, ocr_pages = EXCLUDED.ocr_pages, words = EXCLUDED.words,
	language = EXCLUDED.language, updated_at = EXCLUDED.updated_at
`,
		f.QuoteID, f.FileID, f.StorageURI, f.Filename, f.Bytes, f.MimeType,
		string(domain.FileOCRComplete), f.OCRPages, f.Words, f.Language, now,
	)
	if err != nil {
		return fmt.Errorf("complete quote file: %w", err)
	}

	for _, p := range pages {
		status := p.Status
		if status == "" {
			status = "ocr"
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO quote_pages (quote_id, file_id, page_number, word_count, confidence, excerpt, status)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (quote_id, file_id, page_number) DO NOTHING
`, f.QuoteID, f.FileID, p.PageNumber, p.WordCount, p.Confidence, p.Excerpt, status)
		if err != nil {
			return fmt.Errorf("insert quote page %d: %w", p.PageNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ocr tx: %w", err)
	}
	return nil
}

func (r *FileRepository) ListPages(ctx context.Context, quoteID int64) ([]domain.QuotePage, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT quote_id, file_id, page_number, word_count, confidence, excerpt, status
FROM quote_pages
WHERE quote_id = $1
ORDER BY file_id, page_number
`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("list quote pages: %w", err)
	}
	defer rows.Close()

	pages := make([]domain.QuotePage, 0)
	for rows.Next() {
		var p domain.QuotePage
		if err := rows.Scan(&p.QuoteID, &p.FileID, &p.PageNumber, &p.WordCount, &p.Confidence, &p.Excerpt, &p.Status); err != nil {
			return nil, fmt.Errorf("scan quote page: %w", err)
		}
		pages = append(pages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quote pages: %w", err)
	}
	return pages, nil
}

// UpsertOCRJob records the job state. A queued write never downgrades a job
// that has already started or finished; failures bump retry_count.
func (r *FileRepository) UpsertOCRJob(ctx context.Context, job domain.OCRJob) error {
	retries := 0
	if job.Status == domain.JobFailed {
		retries = 1
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO ocr_jobs (quote_id, file_id, status, retry_count, last_error, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (quote_id, file_id) DO UPDATE
SET status = EXCLUDED.status,
	last_error = EXCLUDED.last_error,
	retry_count = ocr_jobs.retry_count + EXCLUDED.retry_count,
	updated_at = EXCLUDED.updated_at
WHERE NOT (EXCLUDED.status = 'queued' AND ocr_jobs.status <> 'queued')
`, job.QuoteID, job.FileID, string(job.Status), retries, job.LastError, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert ocr job: %w", err)
	}
	return nil
}
