package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

// AnalysisRepository owns glm_jobs and glm_pages.
type AnalysisRepository struct {
	db *sql.DB
}

func NewAnalysisRepository(db *sql.DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

func (r *AnalysisRepository) EnsureAnalysisJob(ctx context.Context, quoteID int64) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO glm_jobs (quote_id, status, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (quote_id) DO NOTHING
`, quoteID, string(domain.JobQueued), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ensure analysis job: %w", err)
	}
	return nil
}

func (r *AnalysisRepository) GetAnalysisJob(ctx context.Context, quoteID int64) (*domain.AnalysisJob, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT quote_id, status, retry_count, last_error, doc_type, country_of_issue, complexity,
	names, billing, reviewed_words, updated_at
FROM glm_jobs
WHERE quote_id = $1
`, quoteID)

	var job domain.AnalysisJob
	var status, complexity string
	var names, billing []byte
	var reviewed sql.NullInt64
	err := row.Scan(
		&job.QuoteID, &status, &job.RetryCount, &job.LastError, &job.DocType, &job.CountryOfIssue,
		&complexity, &names, &billing, &reviewed, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan analysis job: %w", err)
	}
	if err := json.Unmarshal(names, &job.Names); err != nil {
		return nil, fmt.Errorf("unmarshal names: %w", err)
	}
	if err := json.Unmarshal(billing, &job.Billing); err != nil {
		return nil, fmt.Errorf("unmarshal billing: %w", err)
	}
	if reviewed.Valid {
		words := int(reviewed.Int64)
		job.ReviewedWords = &words
	}
	job.Status = domain.JobStatus(status)
	job.Complexity = domain.Complexity(complexity)
	return &job, nil
}

// ClaimAnalysisJob moves the job to started when it is queued, failed or
// missing. Only one concurrent caller sees true.
func (r *AnalysisRepository) ClaimAnalysisJob(ctx context.Context, quoteID int64) (bool, error) {
	var claimed int64
	err := r.db.QueryRowContext(ctx, `
INSERT INTO glm_jobs (quote_id, status, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (quote_id) DO UPDATE
SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
WHERE glm_jobs.status IN ($4, $5)
RETURNING quote_id
`, quoteID, string(domain.JobStarted), time.Now().UTC(), string(domain.JobQueued), string(domain.JobFailed)).Scan(&claimed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("claim analysis job: %w", err)
	}
	return true, nil
}

// CompleteAnalysis stores the document-level result on the job and upserts
// the per-page rows in one transaction.
func (r *AnalysisRepository) CompleteAnalysis(ctx context.Context, job domain.AnalysisJob, pages []domain.AnalysisPage) error {
	names, err := json.Marshal(nonNilStrings(job.Names))
	if err != nil {
		return fmt.Errorf("marshal names: %w", err)
	}
	billing, err := json.Marshal(job.Billing)
	if err != nil {
		return fmt.Errorf("marshal billing: %w", err)
	}
	var reviewed any
	if job.ReviewedWords != nil {
		reviewed = int64(*job.ReviewedWords)
	}
	status := job.Status
	if status == "" {
		status = domain.JobSucceeded
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin analysis tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO glm_jobs (
	quote_id, status, last_error, doc_type, country_of_issue, complexity, names, billing, reviewed_words, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (quote_id) DO UPDATE
SET status = EXCLUDED.status, last_error = EXCLUDED.last_error, doc_type = EXCLUDED.doc_type,
	country_of_issue = EXCLUDED.country_of_issue, complexity = EXCLUDED.complexity,
	names = EXCLUDED.names, billing = EXCLUDED.billing, reviewed_words = EXCLUDED.reviewed_words,
	updated_at = EXCLUDED.updated_at
`,
		job.QuoteID, string(status), job.LastError, job.DocType, job.CountryOfIssue,
		string(job.Complexity), names, billing, reviewed, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save analysis job: %w", err)
	}

	for _, p := range pages {
		languages, err := json.Marshal(nonNilLanguages(p.Languages))
		if err != nil {
			return fmt.Errorf("marshal page languages: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO glm_pages (quote_id, page_index, doc_type, complexity, languages, confidence)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (quote_id, page_index) DO UPDATE
SET doc_type = EXCLUDED.doc_type, complexity = EXCLUDED.complexity,
	languages = EXCLUDED.languages, confidence = EXCLUDED.confidence
`, job.QuoteID, p.PageIndex, p.DocType, string(p.Complexity), languages, p.Confidence)
		if err != nil {
			return fmt.Errorf("upsert analysis page %d: %w", p.PageIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit analysis tx: %w", err)
	}
	return nil
}

func (r *AnalysisRepository) FailAnalysisJob(ctx context.Context, quoteID int64, errMessage string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO glm_jobs (quote_id, status, retry_count, last_error, updated_at)
VALUES ($1, $2, 1, $3, $4)
ON CONFLICT (quote_id) DO UPDATE
SET status = EXCLUDED.status, retry_count = glm_jobs.retry_count + 1,
	last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at
`, quoteID, string(domain.JobFailed), errMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("fail analysis job: %w", err)
	}
	return nil
}

func (r *AnalysisRepository) ListAnalysisPages(ctx context.Context, quoteID int64) ([]domain.AnalysisPage, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT quote_id, page_index, doc_type, complexity, languages, confidence
FROM glm_pages
WHERE quote_id = $1
ORDER BY page_index
`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("list analysis pages: %w", err)
	}
	defer rows.Close()

	pages := make([]domain.AnalysisPage, 0)
	for rows.Next() {
		var p domain.AnalysisPage
		var complexity string
		var languages []byte
		if err := rows.Scan(&p.QuoteID, &p.PageIndex, &p.DocType, &complexity, &languages, &p.Confidence); err != nil {
			return nil, fmt.Errorf("scan analysis page: %w", err)
		}
		if err := json.Unmarshal(languages, &p.Languages); err != nil {
			return nil, fmt.Errorf("unmarshal page languages: %w", err)
		}
		p.Complexity = domain.Complexity(complexity)
		pages = append(pages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analysis pages: %w", err)
	}
	return pages, nil
}

func nonNilLanguages(in []domain.DetectedLanguage) []domain.DetectedLanguage {
	if in == nil {
		return []domain.DetectedLanguage{}
	}
	return in
}
