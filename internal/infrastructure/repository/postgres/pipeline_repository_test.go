package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

func TestGetFileReturnsNilWhenMissing(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewFileRepository(db)

	mock.ExpectQuery("FROM quote_files").
		WithArgs(int64(1), "missing").
		WillReturnError(sql.ErrNoRows)

	file, err := repo.GetFile(context.Background(), 1, "missing")
	if err != nil || file != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", file, err)
	}
}

func TestCompleteFileOCRInsertsPagesIdempotently(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewFileRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO quote_files").
		WithArgs(int64(1), "f1", "gs://b/f1.pdf", "f1.pdf", int64(10), "application/pdf",
			"ocr_complete", 2, 900, "en", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO quote_pages .* ON CONFLICT \\(quote_id, file_id, page_number\\) DO NOTHING").
		WithArgs(int64(1), "f1", 1, 400, 0.9, "", "ocr").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO quote_pages").
		WithArgs(int64(1), "f1", 2, 500, 0.8, "", "ocr").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.CompleteFileOCR(context.Background(), domain.QuoteFile{
		QuoteID: 1, FileID: "f1", StorageURI: "gs://b/f1.pdf", Filename: "f1.pdf", Bytes: 10,
		MimeType: "application/pdf", OCRPages: 2, Words: 900, Language: "en",
	}, []domain.QuotePage{
		{PageNumber: 1, WordCount: 400, Confidence: 0.9},
		{PageNumber: 2, WordCount: 500, Confidence: 0.8},
	})
	if err != nil {
		t.Fatalf("CompleteFileOCR() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCompleteFileOCRRollsBackOnPageError(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewFileRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO quote_files").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO quote_pages").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := repo.CompleteFileOCR(context.Background(), domain.QuoteFile{QuoteID: 1, FileID: "f1"},
		[]domain.QuotePage{{PageNumber: 1}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertOCRJobCountsFailures(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewFileRepository(db)

	mock.ExpectExec("INSERT INTO ocr_jobs").
		WithArgs(int64(1), "f1", "failed", 1, "boom", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpsertOCRJob(context.Background(), domain.OCRJob{
		QuoteID: 1, FileID: "f1", Status: domain.JobFailed, LastError: "boom",
	})
	if err != nil {
		t.Fatalf("UpsertOCRJob() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimAnalysisJob(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewAnalysisRepository(db)

	mock.ExpectQuery("INSERT INTO glm_jobs").
		WithArgs(int64(5), "started", sqlmock.AnyArg(), "queued", "failed").
		WillReturnRows(sqlmock.NewRows([]string{"quote_id"}).AddRow(int64(5)))
	mock.ExpectQuery("INSERT INTO glm_jobs").
		WithArgs(int64(5), "started", sqlmock.AnyArg(), "queued", "failed").
		WillReturnError(sql.ErrNoRows)

	claimed, err := repo.ClaimAnalysisJob(context.Background(), 5)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	claimed, err = repo.ClaimAnalysisJob(context.Background(), 5)
	if err != nil || claimed {
		t.Fatalf("second claim must lose: claimed=%v err=%v", claimed, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetAnalysisJobDecodesReviewedWords(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewAnalysisRepository(db)

	rows := sqlmock.NewRows([]string{
		"quote_id", "status", "retry_count", "last_error", "doc_type", "country_of_issue", "complexity",
		"names", "billing", "reviewed_words", "updated_at",
	}).AddRow(int64(5), "succeeded", 1, "", "Driver License", "FR", "Medium",
		[]byte(`["Jean"]`), []byte(`{"billable_words":450}`), int64(450), time.Now())
	mock.ExpectQuery("FROM glm_jobs").WithArgs(int64(5)).WillReturnRows(rows)

	job, err := repo.GetAnalysisJob(context.Background(), 5)
	if err != nil {
		t.Fatalf("GetAnalysisJob() error = %v", err)
	}
	if job.Status != domain.JobSucceeded || job.Complexity != domain.ComplexityMedium || len(job.Names) != 1 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.ReviewedWords == nil || *job.ReviewedWords != 450 {
		t.Fatalf("expected reviewed words 450, got %v", job.ReviewedWords)
	}
	if job.Billing.BillableWords == nil || *job.Billing.BillableWords != 450 {
		t.Fatalf("expected billing words 450, got %+v", job.Billing)
	}
}

func TestCompleteAnalysisUpsertsJobAndPages(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewAnalysisRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO glm_jobs").
		WithArgs(int64(5), "succeeded", "", "Passport", "IN", "Hard",
			[]byte(`[]`), sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO glm_pages").
		WithArgs(int64(5), 0, "", "Hard", []byte(`[]`), 0.7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.CompleteAnalysis(context.Background(), domain.AnalysisJob{
		QuoteID: 5, DocType: "Passport", CountryOfIssue: "IN", Complexity: domain.ComplexityHard,
	}, []domain.AnalysisPage{{PageIndex: 0, Complexity: domain.ComplexityHard, Confidence: 0.7}})
	if err != nil {
		t.Fatalf("CompleteAnalysis() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCheckpointRepositoryMissingRowsAreNil(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewCheckpointRepository(db)

	mock.ExpectQuery("FROM workflow_runs").WithArgs("ocr-document:e1").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM workflow_steps").WithArgs("ocr-document:e1", "ocr-process").WillReturnError(sql.ErrNoRows)

	run, err := repo.GetRun(context.Background(), "ocr-document:e1")
	if err != nil || run != nil {
		t.Fatalf("expected nil run, got %+v %v", run, err)
	}
	cp, err := repo.GetStep(context.Background(), "ocr-document:e1", "ocr-process")
	if err != nil || cp != nil {
		t.Fatalf("expected nil checkpoint, got %+v %v", cp, err)
	}
}

func TestSaveStepKeepsFirstOutput(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewCheckpointRepository(db)

	mock.ExpectExec("INSERT INTO workflow_steps .* DO NOTHING").
		WithArgs("r1", "persist-ocr", nil, "workflow-steps/r1/persist-ocr.json.gz", 70000, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SaveStep(context.Background(), domain.StepCheckpoint{
		RunID: "r1", Name: "persist-ocr", BlobKey: "workflow-steps/r1/persist-ocr.json.gz", Bytes: 70000,
	})
	if err != nil {
		t.Fatalf("SaveStep() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLoadPolicy(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewSettingsRepository(db)

	mock.ExpectQuery("FROM app_settings").WithArgs(domain.PolicySettingsKey).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM app_settings").WithArgs(domain.PolicySettingsKey).
		WillReturnRows(sqlmock.NewRows([]string{"settings"}).AddRow([]byte(`{"pageWordDivisor":250}`)))
	mock.ExpectQuery("FROM app_settings").WithArgs(domain.PolicySettingsKey).
		WillReturnRows(sqlmock.NewRows([]string{"settings"}).AddRow([]byte(`not json`)))

	partial, err := repo.LoadPolicy(context.Background())
	if err != nil || len(partial) != 0 {
		t.Fatalf("missing settings must be empty, got %v %v", partial, err)
	}
	partial, err = repo.LoadPolicy(context.Background())
	if err != nil || partial["pageWordDivisor"] != 250.0 {
		t.Fatalf("unexpected policy: %v %v", partial, err)
	}
	if _, err := repo.LoadPolicy(context.Background()); !domain.IsKind(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}
