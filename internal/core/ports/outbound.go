package ports

import (
	"context"
	"io"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

// QuoteRepository persists quote records. Status changes go through
// TransitionStatus so monotonicity is enforced by the store.
type QuoteRepository interface {
	CreateQuote(ctx context.Context, quote *domain.Quote) error
	GetQuote(ctx context.Context, quoteID int64) (*domain.Quote, error)
	SaveSubmission(ctx context.Context, submission domain.QuoteSubmitted) error
	TransitionStatus(ctx context.Context, quoteID int64, from []domain.QuoteStatus, to domain.QuoteStatus) (bool, error)
	SetStatus(ctx context.Context, quoteID int64, status domain.QuoteStatus) error
	// SavePricing reports false without writing when the quote is in hitl.
	SavePricing(ctx context.Context, quoteID int64, pricing domain.QuotePricing) (saved bool, err error)
}

// FileRepository owns quote_files, quote_pages and ocr_jobs. GetFile
// returns nil, nil for an unknown file.
type FileRepository interface {
	EnsureFile(ctx context.Context, file domain.QuoteFile) error
	GetFile(ctx context.Context, quoteID int64, fileID string) (*domain.QuoteFile, error)
	ListFiles(ctx context.Context, quoteID int64) ([]domain.QuoteFile, error)
	CompleteFileOCR(ctx context.Context, file domain.QuoteFile, pages []domain.QuotePage) error
	ListPages(ctx context.Context, quoteID int64) ([]domain.QuotePage, error)
	UpsertOCRJob(ctx context.Context, job domain.OCRJob) error
}

// AnalysisRepository owns glm_jobs and glm_pages. GetAnalysisJob returns
// nil, nil when no job exists yet. ClaimAnalysisJob reports whether the
// caller now owns the single active job.
type AnalysisRepository interface {
	EnsureAnalysisJob(ctx context.Context, quoteID int64) error
	GetAnalysisJob(ctx context.Context, quoteID int64) (*domain.AnalysisJob, error)
	ClaimAnalysisJob(ctx context.Context, quoteID int64) (bool, error)
	CompleteAnalysis(ctx context.Context, job domain.AnalysisJob, pages []domain.AnalysisPage) error
	FailAnalysisJob(ctx context.Context, quoteID int64, errMessage string) error
	ListAnalysisPages(ctx context.Context, quoteID int64) ([]domain.AnalysisPage, error)
}

// CheckpointStore persists workflow runs and memoized step outputs. Both
// getters return nil, nil when nothing has been stored.
type CheckpointStore interface {
	GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error)
	SaveRun(ctx context.Context, run domain.WorkflowRun) error
	GetStep(ctx context.Context, runID, name string) (*domain.StepCheckpoint, error)
	SaveStep(ctx context.Context, step domain.StepCheckpoint) error
}

// PolicySource returns a raw, possibly empty policy document.
type PolicySource interface {
	LoadPolicy(ctx context.Context) (domain.PartialPolicy, error)
}

// ObjectStorage stores source documents and offloaded step outputs.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	URI(key string) string
}

// FileFetcher downloads an uploaded document by its storage URI, refusing
// anything larger than limit bytes.
type FileFetcher interface {
	Fetch(ctx context.Context, uri string, limit int64) ([]byte, error)
}

// OCRService turns raw document bytes into per-page facts.
type OCRService interface {
	Process(ctx context.Context, content []byte, mimeType string) (domain.OCRResult, error)
}

// DocumentAnalyzer classifies OCR output into a structured analysis.
type DocumentAnalyzer interface {
	Analyze(ctx context.Context, input domain.AnalysisInput) (domain.AnalysisResult, error)
}

// EventPublisher emits pipeline events.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// EventSubscriber delivers pipeline events until ctx is done.
type EventSubscriber interface {
	Subscribe(ctx context.Context, handler func(context.Context, domain.Event) error) error
}

// PolicyProvider returns the effective, fully populated pricing policy.
type PolicyProvider interface {
	Load(ctx context.Context) (domain.PricingPolicy, error)
}
