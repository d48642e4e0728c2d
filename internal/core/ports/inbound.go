package ports

import (
	"context"
	"io"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

// QuoteIntake is the inbound contract for quote creation, uploads and submission.
type QuoteIntake interface {
	CreateQuote(ctx context.Context, req domain.QuoteSubmitted) (*domain.Quote, error)
	UploadFile(ctx context.Context, quoteID int64, filename, mimeType string, body io.Reader) (*domain.QuoteFile, error)
	Submit(ctx context.Context, submission domain.QuoteSubmitted) error
}

// ReviewDesk is the inbound contract for human-in-the-loop review.
type ReviewDesk interface {
	RequestReview(ctx context.Context, quoteID int64, reason string) error
	Resolve(ctx context.Context, quoteID int64, corrections domain.ReviewCorrections) error
}

// StageReader reports where a quote is in the pipeline.
type StageReader interface {
	Stage(ctx context.Context, quoteID int64) (domain.Stage, error)
}
