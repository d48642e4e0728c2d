package usecase

import (
	"context"
	"fmt"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/core/ports"
)

type StatusService struct {
	quotes   ports.QuoteRepository
	files    ports.FileRepository
	analysis ports.AnalysisRepository
}

func NewStatusService(
	quotes ports.QuoteRepository,
	files ports.FileRepository,
	analysis ports.AnalysisRepository,
) *StatusService {
	return &StatusService{quotes: quotes, files: files, analysis: analysis}
}

// Stage reports the pipeline position: pending OCR first, then a missing or
// running analysis, then the quote's own review or ready state.
func (s *StatusService) Stage(ctx context.Context, quoteID int64) (domain.Stage, error) {
	quote, err := s.quotes.GetQuote(ctx, quoteID)
	if err != nil {
		return "", err
	}

	files, err := s.files.ListFiles(ctx, quoteID)
	if err != nil {
		return "", fmt.Errorf("list files: %w", err)
	}
	for _, f := range files {
		if f.Status != domain.FileOCRComplete {
			return domain.StageOCR, nil
		}
	}

	job, err := s.analysis.GetAnalysisJob(ctx, quoteID)
	if err != nil {
		return "", fmt.Errorf("load analysis job: %w", err)
	}
	if job == nil || job.Status == domain.JobStarted {
		return domain.StageAnalysis, nil
	}

	switch quote.Status {
	case domain.QuoteHITL:
		return domain.StageHITL, nil
	case domain.QuoteReady:
		return domain.StageReady, nil
	default:
		return domain.StagePricing, nil
	}
}
