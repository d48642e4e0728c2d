package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/core/ports"
	"github.com/kirillkom/quote-pipeline/internal/core/workflow"
)

// PrepareJobsStep registers the files of a newly created quote and queues
// their OCR jobs plus the quote's single analysis job.
type PrepareJobsStep struct {
	quotes   ports.QuoteRepository
	files    ports.FileRepository
	analysis ports.AnalysisRepository
}

func NewPrepareJobsStep(
	quotes ports.QuoteRepository,
	files ports.FileRepository,
	analysis ports.AnalysisRepository,
) *PrepareJobsStep {
	return &PrepareJobsStep{quotes: quotes, files: files, analysis: analysis}
}

func (s *PrepareJobsStep) Step() workflow.Step {
	return workflow.Step{
		ID:      StepPrepareJobs,
		Event:   domain.EventQuoteCreated,
		Retries: 2,
		Handler: s.Handle,
	}
}

type prepareOutput struct {
	QuoteID int64 `json:"quote_id"`
	Files   int   `json:"files"`
}

func (s *PrepareJobsStep) Handle(ctx context.Context, run *workflow.Run) (any, error) {
	var payload domain.QuoteCreated
	if err := decodePayload(run, &payload); err != nil {
		return nil, err
	}
	if payload.QuoteID <= 0 {
		return nil, domain.Permanent("prepare jobs", errors.New("quote_id is required"))
	}

	if _, err := s.quotes.GetQuote(ctx, payload.QuoteID); err != nil {
		if domain.IsKind(err, domain.ErrQuoteNotFound) {
			return nil, domain.Permanent("prepare jobs", err)
		}
		return nil, fmt.Errorf("load quote: %w", err)
	}

	for _, f := range payload.Files {
		if f.FileID == "" {
			return nil, domain.Permanent("prepare jobs", errors.New("file_id is required"))
		}
		file := domain.QuoteFile{
			QuoteID:    payload.QuoteID,
			FileID:     f.FileID,
			StorageURI: f.StorageURI,
			Filename:   f.Filename,
			Bytes:      f.Bytes,
			MimeType:   f.Mime,
			Status:     domain.FileUploaded,
		}
		if err := s.files.EnsureFile(ctx, file); err != nil {
			return nil, fmt.Errorf("ensure file %s: %w", f.FileID, err)
		}
		job := domain.OCRJob{QuoteID: payload.QuoteID, FileID: f.FileID, Status: domain.JobQueued}
		if err := s.files.UpsertOCRJob(ctx, job); err != nil {
			return nil, fmt.Errorf("queue ocr job %s: %w", f.FileID, err)
		}
	}

	if err := s.analysis.EnsureAnalysisJob(ctx, payload.QuoteID); err != nil {
		return nil, fmt.Errorf("queue analysis job: %w", err)
	}

	run.Logger.Info("quote_jobs_prepared", "quote_id", payload.QuoteID, "files", len(payload.Files))
	return prepareOutput{QuoteID: payload.QuoteID, Files: len(payload.Files)}, nil
}
