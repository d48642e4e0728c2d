package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/core/ports"
	"github.com/kirillkom/quote-pipeline/internal/core/workflow"
)

// DefaultOCRMaxBytes is the synchronous OCR size limit.
const DefaultOCRMaxBytes int64 = 20 * 1024 * 1024

const excerptLimit = 280

// OCRStep extracts per-page facts from one uploaded file.
type OCRStep struct {
	files    ports.FileRepository
	fetcher  ports.FileFetcher
	ocr      ports.OCRService
	maxBytes int64
}

func NewOCRStep(files ports.FileRepository, fetcher ports.FileFetcher, ocr ports.OCRService, maxBytes int64) *OCRStep {
	if maxBytes <= 0 {
		maxBytes = DefaultOCRMaxBytes
	}
	return &OCRStep{files: files, fetcher: fetcher, ocr: ocr, maxBytes: maxBytes}
}

func (s *OCRStep) Step() workflow.Step {
	return workflow.Step{
		ID:        StepOCRDocument,
		Event:     domain.EventFilesUploaded,
		Retries:   2,
		Handler:   s.Handle,
		OnFailure: s.onFailure,
	}
}

type ocrOutput struct {
	QuoteID       int64   `json:"quote_id"`
	FileID        string  `json:"file_id"`
	PageCount     int     `json:"page_count"`
	Words         int     `json:"words"`
	AvgConfidence float64 `json:"avg_confidence"`
}

func (s *OCRStep) Handle(ctx context.Context, run *workflow.Run) (any, error) {
	var payload domain.FilesUploaded
	if err := decodePayload(run, &payload); err != nil {
		return nil, err
	}
	if payload.QuoteID <= 0 || payload.FileID == "" {
		return nil, domain.Permanent("ocr document", errors.New("quote_id and file_id are required"))
	}
	if payload.Bytes > s.maxBytes {
		return nil, domain.WrapError(domain.ErrFileTooLarge, "ocr document",
			fmt.Errorf("file exceeds %d byte sync processing limit", s.maxBytes))
	}

	file, err := s.files.GetFile(ctx, payload.QuoteID, payload.FileID)
	if err != nil {
		return nil, fmt.Errorf("load file: %w", err)
	}
	if file != nil && file.Status == domain.FileOCRComplete {
		run.Logger.Info("ocr_already_complete", "quote_id", payload.QuoteID, "file_id", payload.FileID)
		return skipped{Skipped: "already-complete"}, nil
	}
	if file == nil {
		file = &domain.QuoteFile{
			QuoteID:    payload.QuoteID,
			FileID:     payload.FileID,
			StorageURI: payload.StorageURI,
			Filename:   payload.Filename,
			Bytes:      payload.Bytes,
			MimeType:   payload.Mime,
			Status:     domain.FileUploaded,
		}
		if err := s.files.EnsureFile(ctx, *file); err != nil {
			return nil, fmt.Errorf("ensure file: %w", err)
		}
	}

	started := domain.OCRJob{
		QuoteID:    payload.QuoteID,
		FileID:     payload.FileID,
		Status:     domain.JobStarted,
		RetryCount: run.Attempt - 1,
	}
	if err := s.files.UpsertOCRJob(ctx, started); err != nil {
		return nil, fmt.Errorf("mark ocr job started: %w", err)
	}

	result, err := workflow.Do(ctx, run, "ocr-process", func(ctx context.Context) (domain.OCRResult, error) {
		content, err := s.fetcher.Fetch(ctx, payload.StorageURI, s.maxBytes)
		if err != nil {
			return domain.OCRResult{}, fmt.Errorf("download uploaded file: %w", err)
		}
		out, err := s.ocr.Process(ctx, content, payload.Mime)
		if err != nil {
			return domain.OCRResult{}, fmt.Errorf("ocr process: %w", err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	_, err = workflow.Do(ctx, run, "persist-ocr", func(ctx context.Context) (bool, error) {
		completed := *file
		completed.Status = domain.FileOCRComplete
		completed.OCRPages = len(result.Pages)
		completed.Words = result.Words()
		completed.Language = result.PrimaryLanguage()
		if completed.StorageURI == "" {
			completed.StorageURI = payload.StorageURI
		}

		if err := s.files.CompleteFileOCR(ctx, completed, quotePages(payload, result)); err != nil {
			return false, fmt.Errorf("persist ocr pages: %w", err)
		}
		done := domain.OCRJob{
			QuoteID:    payload.QuoteID,
			FileID:     payload.FileID,
			Status:     domain.JobSucceeded,
			RetryCount: run.Attempt - 1,
		}
		if err := s.files.UpsertOCRJob(ctx, done); err != nil {
			return false, fmt.Errorf("mark ocr job succeeded: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	languages := result.Languages
	if languages == nil {
		languages = map[string]float64{}
	}
	_, err = run.SendEvent(ctx, domain.EventOCRComplete, domain.OCRComplete{
		QuoteID:       payload.QuoteID,
		FileID:        payload.FileID,
		PageCount:     len(result.Pages),
		AvgConfidence: result.AverageConfidence(),
		Languages:     languages,
	})
	if err != nil {
		return nil, err
	}

	run.Logger.Info("ocr_complete", "quote_id", payload.QuoteID, "file_id", payload.FileID, "page_count", len(result.Pages))
	return ocrOutput{
		QuoteID:       payload.QuoteID,
		FileID:        payload.FileID,
		PageCount:     len(result.Pages),
		Words:         result.Words(),
		AvgConfidence: result.AverageConfidence(),
	}, nil
}

func (s *OCRStep) onFailure(ctx context.Context, run *workflow.Run, cause error) error {
	var payload domain.FilesUploaded
	if err := run.Event.Decode(&payload); err != nil || payload.QuoteID <= 0 || payload.FileID == "" {
		return nil
	}
	return s.files.UpsertOCRJob(ctx, domain.OCRJob{
		QuoteID:    payload.QuoteID,
		FileID:     payload.FileID,
		Status:     domain.JobFailed,
		RetryCount: run.Attempt,
		LastError:  cause.Error(),
	})
}

func quotePages(payload domain.FilesUploaded, result domain.OCRResult) []domain.QuotePage {
	pages := make([]domain.QuotePage, 0, len(result.Pages))
	for i, p := range result.Pages {
		number := p.Number
		if number <= 0 {
			number = i + 1
		}
		pages = append(pages, domain.QuotePage{
			QuoteID:    payload.QuoteID,
			FileID:     payload.FileID,
			PageNumber: number,
			WordCount:  p.Words,
			Confidence: p.Confidence,
			Excerpt:    truncateRunes(p.Excerpt, excerptLimit),
			Status:     string(domain.FileOCRComplete),
		})
	}
	return pages
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
