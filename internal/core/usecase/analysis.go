package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/core/ports"
	"github.com/kirillkom/quote-pipeline/internal/core/workflow"
)

// AnalysisStep classifies a quote once every one of its files has been
// through OCR. Failures route the quote to human review.
type AnalysisStep struct {
	quotes   ports.QuoteRepository
	files    ports.FileRepository
	analysis ports.AnalysisRepository
	analyzer ports.DocumentAnalyzer
	policies ports.PolicyProvider
}

// NewAnalysisStep builds the step. policies may be nil; when set, the
// language names of its tier map are offered to the analyzer.
func NewAnalysisStep(
	quotes ports.QuoteRepository,
	files ports.FileRepository,
	analysis ports.AnalysisRepository,
	analyzer ports.DocumentAnalyzer,
	policies ports.PolicyProvider,
) *AnalysisStep {
	return &AnalysisStep{quotes: quotes, files: files, analysis: analysis, analyzer: analyzer, policies: policies}
}

func (s *AnalysisStep) Step() workflow.Step {
	return workflow.Step{
		ID:      StepAnalyzeQuote,
		Event:   domain.EventOCRComplete,
		Retries: 0,
		Handler: s.Handle,
	}
}

type analysisOutput struct {
	QuoteID    int64             `json:"quote_id"`
	Pages      int               `json:"pages"`
	DocType    string            `json:"doc_type"`
	Complexity domain.Complexity `json:"complexity"`
}

func (s *AnalysisStep) Handle(ctx context.Context, run *workflow.Run) (any, error) {
	var payload domain.OCRComplete
	if err := decodePayload(run, &payload); err != nil {
		return nil, err
	}
	if payload.QuoteID <= 0 {
		return nil, domain.Permanent("analyze quote", errors.New("quote_id is required"))
	}
	quoteID := payload.QuoteID

	files, err := s.files.ListFiles(ctx, quoteID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	for _, f := range files {
		if f.Status != domain.FileOCRComplete {
			run.Logger.Info("analysis_awaiting_ocr", "quote_id", quoteID, "file_id", f.FileID)
			return skipped{Skipped: "awaiting-ocr"}, nil
		}
	}

	claimed, err := workflow.Do(ctx, run, "claim-analysis", func(ctx context.Context) (bool, error) {
		return s.analysis.ClaimAnalysisJob(ctx, quoteID)
	})
	if err != nil {
		return nil, fmt.Errorf("claim analysis job: %w", err)
	}
	if !claimed {
		run.Logger.Info("analysis_already_claimed", "quote_id", quoteID)
		return skipped{Skipped: "analysis-claimed"}, nil
	}

	result, err := workflow.Do(ctx, run, "analyze", func(ctx context.Context) (domain.AnalysisResult, error) {
		input, err := s.buildInput(ctx, run, quoteID)
		if err != nil {
			return domain.AnalysisResult{}, err
		}
		out, err := s.analyzer.Analyze(ctx, input)
		if err != nil {
			return domain.AnalysisResult{}, err
		}
		if !out.Complexity.Valid() {
			return domain.AnalysisResult{}, domain.WrapError(domain.ErrAnalysisInvalid, "analyze",
				fmt.Errorf("unknown complexity %q", out.Complexity))
		}
		return out, nil
	})
	if err != nil {
		return nil, s.fail(ctx, run, quoteID, err)
	}

	_, err = workflow.Do(ctx, run, "persist-analysis", func(ctx context.Context) (bool, error) {
		job := domain.AnalysisJob{
			QuoteID:        quoteID,
			Status:         domain.JobSucceeded,
			DocType:        result.DocType,
			CountryOfIssue: result.CountryOfIssue,
			Complexity:     result.Complexity,
			Names:          result.Names,
			Billing:        result.Billing,
		}
		pages := make([]domain.AnalysisPage, 0, len(result.Pages))
		for _, p := range result.Pages {
			p.QuoteID = quoteID
			if !p.Complexity.Valid() {
				p.Complexity = result.Complexity
			}
			pages = append(pages, p)
		}
		if err := s.analysis.CompleteAnalysis(ctx, job, pages); err != nil {
			return false, err
		}
		if _, err := s.quotes.TransitionStatus(ctx, quoteID,
			[]domain.QuoteStatus{domain.QuoteUploading}, domain.QuoteAnalysisOK); err != nil {
			return false, fmt.Errorf("advance quote status: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return nil, s.fail(ctx, run, quoteID, err)
	}

	names := result.Names
	if names == nil {
		names = []string{}
	}
	_, err = run.SendEvent(ctx, domain.EventAnalysisComplete, domain.AnalysisComplete{
		QuoteID:        quoteID,
		DocType:        result.DocType,
		CountryOfIssue: result.CountryOfIssue,
		Complexity:     result.Complexity,
		Names:          names,
		Billing:        result.Billing,
	})
	if err != nil {
		return nil, err
	}

	run.Logger.Info("analysis_complete", "quote_id", quoteID, "complexity", result.Complexity, "pages", len(result.Pages))
	return analysisOutput{
		QuoteID:    quoteID,
		Pages:      len(result.Pages),
		DocType:    result.DocType,
		Complexity: result.Complexity,
	}, nil
}

func (s *AnalysisStep) buildInput(ctx context.Context, run *workflow.Run, quoteID int64) (domain.AnalysisInput, error) {
	pages, err := s.files.ListPages(ctx, quoteID)
	if err != nil {
		return domain.AnalysisInput{}, fmt.Errorf("list pages: %w", err)
	}
	input := domain.AnalysisInput{QuoteID: quoteID, Pages: make([]domain.AnalysisInputPage, 0, len(pages))}
	for i, p := range pages {
		input.Pages = append(input.Pages, domain.AnalysisInputPage{
			Index:      i,
			FileID:     p.FileID,
			PageNumber: p.PageNumber,
			Words:      p.WordCount,
			Confidence: p.Confidence,
			Excerpt:    p.Excerpt,
		})
	}
	if s.policies != nil {
		policy, err := s.policies.Load(ctx)
		if err != nil {
			run.Logger.Warn("analysis_language_names_unavailable", "quote_id", quoteID, "error", err)
			return input, nil
		}
		input.Languages = make([]string, 0, len(policy.LanguageTierMap))
		for name := range policy.LanguageTierMap {
			input.Languages = append(input.Languages, name)
		}
		sort.Strings(input.Languages)
	}
	return input, nil
}

// fail records the failure, moves the quote to human review and emits the
// review event once. The returned error is permanent.
func (s *AnalysisStep) fail(ctx context.Context, run *workflow.Run, quoteID int64, cause error) error {
	ctx = context.WithoutCancel(ctx)
	run.Logger.Error("analysis_failed", "quote_id", quoteID, "error", cause)

	var errs []error
	if err := s.analysis.FailAnalysisJob(ctx, quoteID, cause.Error()); err != nil {
		errs = append(errs, fmt.Errorf("mark analysis job failed: %w", err))
	}
	if err := s.quotes.SetStatus(ctx, quoteID, domain.QuoteHITL); err != nil {
		errs = append(errs, fmt.Errorf("set quote hitl: %w", err))
	}
	_, err := run.SendEvent(ctx, domain.EventManualReviewRequired, domain.ManualReviewRequired{
		QuoteID: quoteID,
		Reason:  domain.ReasonAnalysisFailed,
	})
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w; %w", domain.Permanent("analyze quote", cause), errors.Join(errs...))
	}
	return domain.Permanent("analyze quote", cause)
}
