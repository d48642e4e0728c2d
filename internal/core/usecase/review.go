package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/core/ports"
)

// ReviewService moves quotes into and out of human review.
type ReviewService struct {
	quotes    ports.QuoteRepository
	analysis  ports.AnalysisRepository
	publisher ports.EventPublisher
}

func NewReviewService(
	quotes ports.QuoteRepository,
	analysis ports.AnalysisRepository,
	publisher ports.EventPublisher,
) *ReviewService {
	return &ReviewService{quotes: quotes, analysis: analysis, publisher: publisher}
}

func (s *ReviewService) RequestReview(ctx context.Context, quoteID int64, reason string) error {
	if _, err := s.quotes.GetQuote(ctx, quoteID); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = domain.ReasonUserRequested
	}

	if err := s.quotes.SetStatus(ctx, quoteID, domain.QuoteHITL); err != nil {
		return fmt.Errorf("set quote hitl: %w", err)
	}
	return s.publish(ctx, domain.EventManualReviewRequired, domain.ManualReviewRequired{
		QuoteID: quoteID,
		Reason:  reason,
	})
}

// Resolve applies operator corrections, marks analysis as succeeded and
// re-submits the stored quote for pricing. Only a quote in hitl can be
// resolved.
func (s *ReviewService) Resolve(ctx context.Context, quoteID int64, corrections domain.ReviewCorrections) error {
	quote, err := s.quotes.GetQuote(ctx, quoteID)
	if err != nil {
		return err
	}
	if quote.Status != domain.QuoteHITL {
		return domain.WrapError(domain.ErrStatusConflict, "resolve review",
			fmt.Errorf("quote %d is %s, not %s", quoteID, quote.Status, domain.QuoteHITL))
	}
	if corrections.Complexity != nil && !corrections.Complexity.Valid() {
		return domain.WrapError(domain.ErrInvalidInput, "resolve review",
			fmt.Errorf("unknown complexity %q", *corrections.Complexity))
	}
	if corrections.BillableWords != nil && *corrections.BillableWords < 0 {
		return domain.WrapError(domain.ErrInvalidInput, "resolve review", errors.New("billable_words must be non-negative"))
	}

	job, err := s.analysis.GetAnalysisJob(ctx, quoteID)
	if err != nil {
		return fmt.Errorf("load analysis job: %w", err)
	}
	if job == nil {
		job = &domain.AnalysisJob{QuoteID: quoteID}
	}
	pages, err := s.analysis.ListAnalysisPages(ctx, quoteID)
	if err != nil {
		return fmt.Errorf("list analysis pages: %w", err)
	}

	applyCorrections(job, pages, corrections)
	job.Status = domain.JobSucceeded
	job.LastError = ""

	if err := s.analysis.CompleteAnalysis(ctx, *job, pages); err != nil {
		return fmt.Errorf("save reviewed analysis: %w", err)
	}
	moved, err := s.quotes.TransitionStatus(ctx, quoteID, []domain.QuoteStatus{domain.QuoteHITL}, domain.QuoteAnalysisOK)
	if err != nil {
		return fmt.Errorf("clear hitl: %w", err)
	}
	if !moved {
		return domain.WrapError(domain.ErrStatusConflict, "resolve review",
			fmt.Errorf("quote %d left %s during review", quoteID, domain.QuoteHITL))
	}
	quote.Status = domain.QuoteAnalysisOK

	return s.publish(ctx, domain.EventQuoteSubmitted, quote.Submission())
}

func applyCorrections(job *domain.AnalysisJob, pages []domain.AnalysisPage, c domain.ReviewCorrections) {
	if c.Complexity != nil {
		job.Complexity = *c.Complexity
		for i := range pages {
			pages[i].Complexity = *c.Complexity
		}
	}
	if !job.Complexity.Valid() {
		job.Complexity = domain.ComplexityEasy
	}
	if c.DocType != nil {
		job.DocType = strings.TrimSpace(*c.DocType)
	}
	if c.CountryOfIssue != nil {
		job.CountryOfIssue = strings.ToUpper(strings.TrimSpace(*c.CountryOfIssue))
	}
	if c.BillableWords != nil {
		words := *c.BillableWords
		job.ReviewedWords = &words
		job.Billing.BillableWords = &words
	}
	if c.Names != nil {
		job.Names = c.Names
	}
}

func (s *ReviewService) publish(ctx context.Context, name string, payload any) error {
	event, err := domain.NewEvent(name, payload)
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}
