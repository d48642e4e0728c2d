package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/core/ports"
	"github.com/kirillkom/quote-pipeline/internal/core/pricing"
	"github.com/kirillkom/quote-pipeline/internal/core/workflow"
)

// QuoteObserver is notified of every priced quote.
type QuoteObserver interface {
	ObserveQuoteTotal(currency string, total float64)
}

// PricingStep prices a submitted quote once analysis has succeeded.
type PricingStep struct {
	quotes   ports.QuoteRepository
	files    ports.FileRepository
	analysis ports.AnalysisRepository
	policies ports.PolicyProvider
	observer QuoteObserver
}

func NewPricingStep(
	quotes ports.QuoteRepository,
	files ports.FileRepository,
	analysis ports.AnalysisRepository,
	policies ports.PolicyProvider,
	observer QuoteObserver,
) *PricingStep {
	return &PricingStep{
		quotes:   quotes,
		files:    files,
		analysis: analysis,
		policies: policies,
		observer: observer,
	}
}

func (s *PricingStep) Step() workflow.Step {
	return workflow.Step{
		ID:      StepComputePricing,
		Event:   domain.EventQuoteSubmitted,
		Retries: 2,
		Handler: s.Handle,
	}
}

type pricingOutput struct {
	QuoteID     int64               `json:"quote_id"`
	Pages       float64             `json:"pages"`
	BaseRate    float64             `json:"base_rate"`
	AppliedRush *domain.RushApplied `json:"applied_rush"`
	Total       float64             `json:"total"`
}

func (s *PricingStep) Handle(ctx context.Context, run *workflow.Run) (any, error) {
	var payload domain.QuoteSubmitted
	if err := decodePayload(run, &payload); err != nil {
		return nil, err
	}
	if payload.QuoteID <= 0 {
		return nil, domain.Permanent("compute pricing", errors.New("quote_id is required"))
	}
	quoteID := payload.QuoteID

	quote, err := s.quotes.GetQuote(ctx, quoteID)
	if err != nil {
		if domain.IsKind(err, domain.ErrQuoteNotFound) {
			return nil, domain.Permanent("compute pricing", err)
		}
		return nil, fmt.Errorf("load quote: %w", err)
	}
	if quote.Status == domain.QuoteHITL {
		run.Logger.Info("pricing_skipped_hitl", "quote_id", quoteID)
		return skipped{Skipped: "hitl"}, nil
	}

	job, err := s.analysis.GetAnalysisJob(ctx, quoteID)
	if err != nil {
		return nil, fmt.Errorf("load analysis job: %w", err)
	}
	if job == nil || job.Status != domain.JobSucceeded {
		run.Logger.Info("pricing_skipped_analysis_not_ready", "quote_id", quoteID)
		return skipped{Skipped: "analysis-not-ready"}, nil
	}

	policy, err := workflow.Do(ctx, run, "load-policy", s.policies.Load)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	facts, err := s.gatherFacts(ctx, payload, job)
	if err != nil {
		return nil, err
	}
	breakdown := pricing.Compute(policy, facts)

	saved, err := workflow.Do(ctx, run, "persist-pricing", func(ctx context.Context) (bool, error) {
		saved, err := s.quotes.SavePricing(ctx, quoteID, quotePricing(breakdown))
		if err != nil {
			return false, fmt.Errorf("save pricing: %w", err)
		}
		return saved, nil
	})
	if err != nil {
		return nil, err
	}
	if !saved {
		run.Logger.Info("pricing_skipped_hitl", "quote_id", quoteID, "late", true)
		return skipped{Skipped: "hitl"}, nil
	}

	if _, err := run.SendEvent(ctx, domain.EventQuoteReady, domain.QuoteReadyPayload{QuoteID: quoteID}); err != nil {
		return nil, err
	}
	if s.observer != nil {
		s.observer.ObserveQuoteTotal(breakdown.Currency, breakdown.Total)
	}

	run.Logger.Info("quote_priced",
		"quote_id", quoteID,
		"pages", breakdown.Pages,
		"subtotal", breakdown.Subtotal,
		"total", breakdown.Total,
	)
	return pricingOutput{
		QuoteID:     quoteID,
		Pages:       breakdown.Pages,
		BaseRate:    breakdown.BaseRate,
		AppliedRush: breakdown.Rush,
		Total:       breakdown.Total,
	}, nil
}

func (s *PricingStep) gatherFacts(ctx context.Context, payload domain.QuoteSubmitted, job *domain.AnalysisJob) (domain.PricingFacts, error) {
	pages, err := s.files.ListPages(ctx, payload.QuoteID)
	if err != nil {
		return domain.PricingFacts{}, fmt.Errorf("list pages: %w", err)
	}
	words := 0
	for _, p := range pages {
		words += p.WordCount
	}
	if job.ReviewedWords != nil && *job.ReviewedWords >= 0 {
		words = *job.ReviewedWords
	}

	analysed, err := s.analysis.ListAnalysisPages(ctx, payload.QuoteID)
	if err != nil {
		return domain.PricingFacts{}, fmt.Errorf("list analysis pages: %w", err)
	}
	complexities := make([]domain.Complexity, 0, len(analysed))
	detected := make([]string, 0)
	for _, p := range analysed {
		complexities = append(complexities, p.Complexity)
		for _, lang := range p.Languages {
			detected = append(detected, lang.Language)
		}
	}

	return domain.PricingFacts{
		IntendedUse:        string(payload.IntendedUse),
		RequestedLanguages: payload.Languages,
		DetectedLanguages:  detected,
		Words:              words,
		Complexity:         domain.MaxComplexity(complexities),
		Certification:      payload.Options.Certification,
		Shipping:           payload.Options.Shipping,
		RushTier:           payload.Options.Rush,
		DocType:            job.DocType,
		CountryOfIssue:     job.CountryOfIssue,
		Region:             payload.Billing.Region,
	}, nil
}

func quotePricing(b domain.Breakdown) domain.QuotePricing {
	return domain.QuotePricing{
		BillablePages: b.Pages,
		PerPageRate:   b.BaseRate,
		CertType:      b.CertType,
		CertPrice:     b.CertFee,
		Subtotal:      b.Subtotal,
		TaxRate:       b.TaxRate,
		Tax:           b.Tax,
		Total:         b.Total,
		Currency:      b.Currency,
		Breakdown:     b,
	}
}
