package usecase

import (
	"context"
	"strings"
	"testing"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

func TestPipelineEndToEnd(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	quote, err := p.intake.CreateQuote(ctx, domain.QuoteSubmitted{
		IntendedUse: domain.UseGeneral,
		Languages:   []string{"English"},
		Billing:     domain.Billing{Country: "CA", Region: "AB"},
	})
	if err != nil {
		t.Fatalf("CreateQuote() error = %v", err)
	}

	content := "%PDF-1.7 two pages"
	p.ocr.results[content] = domain.OCRResult{
		Pages: []domain.OCRPage{
			{Number: 1, Words: 500, Confidence: 0.95},
			{Number: 2, Words: 400, Confidence: 0.91},
		},
		Languages: map[string]float64{"en": 0.99},
	}
	file, err := p.intake.UploadFile(ctx, quote.ID, "birth.pdf", "application/pdf", strings.NewReader(content))
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	p.fetcher.content[file.StorageURI] = []byte(content)

	if stage, _ := p.status.Stage(ctx, quote.ID); stage != domain.StageOCR {
		t.Fatalf("expected ocr stage before processing, got %s", stage)
	}

	p.analyzer.result = domain.AnalysisResult{
		DocType:        "Birth Certificate",
		CountryOfIssue: "CA",
		Complexity:     domain.ComplexityEasy,
		Pages: []domain.AnalysisPage{
			{PageIndex: 0, Complexity: domain.ComplexityEasy},
			{PageIndex: 1, Complexity: domain.ComplexityEasy},
		},
	}
	if errs := p.drain(t); len(errs) != 0 {
		t.Fatalf("unexpected dispatch errors: %v", errs)
	}
	if stage, _ := p.status.Stage(ctx, quote.ID); stage != domain.StagePricing {
		t.Fatalf("expected pricing stage after analysis, got %s", stage)
	}

	if err := p.intake.Submit(ctx, domain.QuoteSubmitted{
		QuoteID:     quote.ID,
		IntendedUse: domain.UseGeneral,
		Languages:   []string{"English"},
		Billing:     domain.Billing{Country: "CA", Region: "AB"},
	}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if errs := p.drain(t); len(errs) != 0 {
		t.Fatalf("unexpected dispatch errors: %v", errs)
	}

	priced, _ := p.repo.GetQuote(ctx, quote.ID)
	if priced.Status != domain.QuoteReady || priced.BillablePages != 4 || priced.Total != 273 {
		t.Fatalf("unexpected priced quote: %+v", priced)
	}
	if stage, _ := p.status.Stage(ctx, quote.ID); stage != domain.StageReady {
		t.Fatalf("expected ready stage, got %s", stage)
	}

	for _, name := range []string{
		domain.EventQuoteCreated,
		domain.EventFilesUploaded,
		domain.EventOCRComplete,
		domain.EventAnalysisComplete,
		domain.EventQuoteSubmitted,
		domain.EventQuoteReady,
	} {
		if n := len(p.bus.named(name)); n != 1 {
			t.Fatalf("expected exactly one %s event, got %d", name, n)
		}
	}
	if n := len(p.bus.named(domain.EventManualReviewRequired)); n != 0 {
		t.Fatalf("no review expected, got %d", n)
	}
}

func TestPipelineAnalysisFailureStopsPricing(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	quote, err := p.intake.CreateQuote(ctx, domain.QuoteSubmitted{Languages: []string{"English"}})
	if err != nil {
		t.Fatalf("CreateQuote() error = %v", err)
	}
	content := "scan"
	p.ocr.results[content] = domain.OCRResult{Pages: []domain.OCRPage{{Number: 1, Words: 10, Confidence: 0.4}}}
	file, err := p.intake.UploadFile(ctx, quote.ID, "scan.png", "", strings.NewReader(content))
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	p.fetcher.content[file.StorageURI] = []byte(content)
	p.analyzer.err = context.DeadlineExceeded

	errs := p.drain(t)
	if len(errs[domain.EventOCRComplete]) != 1 {
		t.Fatalf("expected the analysis failure to surface, got %v", errs)
	}

	if err := p.intake.Submit(ctx, domain.QuoteSubmitted{QuoteID: quote.ID, Languages: []string{"English"}}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if errs := p.drain(t); len(errs) != 0 {
		t.Fatalf("unexpected dispatch errors: %v", errs)
	}

	final, _ := p.repo.GetQuote(ctx, quote.ID)
	if final.Status != domain.QuoteHITL || final.Total != 0 {
		t.Fatalf("quote under review must not be priced: %+v", final)
	}
	if stage, _ := p.status.Stage(ctx, quote.ID); stage != domain.StageHITL {
		t.Fatalf("expected hitl stage, got %s", stage)
	}
	if n := len(p.bus.named(domain.EventQuoteReady)); n != 0 {
		t.Fatalf("no quote/ready expected, got %d", n)
	}
}
