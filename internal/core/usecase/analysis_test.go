package usecase

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

func seedOCRComplete(p *pipeline, quoteID int64, files ...domain.QuoteFile) {
	p.repo.seedQuote(domain.Quote{ID: quoteID, Status: domain.QuoteUploading, Languages: []string{"English"}})
	for _, f := range files {
		f.QuoteID = quoteID
		_ = p.repo.EnsureFile(context.Background(), f)
		if f.Status == domain.FileOCRComplete {
			_ = p.repo.CompleteFileOCR(context.Background(), f, []domain.QuotePage{
				{QuoteID: quoteID, FileID: f.FileID, PageNumber: 1, WordCount: 450, Confidence: 0.9},
				{QuoteID: quoteID, FileID: f.FileID, PageNumber: 2, WordCount: 450, Confidence: 0.9},
			})
		}
	}
	_ = p.repo.EnsureAnalysisJob(context.Background(), quoteID)
}

func ocrCompleteEvent(t *testing.T, quoteID int64, fileID string) domain.Event {
	return mustEvent(t, domain.EventOCRComplete, domain.OCRComplete{
		QuoteID:   quoteID,
		FileID:    fileID,
		PageCount: 2,
		Languages: map[string]float64{"en": 0.9},
	})
}

func TestAnalysisWaitsForAllFiles(t *testing.T) {
	p := newPipeline(t)
	seedOCRComplete(p, 5,
		domain.QuoteFile{FileID: "a", Status: domain.FileOCRComplete},
		domain.QuoteFile{FileID: "b", Status: domain.FileUploaded},
	)

	event := ocrCompleteEvent(t, 5, "a")
	if err := p.engine.Dispatch(context.Background(), event); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if p.analyzer.calls != 0 {
		t.Fatalf("analysis must wait for every file")
	}
	if run := p.store.run(StepAnalyzeQuote, event); !strings.Contains(string(run.Output), "awaiting-ocr") {
		t.Fatalf("unexpected output: %s", run.Output)
	}
	job, _ := p.repo.GetAnalysisJob(context.Background(), 5)
	if job.Status != domain.JobQueued {
		t.Fatalf("job must stay queued, got %s", job.Status)
	}
}

func TestAnalysisSuccessAdvancesQuote(t *testing.T) {
	p := newPipeline(t)
	seedOCRComplete(p, 5, domain.QuoteFile{FileID: "a", Status: domain.FileOCRComplete})
	p.analyzer.result = domain.AnalysisResult{
		DocType:        "Driver License",
		CountryOfIssue: "FR",
		Complexity:     domain.ComplexityMedium,
		Names:          []string{"Jean Dupont"},
		Pages: []domain.AnalysisPage{
			{PageIndex: 0, Complexity: domain.ComplexityMedium, Languages: []domain.DetectedLanguage{{Language: "French", Confidence: 0.9}}},
			{PageIndex: 1, Complexity: "Unknown"},
		},
	}

	event := ocrCompleteEvent(t, 5, "a")
	if err := p.engine.Dispatch(context.Background(), event); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(p.analyzer.input.Pages) != 2 || p.analyzer.input.Pages[0].Words != 450 {
		t.Fatalf("unexpected analyzer input: %+v", p.analyzer.input)
	}
	if langs := p.analyzer.input.Languages; len(langs) != len(domain.DefaultPolicy().LanguageTierMap) || !sort.StringsAreSorted(langs) {
		t.Fatalf("expected sorted policy language names, got %v", langs)
	}
	job, _ := p.repo.GetAnalysisJob(context.Background(), 5)
	if job.Status != domain.JobSucceeded || job.DocType != "Driver License" || job.CountryOfIssue != "FR" {
		t.Fatalf("unexpected job: %+v", job)
	}
	pages, _ := p.repo.ListAnalysisPages(context.Background(), 5)
	if len(pages) != 2 || pages[0].QuoteID != 5 || pages[1].Complexity != domain.ComplexityMedium {
		t.Fatalf("unexpected analysis pages: %+v", pages)
	}
	quote, _ := p.repo.GetQuote(context.Background(), 5)
	if quote.Status != domain.QuoteAnalysisOK {
		t.Fatalf("expected analysis_ok, got %s", quote.Status)
	}
	if n := len(p.bus.named(domain.EventAnalysisComplete)); n != 1 {
		t.Fatalf("expected one analysis-complete event, got %d", n)
	}
}

func TestAnalysisRunsOnceForConcurrentCompletions(t *testing.T) {
	p := newPipeline(t)
	seedOCRComplete(p, 5,
		domain.QuoteFile{FileID: "a", Status: domain.FileOCRComplete},
		domain.QuoteFile{FileID: "b", Status: domain.FileOCRComplete},
	)
	p.analyzer.result = domain.AnalysisResult{Complexity: domain.ComplexityEasy}

	for _, fileID := range []string{"a", "b"} {
		if err := p.engine.Dispatch(context.Background(), ocrCompleteEvent(t, 5, fileID)); err != nil {
			t.Fatalf("dispatch %s: %v", fileID, err)
		}
	}
	if p.analyzer.calls != 1 {
		t.Fatalf("expected a single analysis, got %d", p.analyzer.calls)
	}
	if n := len(p.bus.named(domain.EventAnalysisComplete)); n != 1 {
		t.Fatalf("expected one analysis-complete event, got %d", n)
	}
}

func TestAnalysisFailureRoutesQuoteToReview(t *testing.T) {
	p := newPipeline(t)
	seedOCRComplete(p, 42, domain.QuoteFile{FileID: "a", Status: domain.FileOCRComplete})
	p.analyzer.err = errors.New("model returned garbage")

	event := ocrCompleteEvent(t, 42, "a")
	err := p.engine.Dispatch(context.Background(), event)
	if !domain.IsPermanent(err) {
		t.Fatalf("expected permanent failure, got %v", err)
	}

	job, _ := p.repo.GetAnalysisJob(context.Background(), 42)
	if job.Status != domain.JobFailed || !strings.Contains(job.LastError, "model returned garbage") {
		t.Fatalf("unexpected job: %+v", job)
	}
	quote, _ := p.repo.GetQuote(context.Background(), 42)
	if quote.Status != domain.QuoteHITL {
		t.Fatalf("expected hitl, got %s", quote.Status)
	}

	// Re-delivery of the same event must not emit a second review request.
	_ = p.engine.Dispatch(context.Background(), event)

	reviews := p.bus.named(domain.EventManualReviewRequired)
	if len(reviews) != 1 {
		t.Fatalf("expected exactly one manual review event, got %d", len(reviews))
	}
	var payload domain.ManualReviewRequired
	if err := reviews[0].Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.QuoteID != 42 || payload.Reason != domain.ReasonAnalysisFailed {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if p.analyzer.calls != 1 {
		t.Fatalf("analysis must not be retried, got %d calls", p.analyzer.calls)
	}
	if run := p.store.run(StepAnalyzeQuote, event); run.Status != domain.RunFailed || run.Attempts != 1 {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestAnalysisRejectsInvalidComplexity(t *testing.T) {
	p := newPipeline(t)
	seedOCRComplete(p, 8, domain.QuoteFile{FileID: "a", Status: domain.FileOCRComplete})
	p.analyzer.result = domain.AnalysisResult{Complexity: "Extreme"}

	err := p.engine.Dispatch(context.Background(), ocrCompleteEvent(t, 8, "a"))
	if !errors.Is(err, domain.ErrAnalysisInvalid) {
		t.Fatalf("expected invalid analysis error, got %v", err)
	}
	quote, _ := p.repo.GetQuote(context.Background(), 8)
	if quote.Status != domain.QuoteHITL {
		t.Fatalf("expected hitl, got %s", quote.Status)
	}
}
