// Package prompt holds the analysis prompt shared by every model backend
// and the parser that turns model output into a validated result.
package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

const maxExcerptBytes = 1500

// System is the instruction sent ahead of every analysis request.
const System = `You are a document analyst for a certified translation agency.
You receive OCR facts for the pages of one customer order and classify them.
Return one strict JSON object with keys:
doc_type (string), country_of_issue (ISO 3166-1 alpha-2 or ""),
complexity ("Easy" | "Medium" | "Hard"), names (array of strings),
billing (object: billable_words (integer or null), relevant_pages (array of page indexes),
exclusions (array of {page, reason} with reason "blank" | "duplicate" | "irrelevant"),
per_page (array of {index, words, complexity})),
pages (array of {index, doc_type, complexity, languages: [{language, confidence}], confidence}).
Report every language by its English name with a capital initial ("French", "Arabic"),
never as a code ("fr") or in lower case.
No markdown, no extra text.`

// Build renders the user part of the request. Excerpts are truncated so a
// long order stays within the model context.
func Build(input domain.AnalysisInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Quote %d, %d page(s).\n", input.QuoteID, len(input.Pages))
	if len(input.Languages) > 0 {
		fmt.Fprintf(&b, "Use these language names when one applies: %s.\n", strings.Join(input.Languages, ", "))
	}
	b.WriteString("\n")
	for _, p := range input.Pages {
		fmt.Fprintf(&b, "[page index=%d file=%s number=%d words=%d confidence=%.2f]\n",
			p.Index, p.FileID, p.PageNumber, p.Words, p.Confidence)
		excerpt := p.Excerpt
		if len(excerpt) > maxExcerptBytes {
			excerpt = truncateUTF8(excerpt, maxExcerptBytes)
		}
		if strings.TrimSpace(excerpt) != "" {
			b.WriteString(excerpt)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Parse decodes a model response and rejects anything that does not match
// the expected shape. The error kind is domain.ErrAnalysisInvalid.
func Parse(raw string, input domain.AnalysisInput) (domain.AnalysisResult, error) {
	body := extractJSONObject(raw)
	var result domain.AnalysisResult
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return domain.AnalysisResult{}, invalid(fmt.Errorf("decode json: %w", err))
	}

	result.DocType = strings.TrimSpace(result.DocType)
	result.CountryOfIssue = strings.ToUpper(strings.TrimSpace(result.CountryOfIssue))
	if result.CountryOfIssue != "" && len(result.CountryOfIssue) != 2 {
		return domain.AnalysisResult{}, invalid(fmt.Errorf("country_of_issue %q is not a two-letter code", result.CountryOfIssue))
	}
	if !result.Complexity.Valid() {
		return domain.AnalysisResult{}, invalid(fmt.Errorf("unknown complexity %q", result.Complexity))
	}
	if result.Names == nil {
		result.Names = []string{}
	}

	billing := result.Billing
	if billing.BillableWords != nil && *billing.BillableWords < 0 {
		return domain.AnalysisResult{}, invalid(errors.New("billable_words is negative"))
	}
	known := make(map[int]bool, len(input.Pages))
	for _, p := range input.Pages {
		known[p.Index] = true
	}
	for _, ex := range billing.Exclusions {
		switch ex.Reason {
		case domain.ExcludeBlank, domain.ExcludeDuplicate, domain.ExcludeIrrelevant:
		default:
			return domain.AnalysisResult{}, invalid(fmt.Errorf("unknown exclusion reason %q", ex.Reason))
		}
	}
	for i, pb := range billing.PerPage {
		if pb.Words < 0 {
			return domain.AnalysisResult{}, invalid(fmt.Errorf("page %d has negative words", pb.Index))
		}
		if pb.Complexity != "" && !pb.Complexity.Valid() {
			return domain.AnalysisResult{}, invalid(fmt.Errorf("page %d has unknown complexity %q", pb.Index, pb.Complexity))
		}
		if pb.Complexity == "" {
			billing.PerPage[i].Complexity = result.Complexity
		}
	}
	result.Billing = billing

	pages := make([]domain.AnalysisPage, 0, len(result.Pages))
	for _, p := range result.Pages {
		if len(known) > 0 && !known[p.PageIndex] {
			continue
		}
		if p.Complexity == "" {
			p.Complexity = result.Complexity
		}
		if !p.Complexity.Valid() {
			return domain.AnalysisResult{}, invalid(fmt.Errorf("page %d has unknown complexity %q", p.PageIndex, p.Complexity))
		}
		p.Confidence = clamp01(p.Confidence)
		p.Languages = normalizeLanguages(p.Languages, input.Languages)
		pages = append(pages, p)
	}
	result.Pages = pages
	return result, nil
}

func invalid(err error) error {
	return domain.WrapError(domain.ErrAnalysisInvalid, "parse analysis", err)
}

func extractJSONObject(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func truncateUTF8(s string, n int) string {
	for n > 0 && n < len(s) && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
