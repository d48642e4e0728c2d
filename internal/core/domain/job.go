package domain

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobStarted   JobStatus = "started"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job has finished, successfully or not.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

type OCRJob struct {
	QuoteID    int64     `json:"quote_id"`
	FileID     string    `json:"file_id"`
	Status     JobStatus `json:"status"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AnalysisJob is the single per-quote analysis record (glm_jobs). The
// document-level result lives here so pricing can read it without
// re-deriving it from pages. ReviewedWords is an operator override of the
// billable word count.
type AnalysisJob struct {
	QuoteID        int64          `json:"quote_id"`
	Status         JobStatus      `json:"status"`
	RetryCount     int            `json:"retry_count"`
	LastError      string         `json:"last_error,omitempty"`
	DocType        string         `json:"doc_type,omitempty"`
	CountryOfIssue string         `json:"country_of_issue,omitempty"`
	Complexity     Complexity     `json:"complexity,omitempty"`
	Names          []string       `json:"names,omitempty"`
	Billing        BillingSummary `json:"billing"`
	ReviewedWords  *int           `json:"reviewed_words,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type Complexity string

const (
	ComplexityEasy   Complexity = "Easy"
	ComplexityMedium Complexity = "Medium"
	ComplexityHard   Complexity = "Hard"
)

func (c Complexity) Valid() bool {
	switch c {
	case ComplexityEasy, ComplexityMedium, ComplexityHard:
		return true
	default:
		return false
	}
}

func (c Complexity) rank() int {
	switch c {
	case ComplexityHard:
		return 2
	case ComplexityMedium:
		return 1
	default:
		return 0
	}
}

// MaxComplexity returns the hardest complexity in the list, Easy when empty.
func MaxComplexity(values []Complexity) Complexity {
	out := ComplexityEasy
	for _, v := range values {
		if v.rank() > out.rank() {
			out = v
		}
	}
	return out
}

type DetectedLanguage struct {
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// AnalysisPage is the per-page classification output (glm_pages).
type AnalysisPage struct {
	QuoteID    int64              `json:"quote_id"`
	PageIndex  int                `json:"index"`
	DocType    string             `json:"doc_type,omitempty"`
	Complexity Complexity         `json:"complexity"`
	Languages  []DetectedLanguage `json:"languages,omitempty"`
	Confidence float64            `json:"confidence"`
}

type ExclusionReason string

const (
	ExcludeBlank      ExclusionReason = "blank"
	ExcludeDuplicate  ExclusionReason = "duplicate"
	ExcludeIrrelevant ExclusionReason = "irrelevant"
)

type PageExclusion struct {
	Page   int             `json:"page"`
	Reason ExclusionReason `json:"reason"`
}

type PageBilling struct {
	Index      int        `json:"index"`
	Words      int        `json:"words"`
	Complexity Complexity `json:"complexity"`
}

type BillingSummary struct {
	BillableWords *int            `json:"billable_words"`
	RelevantPages []int           `json:"relevant_pages,omitempty"`
	Exclusions    []PageExclusion `json:"exclusions,omitempty"`
	PerPage       []PageBilling   `json:"per_page,omitempty"`
}

// AnalysisInput is what the analysis service sees: OCR facts only.
type AnalysisInput struct {
	QuoteID int64
	Pages   []AnalysisInputPage
	// Languages are the language names pricing recognises. Detected
	// languages are reported with these spellings when they match.
	Languages []string
}

type AnalysisInputPage struct {
	Index      int     `json:"index"`
	FileID     string  `json:"file_id"`
	PageNumber int     `json:"page_number"`
	Words      int     `json:"words"`
	Confidence float64 `json:"confidence"`
	Excerpt    string  `json:"excerpt,omitempty"`
}

// AnalysisResult is the strict structured output of the analysis service.
type AnalysisResult struct {
	DocType        string         `json:"doc_type"`
	CountryOfIssue string         `json:"country_of_issue"`
	Complexity     Complexity     `json:"complexity"`
	Names          []string       `json:"names"`
	Billing        BillingSummary `json:"billing"`
	Pages          []AnalysisPage `json:"pages"`
}

// OCRPage is one physical page as reported by the OCR service.
type OCRPage struct {
	Number     int                `json:"number"`
	Words      int                `json:"words"`
	Confidence float64            `json:"confidence"`
	Excerpt    string             `json:"excerpt,omitempty"`
	Languages  []DetectedLanguage `json:"languages,omitempty"`
}

type OCRResult struct {
	Pages     []OCRPage          `json:"pages"`
	Languages map[string]float64 `json:"languages"`
}

// Words sums the per-page word counts.
func (r OCRResult) Words() int {
	total := 0
	for _, p := range r.Pages {
		total += p.Words
	}
	return total
}

// AverageConfidence averages page confidence; 0 when there are no pages.
func (r OCRResult) AverageConfidence() float64 {
	if len(r.Pages) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range r.Pages {
		sum += p.Confidence
	}
	return sum / float64(len(r.Pages))
}

// PrimaryLanguage is the language with the highest confidence; ties break
// alphabetically so the result is stable.
func (r OCRResult) PrimaryLanguage() string {
	best := ""
	bestScore := -1.0
	for code, score := range r.Languages {
		if score > bestScore || (score == bestScore && code < best) {
			best = code
			bestScore = score
		}
	}
	return best
}

// ReviewCorrections are optional operator overrides applied on HITL resolution.
type ReviewCorrections struct {
	Complexity     *Complexity `json:"complexity,omitempty"`
	DocType        *string     `json:"doc_type,omitempty"`
	CountryOfIssue *string     `json:"country_of_issue,omitempty"`
	BillableWords  *int        `json:"billable_words,omitempty"`
	Names          []string    `json:"names,omitempty"`
}
