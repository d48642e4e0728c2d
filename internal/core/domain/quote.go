package domain

import "time"

type QuoteStatus string

const (
	QuoteUploading  QuoteStatus = "uploading"
	QuoteAnalysisOK QuoteStatus = "analysis_ok"
	QuoteHITL       QuoteStatus = "hitl"
	QuoteReady      QuoteStatus = "ready"
)

type IntendedUse string

const (
	UseGeneral     IntendedUse = "general"
	UseLegal       IntendedUse = "legal"
	UseImmigration IntendedUse = "immigration"
	UseAcademic    IntendedUse = "academic"
	UseInsurance   IntendedUse = "insurance"
)

type Billing struct {
	Country  string `json:"country"`
	Region   string `json:"region,omitempty"`
	Currency string `json:"currency"`
}

// QuoteOptions are the customer-selected extras. Empty strings mean "not requested".
type QuoteOptions struct {
	Rush          string `json:"rush,omitempty"`
	Certification string `json:"certification,omitempty"`
	Shipping      string `json:"shipping,omitempty"`
}

type Quote struct {
	ID          int64        `json:"quote_id"`
	Status      QuoteStatus  `json:"status"`
	IntendedUse IntendedUse  `json:"intended_use"`
	Languages   []string     `json:"languages"`
	Billing     Billing      `json:"billing"`
	Options     QuoteOptions `json:"options"`

	BillablePages float64 `json:"billable_pages"`
	PerPageRate   float64 `json:"per_page_rate"`
	CertType      string  `json:"cert_type,omitempty"`
	CertPrice     float64 `json:"cert_price"`
	Subtotal      float64 `json:"subtotal"`
	TaxRate       float64 `json:"tax_rate"`
	Tax           float64 `json:"tax"`
	Total         float64 `json:"quote_total"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Submission rebuilds the quote/submitted payload from the stored quote.
func (q *Quote) Submission() QuoteSubmitted {
	languages := q.Languages
	if languages == nil {
		languages = []string{}
	}
	return QuoteSubmitted{
		QuoteID:     q.ID,
		IntendedUse: q.IntendedUse,
		Languages:   languages,
		Billing:     q.Billing,
		Options:     q.Options,
	}
}

// QuotePricing is the set of billing fields owned by the pricing step.
type QuotePricing struct {
	BillablePages float64   `json:"billable_pages"`
	PerPageRate   float64   `json:"per_page_rate"`
	CertType      string    `json:"cert_type"`
	CertPrice     float64   `json:"cert_price"`
	Subtotal      float64   `json:"subtotal"`
	TaxRate       float64   `json:"tax_rate"`
	Tax           float64   `json:"tax"`
	Total         float64   `json:"quote_total"`
	Currency      string    `json:"currency"`
	Breakdown     Breakdown `json:"breakdown"`
}

type FileStatus string

const (
	FileUploaded    FileStatus = "uploaded"
	FileOCRComplete FileStatus = "ocr_complete"
)

type QuoteFile struct {
	QuoteID    int64      `json:"quote_id"`
	FileID     string     `json:"file_id"`
	StorageURI string     `json:"storage_uri"`
	Filename   string     `json:"filename"`
	Bytes      int64      `json:"bytes"`
	MimeType   string     `json:"mime"`
	Status     FileStatus `json:"status"`
	OCRPages   int        `json:"ocr_pages"`
	Words      int        `json:"words"`
	Language   string     `json:"language,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type QuotePage struct {
	QuoteID    int64   `json:"quote_id"`
	FileID     string  `json:"file_id"`
	PageNumber int     `json:"page_number"`
	WordCount  int     `json:"word_count"`
	Confidence float64 `json:"confidence"`
	Excerpt    string  `json:"excerpt,omitempty"`
	Status     string  `json:"status"`
}

// Stage is the coarse pipeline position reported to end users.
type Stage string

const (
	StageOCR      Stage = "ocr"
	StageAnalysis Stage = "analysis"
	StageHITL     Stage = "hitl"
	StagePricing  Stage = "pricing"
	StageReady    Stage = "ready"
)
