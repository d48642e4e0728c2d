package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventFilesUploaded        = "files/uploaded"
	EventOCRComplete          = "files/ocr-complete"
	EventAnalysisComplete     = "files/analysis-complete"
	EventQuoteSubmitted       = "quote/submitted"
	EventQuoteReady           = "quote/ready"
	EventManualReviewRequired = "quote/manual-review-required"
	EventQuoteCreated         = "quote/created"
)

const (
	ReasonAnalysisFailed = "analysis_failed"
	ReasonUserRequested  = "user_requested"
)

// Event is a named message with a JSON payload. ID is stable across
// re-deliveries of the same message.
type Event struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
	Time time.Time       `json:"ts"`
}

func NewEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Event{
		ID:   uuid.NewString(),
		Name: name,
		Data: data,
		Time: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	if len(e.Data) == 0 {
		return WrapError(ErrInvalidInput, "decode "+e.Name, fmt.Errorf("empty payload"))
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return WrapError(ErrInvalidInput, "decode "+e.Name, err)
	}
	return nil
}

type FilesUploaded struct {
	QuoteID    int64  `json:"quote_id"`
	FileID     string `json:"file_id"`
	StorageURI string `json:"gcs_uri"`
	Filename   string `json:"filename"`
	Bytes      int64  `json:"bytes"`
	Mime       string `json:"mime"`
}

type OCRComplete struct {
	QuoteID       int64              `json:"quote_id"`
	FileID        string             `json:"file_id"`
	PageCount     int                `json:"page_count"`
	AvgConfidence float64            `json:"avg_confidence"`
	Languages     map[string]float64 `json:"languages"`
}

type AnalysisComplete struct {
	QuoteID        int64          `json:"quote_id"`
	DocType        string         `json:"doc_type"`
	CountryOfIssue string         `json:"country_of_issue"`
	Complexity     Complexity     `json:"complexity"`
	Names          []string       `json:"names"`
	Billing        BillingSummary `json:"billing"`
}

type QuoteSubmitted struct {
	QuoteID     int64        `json:"quote_id"`
	IntendedUse IntendedUse  `json:"intended_use"`
	Languages   []string     `json:"languages"`
	Billing     Billing      `json:"billing"`
	Options     QuoteOptions `json:"options"`
}

type QuoteReadyPayload struct {
	QuoteID int64 `json:"quote_id"`
}

type ManualReviewRequired struct {
	QuoteID int64  `json:"quote_id"`
	Reason  string `json:"reason"`
}

type CreatedFile struct {
	FileID     string `json:"file_id"`
	StorageURI string `json:"gcs_uri"`
	Filename   string `json:"filename"`
	Bytes      int64  `json:"bytes"`
	Mime       string `json:"mime"`
}

type QuoteCreated struct {
	QuoteID int64         `json:"quote_id"`
	Files   []CreatedFile `json:"files"`
}
