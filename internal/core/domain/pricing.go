package domain

// RushApplied describes the rush markup that was applied, if any.
type RushApplied struct {
	Tier       string  `json:"tier"`
	Percent    float64 `json:"percent"`
	PresetBase bool    `json:"preset_base"`
}

// PricingFacts are the per-quote inputs the calculator needs, gathered from
// the submission, OCR pages and analysis results.
type PricingFacts struct {
	IntendedUse        string
	RequestedLanguages []string
	DetectedLanguages  []string
	Words              int
	Complexity         Complexity
	Certification      string
	Shipping           string
	RushTier           string
	DocType            string
	CountryOfIssue     string
	Region             string
}

// Breakdown carries every intermediate value of a pricing computation.
type Breakdown struct {
	Words                int          `json:"words"`
	RawPages             float64      `json:"raw_pages"`
	Pages                float64      `json:"pages"`
	BaseRate             float64      `json:"base_rate"`
	LanguageMultiplier   float64      `json:"language_multiplier"`
	Complexity           Complexity   `json:"complexity"`
	ComplexityMultiplier float64      `json:"complexity_multiplier"`
	Labor                float64      `json:"labor"`
	LaborRounded         float64      `json:"labor_rounded"`
	CertType             string       `json:"cert_type"`
	CertFee              float64      `json:"cert_fee"`
	ShippingMethod       string       `json:"shipping_method"`
	ShippingFee          float64      `json:"shipping_fee"`
	Rush                 *RushApplied `json:"rush,omitempty"`
	Subtotal             float64      `json:"subtotal"`
	Region               string       `json:"region"`
	TaxRate              float64      `json:"tax_rate"`
	Tax                  float64      `json:"tax"`
	Total                float64      `json:"total"`
	Currency             string       `json:"currency"`
}
