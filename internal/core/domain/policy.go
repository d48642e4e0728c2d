package domain

// PolicySettingsKey is the app_settings key holding the pricing policy document.
const PolicySettingsKey = "pricing_policy_v1"

// PartialPolicy is a raw, possibly incomplete policy document as stored.
type PartialPolicy map[string]any

type ExtraLanguageMode string

const (
	// ExtraLanguageLinear uplifts by 1 + pct*extra. This is the default contract.
	ExtraLanguageLinear ExtraLanguageMode = "linear"
	// ExtraLanguageCompound uplifts by (1 + pct)^extra.
	ExtraLanguageCompound ExtraLanguageMode = "compound"
)

type RushBasis string

const (
	RushBasisCalculated RushBasis = "calculated"
	RushBasisPreset     RushBasis = "preset"
)

type RushApplyTo string

const (
	RushApplySubtotal RushApplyTo = "subtotal"
	RushApplyLabor    RushApplyTo = "labor"
)

const (
	RushOneBusinessDay = "rush_1bd"
	RushSameDay        = "same_day"
)

const DefaultTierKey = "default"

type ComplexityMultipliers struct {
	Easy   float64 `json:"Easy"`
	Medium float64 `json:"Medium"`
	Hard   float64 `json:"Hard"`
}

// For returns the multiplier for c; unknown values price as Easy.
func (m ComplexityMultipliers) For(c Complexity) float64 {
	switch c {
	case ComplexityHard:
		return m.Hard
	case ComplexityMedium:
		return m.Medium
	default:
		return m.Easy
	}
}

type TaxTable struct {
	HST        map[string]float64 `json:"hst"`
	GSTOnly    map[string]float64 `json:"gstOnly"`
	DefaultGST float64            `json:"defaultGST"`
}

type RushEligibility struct {
	DocType        string   `json:"doc_type"`
	CountryOfIssue string   `json:"country_of_issue"`
	PresetBase     *float64 `json:"preset_base,omitempty"`
}

type RushTier struct {
	Enabled          bool               `json:"enabled"`
	Percent          float64            `json:"percent"`
	Basis            RushBasis          `json:"basis"`
	ApplyTo          RushApplyTo        `json:"apply_to"`
	CutoffLocalTime  string             `json:"cutoff_local_time,omitempty"`
	Timezone         string             `json:"timezone,omitempty"`
	MaxPages         float64            `json:"max_pages,omitempty"`
	MinSubtotal      float64            `json:"min_subtotal"`
	DocTypeOverrides map[string]float64 `json:"doc_type_overrides"`
	CountryOverrides map[string]float64 `json:"country_overrides"`
	Eligibility      []RushEligibility  `json:"eligibility"`
}

// RushPolicy keeps tiers as named fields so partial documents merge into
// each tier field by field.
type RushPolicy struct {
	OneBusinessDay RushTier `json:"rush_1bd"`
	SameDay        RushTier `json:"same_day"`
}

// Tier resolves a tier by its option name.
func (r RushPolicy) Tier(name string) (RushTier, bool) {
	switch name {
	case RushOneBusinessDay:
		return r.OneBusinessDay, true
	case RushSameDay:
		return r.SameDay, true
	default:
		return RushTier{}, false
	}
}

type PricingPolicy struct {
	Currency          string                `json:"currency"`
	PageWordDivisor   float64               `json:"pageWordDivisor"`
	RoundingThreshold float64               `json:"roundingThreshold"`
	BaseRates         map[string]float64    `json:"baseRates"`
	Tiers             map[string]float64    `json:"tiers"`
	LanguageTierMap   map[string]string     `json:"languageTierMap"`
	ExtraLanguagePct  float64               `json:"extraLanguagePct"`
	ExtraLanguageMode ExtraLanguageMode     `json:"extraLanguageMode"`
	Complexity        ComplexityMultipliers `json:"complexity"`
	Certifications    map[string]float64    `json:"certifications"`
	Shipping          map[string]float64    `json:"shipping"`
	Tax               TaxTable              `json:"tax"`
	Rush              RushPolicy            `json:"rush"`
}

func presetBase(v float64) *float64 { return &v }

// DefaultPolicy returns a freshly allocated, fully populated policy.
func DefaultPolicy() PricingPolicy {
	return PricingPolicy{
		Currency:          "CAD",
		PageWordDivisor:   225,
		RoundingThreshold: 0.20,
		BaseRates: map[string]float64{
			string(UseGeneral):     65,
			string(UseLegal):       80,
			string(UseImmigration): 75,
			string(UseAcademic):    70,
			string(UseInsurance):   70,
		},
		Tiers: map[string]float64{
			"A":            1.20,
			"B":            1.35,
			"C":            1.10,
			"D":            1.05,
			DefaultTierKey: 1.00,
		},
		LanguageTierMap: map[string]string{
			"Punjabi": "A", "Hindi": "A", "Marathi": "A",
			"Arabic": "B", "Chinese": "B", "Thai": "B",
			"French": "C", "German": "C", "Italian": "C", "Greek": "C",
			"Norwegian": "D", "Swedish": "D", "Finnish": "D", "Dutch": "D",
			"English": DefaultTierKey,
		},
		ExtraLanguagePct:  0.05,
		ExtraLanguageMode: ExtraLanguageLinear,
		Complexity:        ComplexityMultipliers{Easy: 1.00, Medium: 1.15, Hard: 1.30},
		Certifications: map[string]float64{
			"Standard":      0,
			"PPTC Document": 35,
			"Notarization":  50,
		},
		Shipping: map[string]float64{
			"online":       0,
			"canadapost":   5,
			"pickup_calg":  0,
			"express_post": 25,
		},
		Tax: TaxTable{
			HST:        map[string]float64{"NB": 0.15, "NL": 0.15, "NS": 0.14, "ON": 0.13, "PE": 0.15},
			GSTOnly:    map[string]float64{"AB": 0.05, "NT": 0.05, "NU": 0.05, "YT": 0.05},
			DefaultGST: 0.05,
		},
		Rush: RushPolicy{
			OneBusinessDay: RushTier{
				Enabled:          true,
				Percent:          0.30,
				Basis:            RushBasisCalculated,
				ApplyTo:          RushApplySubtotal,
				DocTypeOverrides: map[string]float64{},
				CountryOverrides: map[string]float64{},
				Eligibility:      []RushEligibility{},
			},
			SameDay: RushTier{
				Enabled:          true,
				Percent:          0.50,
				Basis:            RushBasisPreset,
				ApplyTo:          RushApplySubtotal,
				CutoffLocalTime:  "13:00",
				Timezone:         "America/Edmonton",
				MaxPages:         1,
				DocTypeOverrides: map[string]float64{},
				CountryOverrides: map[string]float64{},
				Eligibility: []RushEligibility{
					{DocType: "Driver License", CountryOfIssue: "IN", PresetBase: presetBase(65)},
					{DocType: "Driver License", CountryOfIssue: "CL", PresetBase: presetBase(65)},
					{DocType: "Driver License", CountryOfIssue: "FR", PresetBase: presetBase(65)},
				},
			},
		},
	}
}
