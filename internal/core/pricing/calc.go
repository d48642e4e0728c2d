// Package pricing holds the deterministic quote calculator. Every function
// is pure: the same policy and facts always produce the same total.
package pricing

import (
	"math"
	"strings"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

// tolerance absorbs binary floating point noise (2.2-2 = 0.2000000000000002)
// so threshold and ceiling decisions match the decimal business rule.
const tolerance = 1e-9

const defaultRegion = "AB"

// QuarterPage converts a word-derived page value into quarter-page billing
// units. When the fractional part is at or below threshold the value rounds
// to the nearest quarter (never below 0.25 for positive input); otherwise it
// rounds up to the next quarter.
func QuarterPage(rawPages, threshold float64) float64 {
	if math.IsNaN(rawPages) || math.IsInf(rawPages, 0) || rawPages <= 0 {
		return 0
	}

	frac := rawPages - math.Floor(rawPages)
	var quarters float64
	if frac <= threshold+tolerance {
		quarters = math.Round(rawPages * 4)
	} else {
		quarters = math.Ceil(rawPages*4 - tolerance)
	}
	if quarters < 1 {
		quarters = 1
	}
	return quarters / 4
}

// CeilTo5 rounds amount up to the next multiple of 5 currency units.
// The amount is settled to cents first so float noise cannot bump it a step.
func CeilTo5(amount float64) float64 {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return 0
	}
	return math.Ceil(Round2(amount)/5) * 5
}

// Round2 rounds half away from zero to 2 decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// PickTierMultiplier returns the highest tier multiplier across the union of
// requested and detected languages, uplifted once per extra language beyond
// the first according to the policy's extra-language mode.
func PickTierMultiplier(policy domain.PricingPolicy, requested, detected []string) float64 {
	langs := uniqueLanguages(requested, detected)

	maxMult := tierMultiplier(policy, domain.DefaultTierKey)
	for _, lang := range langs {
		tier, ok := policy.LanguageTierMap[lang]
		if !ok {
			tier = domain.DefaultTierKey
		}
		if mult := tierMultiplier(policy, tier); mult > maxMult {
			maxMult = mult
		}
	}

	extra := len(langs) - 1
	if extra <= 0 {
		return maxMult
	}
	return maxMult * ExtraLanguageFactor(policy.ExtraLanguageMode, policy.ExtraLanguagePct, extra)
}

// ExtraLanguageFactor is the uplift for extra languages beyond the first.
func ExtraLanguageFactor(mode domain.ExtraLanguageMode, pct float64, extra int) float64 {
	if extra <= 0 {
		return 1
	}
	if mode == domain.ExtraLanguageCompound {
		return math.Pow(1+pct, float64(extra))
	}
	return 1 + pct*float64(extra)
}

func tierMultiplier(policy domain.PricingPolicy, tier string) float64 {
	if mult, ok := policy.Tiers[tier]; ok {
		return mult
	}
	if mult, ok := policy.Tiers[domain.DefaultTierKey]; ok {
		return mult
	}
	return 1
}

func uniqueLanguages(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range lists {
		for _, raw := range list {
			lang := strings.TrimSpace(raw)
			if lang == "" {
				continue
			}
			if _, ok := seen[lang]; ok {
				continue
			}
			seen[lang] = struct{}{}
			out = append(out, lang)
		}
	}
	return out
}

// RushInput collects the arguments of RushMarkup.
type RushInput struct {
	Tier           string
	LaborRounded   float64
	CertFee        float64
	ShipFee        float64
	DocType        string
	CountryOfIssue string
}

// RushMarkup returns the subtotal after any rush markup and a description of
// the markup applied, nil when no rush applies.
func RushMarkup(policy domain.PricingPolicy, in RushInput) (float64, *domain.RushApplied) {
	baseSubtotal := in.LaborRounded + in.CertFee + in.ShipFee
	if in.Tier == "" {
		return baseSubtotal, nil
	}
	tier, ok := policy.Rush.Tier(in.Tier)
	if !ok || !tier.Enabled {
		return baseSubtotal, nil
	}

	percent := tier.Percent
	if pct, ok := tier.CountryOverrides[strings.TrimSpace(in.CountryOfIssue)]; ok && in.CountryOfIssue != "" {
		percent = pct
	}
	if pct, ok := tier.DocTypeOverrides[in.DocType]; ok && in.DocType != "" {
		percent = pct
	}

	applied := &domain.RushApplied{Tier: in.Tier, Percent: percent}

	base := baseSubtotal
	if tier.Basis == domain.RushBasisPreset {
		if preset, ok := presetBase(tier, in.DocType, in.CountryOfIssue); ok {
			base = preset
			applied.PresetBase = true
		}
	}
	if base < tier.MinSubtotal {
		base = tier.MinSubtotal
	}

	if tier.ApplyTo == domain.RushApplyLabor && !applied.PresetBase {
		labor := in.LaborRounded
		if floor := tier.MinSubtotal - in.CertFee - in.ShipFee; labor < floor {
			labor = floor
		}
		return Round2(labor*(1+percent) + in.CertFee + in.ShipFee), applied
	}
	return Round2(base * (1 + percent)), applied
}

func presetBase(tier domain.RushTier, docType, country string) (float64, bool) {
	if docType == "" || country == "" {
		return 0, false
	}
	for _, e := range tier.Eligibility {
		if e.DocType == docType && e.CountryOfIssue == country && e.PresetBase != nil {
			return *e.PresetBase, true
		}
	}
	return 0, false
}

// TaxRate resolves the rate for a billing region: HST table first, then the
// GST-only table, then the default GST. An empty region bills as AB.
func TaxRate(policy domain.PricingPolicy, region string) float64 {
	region = strings.TrimSpace(region)
	if region == "" {
		region = defaultRegion
	}
	if rate, ok := policy.Tax.HST[region]; ok {
		return rate
	}
	if rate, ok := policy.Tax.GSTOnly[region]; ok {
		return rate
	}
	return policy.Tax.DefaultGST
}

// Compute runs the full calculation for one quote.
func Compute(policy domain.PricingPolicy, facts domain.PricingFacts) domain.Breakdown {
	out := domain.Breakdown{
		Words:    facts.Words,
		Currency: policy.Currency,
	}

	out.RawPages = float64(facts.Words) / policy.PageWordDivisor
	out.Pages = QuarterPage(out.RawPages, policy.RoundingThreshold)

	out.BaseRate = baseRate(policy, facts.IntendedUse)
	out.LanguageMultiplier = PickTierMultiplier(policy, facts.RequestedLanguages, facts.DetectedLanguages)

	out.Complexity = facts.Complexity
	if !out.Complexity.Valid() {
		out.Complexity = domain.ComplexityEasy
	}
	out.ComplexityMultiplier = policy.Complexity.For(out.Complexity)

	out.Labor = out.Pages * out.BaseRate * out.LanguageMultiplier * out.ComplexityMultiplier
	out.LaborRounded = CeilTo5(out.Labor)

	out.CertType = facts.Certification
	if out.CertType == "" {
		out.CertType = "Standard"
	}
	out.CertFee = policy.Certifications[out.CertType]

	out.ShippingMethod = facts.Shipping
	if out.ShippingMethod == "" {
		out.ShippingMethod = "online"
	}
	out.ShippingFee = policy.Shipping[out.ShippingMethod]

	out.Subtotal, out.Rush = RushMarkup(policy, RushInput{
		Tier:           facts.RushTier,
		LaborRounded:   out.LaborRounded,
		CertFee:        out.CertFee,
		ShipFee:        out.ShippingFee,
		DocType:        facts.DocType,
		CountryOfIssue: facts.CountryOfIssue,
	})

	out.Region = strings.TrimSpace(facts.Region)
	if out.Region == "" {
		out.Region = defaultRegion
	}
	out.TaxRate = TaxRate(policy, out.Region)
	out.Tax = Round2(out.Subtotal * out.TaxRate)
	out.Total = Round2(out.Subtotal + out.Tax)
	return out
}

func baseRate(policy domain.PricingPolicy, intendedUse string) float64 {
	if rate, ok := policy.BaseRates[intendedUse]; ok {
		return rate
	}
	return policy.BaseRates[string(domain.UseGeneral)]
}
