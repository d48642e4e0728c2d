// Package policy resolves the effective pricing policy from stored, possibly
// partial documents layered over built-in defaults.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/core/ports"
)

// Ensure overlays partial onto a fresh copy of the defaults. Nested objects
// merge field by field and maps key by key; explicit nulls and values of the
// wrong type, map entries included, keep the default. Out-of-range scalars
// are reset afterwards.
func Ensure(partial domain.PartialPolicy) domain.PricingPolicy {
	out := domain.DefaultPolicy()
	if len(partial) == 0 {
		return out
	}

	conformed, ok := conform(stripNulls(map[string]any(partial)), policyType)
	if !ok {
		return out
	}
	cleaned := conformed.(map[string]any)
	raw, err := json.Marshal(cleaned)
	if err != nil {
		return out
	}
	// Slice elements decode over existing values, so replaced eligibility
	// lists must start empty.
	if rush, ok := cleaned["rush"].(map[string]any); ok {
		if tierHasEligibility(rush, domain.RushOneBusinessDay) {
			out.Rush.OneBusinessDay.Eligibility = nil
		}
		if tierHasEligibility(rush, domain.RushSameDay) {
			out.Rush.SameDay.Eligibility = nil
		}
	}
	_ = json.Unmarshal(raw, &out)

	sanitize(&out)
	return out
}

func stripNulls(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			if item == nil {
				continue
			}
			out[k] = stripNulls(item)
		}
		return out
	case []any:
		out := make([]any, 0, len(typed))
		for _, item := range typed {
			if item == nil {
				continue
			}
			out = append(out, stripNulls(item))
		}
		return out
	default:
		return v
	}
}

var policyType = reflect.TypeOf(domain.PricingPolicy{})

// conform drops every entry of v whose JSON type cannot decode into t, so a
// mistyped map value or pointer field keeps its default instead of decoding
// to a zero value. Keys unknown to t are kept; the decoder ignores them.
func conform(v any, t reflect.Type) (any, bool) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		out := make(map[string]any, len(m))
		for k, item := range m {
			field, found := fieldByJSONName(t, k)
			if !found {
				out[k] = item
				continue
			}
			if c, ok := conform(item, field.Type); ok {
				out[k] = c
			}
		}
		return out, true
	case reflect.Map:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		out := make(map[string]any, len(m))
		for k, item := range m {
			if c, ok := conform(item, t.Elem()); ok {
				out[k] = c
			}
		}
		return out, true
	case reflect.Slice:
		items, ok := v.([]any)
		if !ok {
			return nil, false
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			if c, ok := conform(item, t.Elem()); ok {
				out = append(out, c)
			}
		}
		return out, true
	case reflect.Float32, reflect.Float64,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v, isNumber(v)
	case reflect.String:
		_, ok := v.(string)
		return v, ok
	case reflect.Bool:
		_, ok := v.(bool)
		return v, ok
	}
	return v, true
}

func isNumber(v any) bool {
	if _, ok := v.(json.Number); ok {
		return true
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// fieldByJSONName matches keys the way encoding/json does: exact tag first,
// then case-insensitively.
func fieldByJSONName(t reflect.Type, key string) (reflect.StructField, bool) {
	var fold *reflect.StructField
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" {
			name = f.Name
		}
		if name == key {
			return f, true
		}
		if fold == nil && strings.EqualFold(name, key) {
			fold = &f
		}
	}
	if fold != nil {
		return *fold, true
	}
	return reflect.StructField{}, false
}

func tierHasEligibility(rush map[string]any, tier string) bool {
	t, ok := rush[tier].(map[string]any)
	if !ok {
		return false
	}
	_, ok = t["eligibility"]
	return ok
}

func sanitize(p *domain.PricingPolicy) {
	def := domain.DefaultPolicy()

	if p.Currency == "" {
		p.Currency = def.Currency
	}
	if !positive(p.PageWordDivisor) {
		p.PageWordDivisor = def.PageWordDivisor
	}
	if !finite(p.RoundingThreshold) || p.RoundingThreshold < 0 || p.RoundingThreshold > 1 {
		p.RoundingThreshold = def.RoundingThreshold
	}
	if !finite(p.ExtraLanguagePct) || p.ExtraLanguagePct < 0 {
		p.ExtraLanguagePct = def.ExtraLanguagePct
	}
	switch p.ExtraLanguageMode {
	case domain.ExtraLanguageLinear, domain.ExtraLanguageCompound:
	default:
		p.ExtraLanguageMode = def.ExtraLanguageMode
	}

	sanitizeRates(p.BaseRates, def.BaseRates)
	sanitizeRates(p.Tiers, def.Tiers)
	sanitizeRates(p.Certifications, def.Certifications)
	sanitizeRates(p.Shipping, def.Shipping)
	sanitizeRates(p.Tax.HST, def.Tax.HST)
	sanitizeRates(p.Tax.GSTOnly, def.Tax.GSTOnly)
	if !finite(p.Tax.DefaultGST) || p.Tax.DefaultGST < 0 {
		p.Tax.DefaultGST = def.Tax.DefaultGST
	}
	if _, ok := p.Tiers[domain.DefaultTierKey]; !ok {
		p.Tiers[domain.DefaultTierKey] = def.Tiers[domain.DefaultTierKey]
	}
	if _, ok := p.BaseRates[string(domain.UseGeneral)]; !ok {
		p.BaseRates[string(domain.UseGeneral)] = def.BaseRates[string(domain.UseGeneral)]
	}

	if !positive(p.Complexity.Easy) {
		p.Complexity.Easy = def.Complexity.Easy
	}
	if !positive(p.Complexity.Medium) {
		p.Complexity.Medium = def.Complexity.Medium
	}
	if !positive(p.Complexity.Hard) {
		p.Complexity.Hard = def.Complexity.Hard
	}

	sanitizeTier(&p.Rush.OneBusinessDay, def.Rush.OneBusinessDay)
	sanitizeTier(&p.Rush.SameDay, def.Rush.SameDay)
}

// sanitizeRates restores defaults for negative or non-finite entries and
// drops such entries when no default exists.
func sanitizeRates(m, def map[string]float64) {
	for k, v := range m {
		if finite(v) && v >= 0 {
			continue
		}
		if d, ok := def[k]; ok {
			m[k] = d
		} else {
			delete(m, k)
		}
	}
}

func sanitizeTier(t *domain.RushTier, def domain.RushTier) {
	if !finite(t.Percent) || t.Percent < 0 {
		t.Percent = def.Percent
	}
	switch t.Basis {
	case domain.RushBasisCalculated, domain.RushBasisPreset:
	default:
		t.Basis = def.Basis
	}
	switch t.ApplyTo {
	case domain.RushApplySubtotal, domain.RushApplyLabor:
	default:
		t.ApplyTo = domain.RushApplySubtotal
	}
	if !finite(t.MinSubtotal) || t.MinSubtotal < 0 {
		t.MinSubtotal = 0
	}
	if t.DocTypeOverrides == nil {
		t.DocTypeOverrides = map[string]float64{}
	}
	if t.CountryOverrides == nil {
		t.CountryOverrides = map[string]float64{}
	}
	sanitizeRates(t.DocTypeOverrides, nil)
	sanitizeRates(t.CountryOverrides, nil)

	kept := t.Eligibility[:0]
	for _, e := range t.Eligibility {
		if e.PresetBase != nil && (!finite(*e.PresetBase) || *e.PresetBase < 0) {
			continue
		}
		kept = append(kept, e)
	}
	t.Eligibility = kept
}

func positive(v float64) bool { return finite(v) && v > 0 }

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Provider loads the policy from an ordered list of sources. Later sources
// override earlier ones key by key.
type Provider struct {
	sources []ports.PolicySource
}

func NewProvider(sources ...ports.PolicySource) *Provider {
	filtered := make([]ports.PolicySource, 0, len(sources))
	for _, src := range sources {
		if src != nil {
			filtered = append(filtered, src)
		}
	}
	return &Provider{sources: filtered}
}

// Load returns the effective policy. A failing source is an error rather
// than a silent fall back to defaults.
func (p *Provider) Load(ctx context.Context) (domain.PricingPolicy, error) {
	merged := map[string]any{}
	for i, src := range p.sources {
		partial, err := src.LoadPolicy(ctx)
		if err != nil {
			return domain.PricingPolicy{}, fmt.Errorf("load policy source %d: %w", i, err)
		}
		mergeInto(merged, map[string]any(partial))
	}
	return Ensure(domain.PartialPolicy(merged)), nil
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeInto(dstMap, srcMap)
			continue
		}
		if srcIsMap {
			copied := map[string]any{}
			mergeInto(copied, srcMap)
			dst[k] = copied
			continue
		}
		dst[k] = v
	}
}
