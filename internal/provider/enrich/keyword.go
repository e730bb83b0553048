package enrich

import (
	"context"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/shareloop/shareloop/internal/model"
)

// keywordFamilies maps a handling requirement to the tokens that imply it.
var keywordFamilies = map[string][]string{
	"refrigeration": {"refrigerat", "frozen", "chilled", "cold chain", "perishable", "dairy", "meat", "seafood"},
	"fragile":       {"fragile", "glass", "breakable", "eggs", "delicate"},
	"heavy":         {"heavy", "pallet", "bulk", "forklift"},
}

// riskKeywords raise the risk score when present in the listing text.
var riskKeywords = map[string]float64{
	"expired":     40,
	"damaged":     30,
	"opened":      25,
	"unlabeled":   20,
	"recall":      60,
	"near expiry": 15,
}

// Keyword is the rule-based enrichment fallback. It is deterministic, cheap,
// and never fails.
type Keyword struct{}

// Enrich scans title, description, and quality notes for keyword families.
func (Keyword) Enrich(_ context.Context, listing *model.SurplusListing) (Result, error) {
	text := strings.ToLower(listing.Title + " " + listing.Description + " " + listing.QualityNotes)

	// Maps are iterated in sorted key order so repeated runs over the same
	// text produce identical results.
	var reqs []string
	families := lo.Keys(keywordFamilies)
	sort.Strings(families)
	for _, family := range families {
		for _, tok := range keywordFamilies[family] {
			if strings.Contains(text, tok) {
				reqs = append(reqs, family)
				break
			}
		}
	}
	if listing.RequiresRefrigeration && !lo.Contains(reqs, "refrigeration") {
		reqs = append(reqs, "refrigeration")
	}

	var score float64
	var flags []string
	risks := lo.Keys(riskKeywords)
	sort.Strings(risks)
	for _, kw := range risks {
		if strings.Contains(text, kw) {
			score += riskKeywords[kw]
			flags = append(flags, kw)
		}
	}
	if score > 100 {
		score = 100
	}

	return Result{
		NormalizedCategory:   listing.Category,
		ExtractedCategories:  []model.Category{listing.Category},
		HandlingRequirements: lo.Uniq(reqs),
		RiskScore:            score,
		RiskFlags:            flags,
		Confidence:           0.4,
		Status:               StatusDegraded,
	}, nil
}
