package engine

import (
	"fmt"
	"strings"

	"keylane/internal/config"
	"keylane/internal/domain"
)

// baselineScore computes the deterministic additive score for a candidate and
// returns the matched-factor phrases used for the fallback explanation. Each
// factor contributes only when the need actually states the criterion and the
// listing satisfies it; a need that states nothing beyond jurisdiction scores
// zero and produces no match.
func baselineScore(w config.ScoringWeights, need domain.BuyerNeed, listing domain.Listing) (int, []string) {
	score := 0
	var factors []string

	if need.Locality != nil && strings.EqualFold(*need.Locality, listing.Locality) {
		score += w.Locality
		factors = append(factors, "in preferred locality")
	}
	if need.PostalCode != nil && *need.PostalCode == listing.PostalCode {
		score += w.PostalCode
		factors = append(factors, "matches postal code")
	}
	if priceWithinBudget(need, listing) {
		score += w.Price
		factors = append(factors, "within budget")
	}
	if need.BedsMin != nil && listing.Beds >= *need.BedsMin {
		score += w.Beds
		factors = append(factors, "enough bedrooms")
	}
	if need.BathsMin != nil && listing.Baths >= *need.BathsMin {
		score += w.Baths
		factors = append(factors, "enough bathrooms")
	}
	if need.PropertyType != nil && strings.EqualFold(*need.PropertyType, listing.PropertyType) {
		score += w.PropertyType
		factors = append(factors, "matches property type")
	}
	if n, total := featureOverlap(need.Features, listing.Features); total > 0 && n > 0 {
		score += w.Features * n / total
		factors = append(factors, fmt.Sprintf("has %d of %d requested features", n, total))
	}

	if score > 100 {
		score = 100
	}
	return score, factors
}

// priceWithinBudget holds when at least one price bound is stated and the
// listing price satisfies every stated bound.
func priceWithinBudget(need domain.BuyerNeed, listing domain.Listing) bool {
	if need.PriceMin == nil && need.PriceMax == nil {
		return false
	}
	if need.PriceMin != nil && listing.Price < *need.PriceMin {
		return false
	}
	if need.PriceMax != nil && listing.Price > *need.PriceMax {
		return false
	}
	return true
}

func featureOverlap(wanted, offered map[string]string) (matched, total int) {
	total = len(wanted)
	for key, want := range wanted {
		if have, ok := offered[key]; ok && strings.EqualFold(have, want) {
			matched++
		}
	}
	return matched, total
}

// fallbackExplanation synthesizes a deterministic explanation from the
// matched baseline factors when the external scorer is unavailable.
func fallbackExplanation(factors []string) string {
	if len(factors) == 0 {
		return ""
	}
	return "Matched: " + strings.Join(factors, ", ")
}
