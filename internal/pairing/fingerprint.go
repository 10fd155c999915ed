package pairing

import (
	"strings"

	"home-control/internal/store"
)

// Fingerprint match scores. Exact manufacturer+model beats model-only beats
// manufacturer-only; ties break by model id ordering (candidates arrive
// sorted).
const (
	scoreNone         = 0
	scoreManufacturer = 1
	scoreModel        = 2
	scoreExact        = 3
)

func matchScore(c *store.CatalogModel, manufacturer, model string) int {
	mfMatch := c.ZigbeeManufacturer != "" && strings.EqualFold(c.ZigbeeManufacturer, manufacturer)
	moMatch := c.ZigbeeModel != "" && strings.EqualFold(c.ZigbeeModel, model)
	switch {
	case mfMatch && moMatch:
		return scoreExact
	case moMatch:
		return scoreModel
	case mfMatch:
		return scoreManufacturer
	default:
		return scoreNone
	}
}

// RankMatch picks the best catalog candidate for a reported fingerprint.
// Returns nil when nothing matches at all.
func RankMatch(candidates []store.CatalogModel, manufacturer, model string) *store.CatalogModel {
	var best *store.CatalogModel
	bestScore := scoreNone
	for i := range candidates {
		if s := matchScore(&candidates[i], manufacturer, model); s > bestScore {
			best = &candidates[i]
			bestScore = s
		}
	}
	return best
}
