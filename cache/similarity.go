package cache

import "strings"

// similarity scores how well an entry's tags match the query hints. Each
// hint the entry shares earns that hint's weight.
func similarity(query SemanticHints, tags map[string]struct{}, w Weights) int {
	score := 0
	if v := normalizeTagValue(query.Category); v != "" {
		if _, ok := tags[TagCategory+v]; ok {
			score += w.Category
		}
	}
	if v := normalizeTagValue(query.Brand); v != "" {
		if _, ok := tags[TagBrand+v]; ok {
			score += w.Brand
		}
	}
	if v := normalizeTagValue(query.ItemType); v != "" {
		if _, ok := tags[TagType+v]; ok {
			score += w.ItemType
		}
	}
	return score
}

// HintsFromTags recovers semantic hints from category:, brand:, and type:
// tags.
func HintsFromTags(tags []string) SemanticHints {
	var h SemanticHints
	for _, t := range tags {
		t = normalizeTagValue(t)
		switch {
		case strings.HasPrefix(t, TagCategory):
			h.Category = strings.TrimPrefix(t, TagCategory)
		case strings.HasPrefix(t, TagBrand):
			h.Brand = strings.TrimPrefix(t, TagBrand)
		case strings.HasPrefix(t, TagType):
			h.ItemType = strings.TrimPrefix(t, TagType)
		}
	}
	return h
}
