package main

import (
	"strings"
)

// Category is one of the fixed topical labels a post can carry
type Category string

const (
	CategoryAI    Category = "ai"
	CategoryTech  Category = "tech"
	CategoryOther Category = "other"
)

// DefaultCategory is the catch-all used whenever classification is unavailable
// or inconclusive
const DefaultCategory = CategoryOther

// Categories lists every category in rendering order
var Categories = []Category{CategoryAI, CategoryTech, CategoryOther}

var categoryTitles = map[Category]string{
	CategoryAI:    "AI",
	CategoryTech:  "Tech",
	CategoryOther: "Other",
}

var categoryHints = map[Category]string{
	CategoryAI:    "artificial intelligence, machine learning, LLMs, AI products and research",
	CategoryTech:  "software engineering, programming, startups, hardware and the tech industry",
	CategoryOther: "anything else (politics, personal updates, jokes, news not about tech)",
}

// Title returns the human readable name of the category
func (c Category) Title() string {
	if t, ok := categoryTitles[c]; ok {
		return t
	}
	return string(c)
}

// Valid reports whether c belongs to the fixed enumeration
func (c Category) Valid() bool {
	_, ok := categoryTitles[c]
	return ok
}

// parseCategory maps a free-text label onto the enumeration
func parseCategory(label string) (Category, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	label = strings.Trim(label, "`'\"*.,;:!()[] ")

	c := Category(label)
	if c.Valid() {
		return c, true
	}

	// Accept display titles as well ("AI", "Tech")
	for cat, title := range categoryTitles {
		if strings.EqualFold(label, title) {
			return cat, true
		}
	}

	return DefaultCategory, false
}

// countByCategory returns the category distribution of the given posts
func countByCategory(posts []Post) map[Category]int {
	counts := make(map[Category]int, len(Categories))
	for _, p := range posts {
		cat := p.Category
		if !cat.Valid() {
			cat = DefaultCategory
		}
		counts[cat]++
	}
	return counts
}
