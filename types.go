package main

import "time"

// Post represents a single item extracted from a digest, classified once it
// has been through the classifier
type Post struct {
	ID          string    `json:"id"`
	Author      string    `json:"author"`
	Handle      string    `json:"handle"`
	Content     string    `json:"content"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"publishedAt"`
	Category    Category  `json:"category,omitempty"`
}

// Cache is the persisted history snapshot
type Cache struct {
	UpdatedAt time.Time `json:"updatedAt"`
	Posts     []Post    `json:"posts"`
}

// IDs returns the set of post ids held by the cache
func (c *Cache) IDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(c.Posts))
	for _, p := range c.Posts {
		ids[p.ID] = struct{}{}
	}
	return ids
}

// Digest is one fetched document bundling several posts
type Digest struct {
	Title       string
	RawHTML     string
	PublishedAt time.Time
	Source      string
	// Undated is set when the source gave no date and PublishedAt is the
	// fetch time
	Undated bool
}

// BatchOutcome describes how a single classifier call went
type BatchOutcome struct {
	Failed    bool
	Defaulted int
}

// RunReport summarizes a single pipeline run
type RunReport struct {
	RunID          string
	Fetched        int
	Accepted       int
	Extracted      int
	New            int
	Classified     int
	FailedBatches  int
	Defaulted      int
	Total          int
	ShortCircuited bool
	Distribution   map[Category]int
}
