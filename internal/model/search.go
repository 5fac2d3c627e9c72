package model

import "time"

// SearchResult is one finding for a query.
type SearchResult struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Snippet   string  `json:"snippet"`
	Relevance float64 `json:"relevance,omitempty"`
}

// SearchResults holds everything found for a single query. A query that failed
// or found nothing has an empty Results slice and a fresh Timestamp.
type SearchResults struct {
	Timestamp time.Time      `json:"timestamp"`
	Query     string         `json:"query"`
	Results   []SearchResult `json:"results"`
}

// Empty reports whether the query produced no findings.
func (s SearchResults) Empty() bool {
	return len(s.Results) == 0
}
