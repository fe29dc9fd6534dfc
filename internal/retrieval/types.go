// Package retrieval finds and ranks stored context for a query. Vector and
// graph retrievers query the tiered store directly; Hybrid fuses several
// retrievers' scores with configurable weights.
package retrieval

import (
	"context"
	"time"
)

// ContextQuery describes one retrieval request. It is passed by value and
// never mutated.
type ContextQuery struct {
	Query           string
	MaxResults      int
	Filters         map[string]string
	IncludeCode     bool
	IncludeMetadata bool
}

// ContextResult is one ranked retrieval hit. Score is 0..1, higher is
// better; distances are inverted at the driver boundary and never surface
// here. Results are immutable: re-scoring produces a new value.
type ContextResult struct {
	Text      string
	Score     float32
	Metadata  map[string]string
	SourceRef string
	CreatedAt time.Time
}

// Retriever returns ranked results for a query, best first.
type Retriever interface {
	Retrieve(ctx context.Context, q ContextQuery) ([]ContextResult, error)

	// Limit is the retriever's own result cap, before query.MaxResults.
	Limit() int
}

// ApplyFilters drops every result whose metadata mismatches any filter
// entry. Applying the same filters twice yields the same set.
func ApplyFilters(results []ContextResult, filters map[string]string) []ContextResult {
	if len(filters) == 0 {
		return results
	}
	filtered := make([]ContextResult, 0, len(results))
	for _, r := range results {
		if matchesFilters(r.Metadata, filters) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

func matchesFilters(meta, filters map[string]string) bool {
	for k, v := range filters {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// SortResults orders results by score descending; ties break on earliest
// CreatedAt, then SourceRef, so repeated calls are deterministic.
func SortResults(results []ContextResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && resultLess(results[j], results[j-1]); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func resultLess(a, b ContextResult) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.SourceRef < b.SourceRef
}

// Truncate caps results at n; n <= 0 leaves them untouched.
func Truncate(results []ContextResult, n int) []ContextResult {
	if n > 0 && len(results) > n {
		return results[:n]
	}
	return results
}
