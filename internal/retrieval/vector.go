package retrieval

import (
	"context"
	"fmt"

	"github.com/kalambet/ctxd/internal/embedding"
	"github.com/kalambet/ctxd/internal/store"
)

const defaultRetrieverLimit = 10

// Vector embeds the query and ranks items by vector similarity in the
// tiered store.
type Vector struct {
	embedder embedding.Embedder
	store    *store.TieredStore
	limit    int
}

// NewVector creates a vector retriever. Non-positive limit uses the default.
func NewVector(e embedding.Embedder, s *store.TieredStore, limit int) *Vector {
	if limit <= 0 {
		limit = defaultRetrieverLimit
	}
	return &Vector{embedder: e, store: s, limit: limit}
}

func (v *Vector) Limit() int { return v.limit }

func (v *Vector) Retrieve(ctx context.Context, q ContextQuery) ([]ContextResult, error) {
	vec, err := v.embedder.Embed(ctx, q.Query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	k := v.limit
	if q.MaxResults > 0 && q.MaxResults > k {
		k = q.MaxResults
	}

	scored, err := v.store.SearchVector(ctx, vec, k, false)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	results := make([]ContextResult, 0, len(scored))
	for _, s := range scored {
		results = append(results, resultFromScored(s, q))
	}

	results = ApplyFilters(results, q.Filters)
	return Truncate(results, q.MaxResults), nil
}

func resultFromScored(s store.Scored, q ContextQuery) ContextResult {
	r := ContextResult{
		Text:      s.Item.Content,
		Score:     s.Score,
		SourceRef: s.Item.ID,
		CreatedAt: s.Item.CreatedAt,
	}
	// Metadata always carries through for filtering; IncludeMetadata only
	// controls whether the wire layer echoes it to the caller.
	r.Metadata = s.Item.Metadata
	return r
}
