package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/kalambet/ctxd/internal/driver"
	"github.com/kalambet/ctxd/internal/embedding"
)

const (
	defaultGraphSeeds = 3
	defaultGraphDepth = 2
	defaultGraphDecay = 0.5
)

// Graph retrieves relationship-aware context from the bulk driver: it seeds
// from the graph driver's vector index, then expands each seed's N-hop
// neighborhood, scoring neighbors by hop-distance decay.
type Graph struct {
	embedder embedding.Embedder
	graph    driver.GraphDriver
	limit    int
	seeds    int
	maxDepth int
	decay    float64
	relation string
}

// GraphOption tweaks a Graph retriever.
type GraphOption func(*Graph)

// WithGraphDepth sets the traversal depth.
func WithGraphDepth(depth int) GraphOption {
	return func(g *Graph) {
		if depth > 0 {
			g.maxDepth = depth
		}
	}
}

// WithGraphDecay sets the per-hop score decay factor (0..1).
func WithGraphDecay(decay float64) GraphOption {
	return func(g *Graph) {
		if decay > 0 && decay < 1 {
			g.decay = decay
		}
	}
}

// WithGraphRelation limits traversal to one relationship type.
func WithGraphRelation(relation string) GraphOption {
	return func(g *Graph) { g.relation = relation }
}

// NewGraph creates a graph retriever over the bulk driver.
func NewGraph(e embedding.Embedder, gd driver.GraphDriver, limit int, opts ...GraphOption) *Graph {
	g := &Graph{
		embedder: e,
		graph:    gd,
		limit:    limit,
		seeds:    defaultGraphSeeds,
		maxDepth: defaultGraphDepth,
		decay:    defaultGraphDecay,
	}
	if g.limit <= 0 {
		g.limit = defaultRetrieverLimit
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Graph) Limit() int { return g.limit }

func (g *Graph) Retrieve(ctx context.Context, q ContextQuery) ([]ContextResult, error) {
	vec, err := g.embedder.Embed(ctx, q.Query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	seeds, err := g.graph.VectorSearch(ctx, vec, g.seeds)
	if err != nil {
		return nil, fmt.Errorf("graph seed search: %w", err)
	}

	// Best score per id: a seed's own score, or seedScore * decay^hop for
	// neighbors reached from it.
	best := make(map[string]float32)
	for _, seed := range seeds {
		seedScore := clampScore(1 - seed.Distance)
		if seedScore > best[seed.ID] {
			best[seed.ID] = seedScore
		}

		rels, err := g.graph.Related(ctx, seed.ID, g.relation, g.maxDepth)
		if err != nil {
			return nil, fmt.Errorf("expanding neighborhood of %s: %w", seed.ID, err)
		}
		for _, rel := range rels {
			score := seedScore * float32(math.Pow(g.decay, float64(rel.Hop)))
			if score > best[rel.ID] {
				best[rel.ID] = score
			}
		}
	}

	results := make([]ContextResult, 0, len(best))
	for id, score := range best {
		rec, err := g.graph.Get(ctx, id)
		if errors.Is(err, driver.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", id, err)
		}
		results = append(results, ContextResult{
			Text:      rec.Payload.Content,
			Score:     score,
			Metadata:  rec.Payload.Metadata,
			SourceRef: rec.ID,
			CreatedAt: rec.Payload.CreatedAt,
		})
	}

	results = ApplyFilters(results, q.Filters)
	SortResults(results)
	results = Truncate(results, g.limit)
	return Truncate(results, q.MaxResults), nil
}

func clampScore(s float32) float32 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
