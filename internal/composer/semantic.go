package composer

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/kalambet/ctxd/internal/embedding"
	"github.com/kalambet/ctxd/internal/retrieval"
)

const defaultClusterThreshold = 0.6

// Semantic clusters results by embedding similarity and renders one section
// per cluster. Clusters are ordered by their best-scoring member; members
// keep their input order. If embedding fails, composition degrades to the
// sequential layout rather than erroring.
type Semantic struct {
	embedder  embedding.Embedder
	threshold float32
	fallback  *Sequential
}

// NewSemantic creates a semantic composer. A non-positive threshold uses the
// default.
func NewSemantic(e embedding.Embedder, threshold float32) *Semantic {
	if threshold <= 0 {
		threshold = defaultClusterThreshold
	}
	return &Semantic{embedder: e, threshold: threshold, fallback: NewSequential()}
}

func (c *Semantic) Compose(results []retrieval.ContextResult) (string, error) {
	if len(results) == 0 {
		return "", nil
	}

	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	vectors, err := embedding.EmbedBatch(context.Background(), c.embedder, texts)
	if err != nil {
		slog.Debug("semantic compose degrading to sequential", "error", err)
		return c.fallback.Compose(results)
	}

	clusters := c.cluster(results, vectors)

	// Order clusters by best member score, ties by first appearance.
	sort.SliceStable(clusters, func(i, j int) bool {
		return bestScore(clusters[i]) > bestScore(clusters[j])
	})

	sections := make([]string, 0, len(clusters))
	for _, cl := range clusters {
		var sb strings.Builder
		for i, r := range cl {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(formatResult(r, false))
		}
		sections = append(sections, sb.String())
	}
	return strings.Join(sections, "\n\n===\n\n"), nil
}

// cluster greedily assigns each result to the first cluster whose anchor is
// similar enough, otherwise starts a new one.
func (c *Semantic) cluster(results []retrieval.ContextResult, vectors [][]float32) [][]retrieval.ContextResult {
	var clusters [][]retrieval.ContextResult
	var anchors [][]float32
	for i, r := range results {
		placed := false
		for j, anchor := range anchors {
			if cosineSimilarity(vectors[i], anchor) >= c.threshold {
				clusters[j] = append(clusters[j], r)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, []retrieval.ContextResult{r})
			anchors = append(anchors, vectors[i])
		}
	}
	return clusters
}

func bestScore(cluster []retrieval.ContextResult) float32 {
	var best float32
	for _, r := range cluster {
		if r.Score > best {
			best = r.Score
		}
	}
	return best
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
