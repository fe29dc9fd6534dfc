package chunking

import (
	"context"
	"math"

	"github.com/kalambet/ctxd/internal/embedding"
)

const defaultSimilarityThreshold = 0.45

// Semantic groups adjacent sentences while their pairwise embedding
// similarity stays above a threshold. If embedding fails the sentences are
// returned ungrouped rather than erroring; chunkers stay total.
type Semantic struct {
	embedder  embedding.Embedder
	threshold float64
}

// NewSemantic creates a semantic chunker. Threshold <= 0 uses the default.
func NewSemantic(e embedding.Embedder, threshold float64) *Semantic {
	if threshold <= 0 {
		threshold = defaultSimilarityThreshold
	}
	return &Semantic{embedder: e, threshold: threshold}
}

func (s *Semantic) Name() string { return "semantic" }

func (s *Semantic) Chunk(content string, kind Kind) ([]Chunk, error) {
	if content == "" {
		return nil, nil
	}

	sentences := splitSentences(content)
	if len(sentences) <= 1 {
		return partitionChunks(sentences), nil
	}

	vecs, err := embedding.EmbedBatch(context.Background(), s.embedder, sentences)
	if err != nil {
		// Degrade to per-sentence chunks; never drop content.
		return partitionChunks(sentences), nil
	}

	// Greedy adjacent grouping: extend the current group while the next
	// sentence stays similar to the previous one.
	var parts []string
	current := sentences[0]
	for i := 1; i < len(sentences); i++ {
		if cosineSimilarity(vecs[i-1], vecs[i]) >= s.threshold {
			current += sentences[i]
			continue
		}
		parts = append(parts, current)
		current = sentences[i]
	}
	parts = append(parts, current)

	return partitionChunks(parts), nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
