// Package embedding defines the contract for the external embedding function
// and provides a deterministic local implementation for deployments without
// a model endpoint.
package embedding

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Embedder turns text into a fixed-length vector. The dimension is constant
// per deployment; stores reject mismatched vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// EmbedBatch embeds multiple texts concurrently, preserving input order.
// Returns nil for empty input.
func EmbedBatch(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the backend.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return err
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
