// Package engine orchestrates chunking, storage, retrieval, and composition
// behind named strategy registries. Handlers talk to the engine; the engine
// talks to everything else.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/kalambet/ctxd/internal/chunking"
	"github.com/kalambet/ctxd/internal/composer"
	"github.com/kalambet/ctxd/internal/embedding"
	"github.com/kalambet/ctxd/internal/retrieval"
	"github.com/kalambet/ctxd/internal/store"
	"github.com/kalambet/ctxd/internal/tasks"
)

// ErrUnknownStrategy marks a lookup of an unregistered chunker, retriever,
// or composer. There is no silent fallback.
var ErrUnknownStrategy = errors.New("unknown strategy")

// DefaultChunker is used by StoreContext when the request names none.
const DefaultChunker = "sentence"

// Engine wires the strategy registries to the tiered store and the task
// manager. Registration is safe for concurrent use; last write wins.
type Engine struct {
	store    *store.TieredStore
	embedder embedding.Embedder
	manager  *tasks.Manager
	logger   *slog.Logger

	mu             sync.RWMutex
	defaultChunker string
	chunkers       map[string]chunking.Chunker
	retrievers     map[string]retrieval.Retriever
	composers      map[string]composer.Composer
}

// New creates an engine with empty registries.
func New(s *store.TieredStore, e embedding.Embedder, m *tasks.Manager) *Engine {
	return &Engine{
		store:          s,
		embedder:       e,
		manager:        m,
		logger:         slog.Default(),
		defaultChunker: DefaultChunker,
		chunkers:       make(map[string]chunking.Chunker),
		retrievers:     make(map[string]retrieval.Retriever),
		composers:      make(map[string]composer.Composer),
	}
}

// SetDefaultChunker changes the chunker StoreContext falls back to when a
// request names none. Empty names are ignored.
func (e *Engine) SetDefaultChunker(name string) {
	if name == "" {
		return
	}
	e.mu.Lock()
	e.defaultChunker = name
	e.mu.Unlock()
}

// Store exposes the underlying tiered store for direct item operations.
func (e *Engine) Store() *store.TieredStore { return e.store }

// Tasks exposes the task manager for status lookups.
func (e *Engine) Tasks() *tasks.Manager { return e.manager }

// --- registries ---

func (e *Engine) RegisterChunker(name string, c chunking.Chunker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chunkers[name] = c
}

// UnregisterChunker removes a chunker; unknown names are a no-op.
func (e *Engine) UnregisterChunker(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.chunkers, name)
}

func (e *Engine) RegisterRetriever(name string, r retrieval.Retriever) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retrievers[name] = r
}

func (e *Engine) UnregisterRetriever(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.retrievers, name)
}

func (e *Engine) RegisterComposer(name string, c composer.Composer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.composers[name] = c
}

func (e *Engine) UnregisterComposer(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.composers, name)
}

// --- operations ---

// ChunkText splits content with the named chunker.
func (e *Engine) ChunkText(name, content string, kind chunking.Kind) ([]chunking.Chunk, error) {
	e.mu.RLock()
	c, ok := e.chunkers[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: chunker %q", ErrUnknownStrategy, name)
	}
	return c.Chunk(content, kind)
}

// RetrieveContext runs the named retriever, or, when name is empty, pools
// every registered retriever: results are merged keeping the best score per
// source and re-sorted. Pooling tolerates individual retriever failures as
// long as at least one succeeds.
func (e *Engine) RetrieveContext(ctx context.Context, q retrieval.ContextQuery, name string) ([]retrieval.ContextResult, error) {
	if name != "" {
		e.mu.RLock()
		r, ok := e.retrievers[name]
		e.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: retriever %q", ErrUnknownStrategy, name)
		}
		return r.Retrieve(ctx, q)
	}

	e.mu.RLock()
	pool := make(map[string]retrieval.Retriever, len(e.retrievers))
	for n, r := range e.retrievers {
		pool[n] = r
	}
	e.mu.RUnlock()
	if len(pool) == 0 {
		return nil, fmt.Errorf("%w: no retrievers registered", ErrUnknownStrategy)
	}

	best := make(map[string]retrieval.ContextResult)
	succeeded := 0
	var lastErr error
	for n, r := range pool {
		results, err := r.Retrieve(ctx, q)
		if err != nil {
			e.logger.Warn("pooled retriever failed", "retriever", n, "error", err)
			lastErr = err
			continue
		}
		succeeded++
		for _, res := range results {
			if prev, ok := best[res.SourceRef]; !ok || res.Score > prev.Score {
				best[res.SourceRef] = res
			}
		}
	}
	if succeeded == 0 {
		return nil, fmt.Errorf("all retrievers failed: %w", lastErr)
	}

	merged := make([]retrieval.ContextResult, 0, len(best))
	for _, res := range best {
		merged = append(merged, res)
	}
	retrieval.SortResults(merged)
	return retrieval.Truncate(merged, q.MaxResults), nil
}

// ComposeContext renders results with the named composer.
func (e *Engine) ComposeContext(name string, results []retrieval.ContextResult) (string, error) {
	e.mu.RLock()
	c, ok := e.composers[name]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: composer %q", ErrUnknownStrategy, name)
	}
	return c.Compose(results)
}

// StoreRequest is the input to the async store pipeline.
type StoreRequest struct {
	Content  string
	Metadata map[string]string
	Tier     string
	Chunker  string
	Kind     chunking.Kind
}

// StoreResult is the terminal result of a store task.
type StoreResult struct {
	ItemIDs []string `json:"item_ids"`
	Chunks  int      `json:"chunks"`
}

// StoreContext validates the request synchronously, then hands the chunking,
// embedding, and persistence work to the task manager and returns the task
// id immediately. Malformed input never reaches the queue.
func (e *Engine) StoreContext(_ context.Context, req StoreRequest) (string, error) {
	if req.Content == "" {
		return "", &store.ValidationError{Reason: "content must not be empty"}
	}
	tier, err := store.ParseTier(req.Tier)
	if err != nil {
		return "", err
	}

	e.mu.RLock()
	chunkerName := req.Chunker
	if chunkerName == "" {
		chunkerName = e.defaultChunker
	}
	chunker, ok := e.chunkers[chunkerName]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: chunker %q", ErrUnknownStrategy, chunkerName)
	}

	taskID := e.manager.Submit(func(ctx context.Context) (any, error) {
		return e.runStore(ctx, req, chunker, tier)
	})
	return taskID, nil
}

// runStore is the store task payload: chunk, embed, persist, link.
func (e *Engine) runStore(ctx context.Context, req StoreRequest, chunker chunking.Chunker, tier store.Tier) (StoreResult, error) {
	chunks, err := chunker.Chunk(req.Content, req.Kind)
	if err != nil {
		return StoreResult{}, fmt.Errorf("chunking: %w", err)
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vectors, err := embedding.EmbedBatch(ctx, e.embedder, texts)
	if err != nil {
		return StoreResult{}, fmt.Errorf("embedding chunks: %w", err)
	}

	ids := make([]string, 0, len(chunks))
	for i, ch := range chunks {
		if ctx.Err() != nil {
			return StoreResult{}, ctx.Err()
		}
		meta := make(map[string]string, len(req.Metadata)+len(ch.Metadata)+2)
		for k, v := range req.Metadata {
			meta[k] = v
		}
		// Chunker-set tags, like the code chunker's fallback marker, ride
		// along on the stored item.
		for k, v := range ch.Metadata {
			meta[k] = v
		}
		meta["chunk_index"] = strconv.Itoa(ch.Index)
		if len(chunks) > 1 {
			meta["chunk_count"] = strconv.Itoa(len(chunks))
		}

		id, err := e.store.Store(ctx, store.Item{
			Content:   ch.Content,
			Embedding: vectors[i],
			Metadata:  meta,
			Tier:      tier,
		})
		if err != nil {
			return StoreResult{}, fmt.Errorf("storing chunk %d: %w", ch.Index, err)
		}
		ids = append(ids, id)
	}

	// Adjacent chunks of one document are linked so graph retrieval can
	// surface neighboring context.
	for i := 1; i < len(ids); i++ {
		if err := e.store.Link(ctx, ids[i-1], ids[i], "follows", nil); err != nil {
			e.logger.Warn("linking chunks failed", "from", ids[i-1], "to", ids[i], "error", err)
		}
	}

	return StoreResult{ItemIDs: ids, Chunks: len(chunks)}, nil
}
