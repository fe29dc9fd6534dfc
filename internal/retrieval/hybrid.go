package retrieval

import (
	"context"
	"log/slog"
	"time"
)

// Weighted pairs a sub-retriever with its fusion weight.
type Weighted struct {
	Retriever Retriever
	Weight    float64
}

// Hybrid fans out to several sub-retrievers concurrently and fuses their
// scores: an item's fused score is the weighted sum over the retrievers
// that returned it (a missing retriever contributes zero). Ordering is
// deterministic for fixed sub-retriever outputs; ties break on earliest
// CreatedAt.
type Hybrid struct {
	subs     []Weighted
	reranker Reranker
	limit    int
	timeout  time.Duration
}

// HybridOption tweaks a Hybrid retriever.
type HybridOption func(*Hybrid)

// WithReranker attaches a reranker applied after fusion. A reranker may
// reorder results but never add or remove them.
func WithReranker(r Reranker) HybridOption {
	return func(h *Hybrid) { h.reranker = r }
}

// WithTimeout bounds the fan-out: sub-retrievers that miss the deadline are
// abandoned and the partial fusion is returned.
func WithTimeout(d time.Duration) HybridOption {
	return func(h *Hybrid) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHybrid creates a hybrid retriever over the given weighted
// sub-retrievers.
func NewHybrid(subs []Weighted, limit int, opts ...HybridOption) *Hybrid {
	h := &Hybrid{subs: subs, limit: limit}
	if h.limit <= 0 {
		h.limit = defaultRetrieverLimit
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hybrid) Limit() int { return h.limit }

type subResult struct {
	index   int
	results []ContextResult
}

func (h *Hybrid) Retrieve(ctx context.Context, q ContextQuery) ([]ContextResult, error) {
	if len(h.subs) == 0 {
		return nil, nil
	}

	fanCtx := ctx
	var cancel context.CancelFunc
	if h.timeout > 0 {
		fanCtx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	// Sub-retrievers get a raised limit so fusion has enough candidates
	// to re-rank before the final truncation.
	subQuery := q
	subQuery.MaxResults = h.raisedLimit(q)

	// Buffered so abandoned goroutines never block on send.
	resultCh := make(chan subResult, len(h.subs))
	for i, sub := range h.subs {
		go func(i int, sub Weighted) {
			results, err := sub.Retriever.Retrieve(fanCtx, subQuery)
			if err != nil {
				// One slow or failing retriever never fails the query.
				slog.Debug("hybrid sub-retriever failed", "index", i, "error", err)
				resultCh <- subResult{index: i}
				return
			}
			resultCh <- subResult{index: i, results: results}
		}(i, sub)
	}

	collected := make([][]ContextResult, len(h.subs))
	pending := len(h.subs)
collect:
	for pending > 0 {
		select {
		case r := <-resultCh:
			collected[r.index] = r.results
			pending--
		case <-fanCtx.Done():
			// Deadline: abandon whatever hasn't returned.
			break collect
		}
	}

	fused := h.fuse(collected)
	fused = ApplyFilters(fused, q.Filters)
	SortResults(fused)
	fused = Truncate(fused, h.limit)
	fused = Truncate(fused, q.MaxResults)

	if h.reranker != nil && len(fused) > 1 {
		reranked, err := h.reranker.Rerank(ctx, q.Query, fused)
		if err != nil {
			slog.Debug("reranker failed, keeping fused order", "error", err)
		} else if len(reranked) == len(fused) {
			fused = reranked
		}
	}
	return fused, nil
}

func (h *Hybrid) raisedLimit(q ContextQuery) int {
	raised := h.limit
	if q.MaxResults > 0 && q.MaxResults*2 > raised {
		raised = q.MaxResults * 2
	}
	return raised
}

// fuse computes the weighted-sum score per item across all returned result
// sets. The representative text and metadata come from the highest-scoring
// appearance.
func (h *Hybrid) fuse(collected [][]ContextResult) []ContextResult {
	type fusion struct {
		rep      ContextResult
		repScore float32
		score    float64
	}
	byID := make(map[string]*fusion)
	var order []string

	for i, results := range collected {
		weight := h.subs[i].Weight
		for _, r := range results {
			f, ok := byID[r.SourceRef]
			if !ok {
				f = &fusion{rep: r, repScore: r.Score}
				byID[r.SourceRef] = f
				order = append(order, r.SourceRef)
			} else if r.Score > f.repScore {
				f.rep = r
				f.repScore = r.Score
			}
			f.score += weight * float64(r.Score)
		}
	}

	fused := make([]ContextResult, 0, len(order))
	for _, id := range order {
		f := byID[id]
		out := f.rep
		out.Score = clampScore(float32(f.score))
		fused = append(fused, out)
	}
	return fused
}
