package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Reranker re-scores retrieved context results by query relevance. A
// reranker reorders results; it never adds or removes entries.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []ContextResult) ([]ContextResult, error)
}

// NoOpReranker passes results through unchanged.
type NoOpReranker struct{}

func (*NoOpReranker) Rerank(_ context.Context, _ string, results []ContextResult) ([]ContextResult, error) {
	return results, nil
}

// LexicalReranker reorders results by query-term overlap: results whose text
// shares more terms with the query move up. Retrieval scores break ties, so
// two results with equal overlap keep their fused order. If the timeout
// fires before scoring completes, the input order is returned unchanged.
type LexicalReranker struct {
	timeout time.Duration
}

// NewLexicalReranker creates a term-overlap reranker. A non-positive timeout
// disables the deadline.
func NewLexicalReranker(timeout time.Duration) *LexicalReranker {
	return &LexicalReranker{timeout: timeout}
}

func (r *LexicalReranker) Rerank(ctx context.Context, query string, results []ContextResult) ([]ContextResult, error) {
	if len(results) < 2 {
		return results, nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	terms := splitTerms(query)
	if len(terms) == 0 {
		return results, nil
	}

	type scored struct {
		result  ContextResult
		overlap float64
	}
	pairs := make([]scored, len(results))
	for i, res := range results {
		select {
		case <-ctx.Done():
			// Degrade to the order we were given.
			return results, nil
		default:
		}
		pairs[i] = scored{result: res, overlap: termOverlap(terms, res.Text)}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].overlap != pairs[j].overlap {
			return pairs[i].overlap > pairs[j].overlap
		}
		return pairs[i].result.Score > pairs[j].result.Score
	})
	reranked := make([]ContextResult, len(pairs))
	for i, p := range pairs {
		reranked[i] = p.result
	}
	return reranked, nil
}

// termOverlap is the fraction of query terms present in the text.
func termOverlap(terms map[string]struct{}, text string) float64 {
	found := 0
	textTerms := splitTerms(text)
	for t := range terms {
		if _, ok := textTerms[t]; ok {
			found++
		}
	}
	return float64(found) / float64(len(terms))
}

func splitTerms(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	terms := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		terms[f] = struct{}{}
	}
	return terms
}
