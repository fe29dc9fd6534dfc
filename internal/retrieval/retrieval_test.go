package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/ctxd/internal/driver"
	"github.com/kalambet/ctxd/internal/store"
)

// --- stubs ---

// fixedEmbedder maps each known text to a fixed vector.
type fixedEmbedder struct {
	vectors map[string][]float32
	dims    int
}

func (f *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no vector for %q", text)
}

func (f *fixedEmbedder) Dimensions() int { return f.dims }

type stubRetriever struct {
	results []ContextResult
	err     error
	delay   time.Duration
	limit   int
}

func (s *stubRetriever) Retrieve(ctx context.Context, _ ContextQuery) ([]ContextResult, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func (s *stubRetriever) Limit() int {
	if s.limit > 0 {
		return s.limit
	}
	return defaultRetrieverLimit
}

func result(id string, score float32, created time.Time) ContextResult {
	return ContextResult{Text: "text " + id, Score: score, SourceRef: id, CreatedAt: created}
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// --- sorting and filtering ---

func TestSortResultsTieBreaks(t *testing.T) {
	results := []ContextResult{
		result("c", 0.5, baseTime.Add(2*time.Hour)),
		result("b", 0.5, baseTime),
		result("a", 0.9, baseTime.Add(time.Hour)),
		result("d", 0.5, baseTime),
	}
	SortResults(results)

	want := []string{"a", "b", "d", "c"}
	for i, id := range want {
		if results[i].SourceRef != id {
			t.Fatalf("position %d: got %s, want %s", i, results[i].SourceRef, id)
		}
	}
}

func TestApplyFiltersIdempotent(t *testing.T) {
	results := []ContextResult{
		{SourceRef: "a", Metadata: map[string]string{"lang": "go", "kind": "func"}},
		{SourceRef: "b", Metadata: map[string]string{"lang": "python"}},
		{SourceRef: "c", Metadata: map[string]string{"lang": "go"}},
	}
	filters := map[string]string{"lang": "go"}

	once := ApplyFilters(results, filters)
	twice := ApplyFilters(once, filters)

	if len(once) != 2 {
		t.Fatalf("expected 2 results, got %d", len(once))
	}
	if len(twice) != len(once) {
		t.Fatalf("second application changed the set: %d vs %d", len(twice), len(once))
	}
	for i := range once {
		if once[i].SourceRef != twice[i].SourceRef {
			t.Fatalf("second application reordered results")
		}
	}
}

// --- vector retriever ---

func newTestStore(t *testing.T) *store.TieredStore {
	t.Helper()
	return store.NewTiered(driver.NewMemory(), driver.NewMemory(), store.Options{Dimensions: 3})
}

func storeItem(t *testing.T, s *store.TieredStore, content string, vec []float32, meta map[string]string) string {
	t.Helper()
	id, err := s.Store(context.Background(), store.Item{
		Content:   content,
		Embedding: vec,
		Metadata:  meta,
	})
	if err != nil {
		t.Fatalf("store %q: %v", content, err)
	}
	return id
}

func TestVectorRetrieverRanksByDistance(t *testing.T) {
	s := newTestStore(t)
	near := storeItem(t, s, "near", []float32{1, 0, 0}, nil)
	mid := storeItem(t, s, "mid", []float32{1, 1, 0}, nil)
	far := storeItem(t, s, "far", []float32{0, 0, 1}, nil)

	emb := &fixedEmbedder{dims: 3, vectors: map[string][]float32{"query": {1, 0, 0}}}
	r := NewVector(emb, s, 10)

	results, err := r.Retrieve(context.Background(), ContextQuery{Query: "query", MaxResults: 3})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, want := range []string{near, mid, far} {
		if results[i].SourceRef != want {
			t.Fatalf("position %d: got %s, want %s", i, results[i].SourceRef, want)
		}
	}
	if results[0].Score < results[1].Score || results[1].Score < results[2].Score {
		t.Fatalf("scores not descending: %v %v %v", results[0].Score, results[1].Score, results[2].Score)
	}
}

func TestVectorRetrieverFiltersAndTruncates(t *testing.T) {
	s := newTestStore(t)
	goID := storeItem(t, s, "go chunk", []float32{1, 0, 0}, map[string]string{"lang": "go"})
	storeItem(t, s, "python chunk", []float32{1, 0.1, 0}, map[string]string{"lang": "python"})
	storeItem(t, s, "another go chunk", []float32{0.9, 0, 0.1}, map[string]string{"lang": "go"})

	emb := &fixedEmbedder{dims: 3, vectors: map[string][]float32{"query": {1, 0, 0}}}
	r := NewVector(emb, s, 10)

	results, err := r.Retrieve(context.Background(), ContextQuery{
		Query:      "query",
		MaxResults: 1,
		Filters:    map[string]string{"lang": "go"},
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].SourceRef != goID {
		t.Fatalf("expected best go chunk %s, got %s", goID, results[0].SourceRef)
	}
}

func TestVectorRetrieverEmbedError(t *testing.T) {
	s := newTestStore(t)
	r := NewVector(&fixedEmbedder{dims: 3}, s, 10)

	if _, err := r.Retrieve(context.Background(), ContextQuery{Query: "unknown"}); err == nil {
		t.Fatal("expected error when query embedding fails")
	}
}

// --- graph retriever ---

func TestGraphRetrieverExpandsNeighborhood(t *testing.T) {
	ctx := context.Background()
	g := driver.NewMemory()

	put := func(id string, vec []float32) {
		t.Helper()
		err := g.Put(ctx, driver.Record{
			ID:     id,
			Vector: vec,
			Payload: driver.Payload{
				Content:   "content " + id,
				CreatedAt: baseTime,
			},
		})
		if err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	put("seed", []float32{1, 0, 0})
	put("hop1", []float32{0, 1, 0})
	put("hop2", []float32{0, 0, 1})
	if err := g.CreateRelationship(ctx, "seed", "hop1", "references", nil); err != nil {
		t.Fatalf("relate: %v", err)
	}
	if err := g.CreateRelationship(ctx, "hop1", "hop2", "references", nil); err != nil {
		t.Fatalf("relate: %v", err)
	}

	emb := &fixedEmbedder{dims: 3, vectors: map[string][]float32{"query": {1, 0, 0}}}
	r := NewGraph(emb, g, 10)

	results, err := r.Retrieve(ctx, ContextQuery{Query: "query", MaxResults: 10})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	scores := make(map[string]float32, len(results))
	for _, res := range results {
		scores[res.SourceRef] = res.Score
	}
	seedScore, ok := scores["seed"]
	if !ok {
		t.Fatal("seed missing from results")
	}
	if seedScore < 0.99 {
		t.Fatalf("seed score %v, want ~1.0", seedScore)
	}
	if got := scores["hop1"]; got < seedScore*0.49 || got > seedScore*0.51 {
		t.Fatalf("hop1 score %v, want ~%v", got, seedScore*0.5)
	}
	if got := scores["hop2"]; got < seedScore*0.24 || got > seedScore*0.26 {
		t.Fatalf("hop2 score %v, want ~%v", got, seedScore*0.25)
	}
	if results[0].SourceRef != "seed" {
		t.Fatalf("expected seed first, got %s", results[0].SourceRef)
	}
}

func TestGraphRetrieverDepthLimit(t *testing.T) {
	ctx := context.Background()
	g := driver.NewMemory()
	for _, id := range []string{"a", "b", "c"} {
		vec := []float32{0, 1, 0}
		if id == "a" {
			vec = []float32{1, 0, 0}
		}
		err := g.Put(ctx, driver.Record{ID: id, Vector: vec, Payload: driver.Payload{Content: id, CreatedAt: baseTime}})
		if err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	if err := g.CreateRelationship(ctx, "a", "b", "references", nil); err != nil {
		t.Fatalf("relate: %v", err)
	}
	if err := g.CreateRelationship(ctx, "b", "c", "references", nil); err != nil {
		t.Fatalf("relate: %v", err)
	}

	emb := &fixedEmbedder{dims: 3, vectors: map[string][]float32{"query": {1, 0, 0}}}
	r := NewGraph(emb, g, 10, WithGraphDepth(1))

	results, err := r.Retrieve(ctx, ContextQuery{Query: "query", MaxResults: 10})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	for _, res := range results {
		if res.SourceRef == "c" {
			t.Fatal("depth 1 traversal reached a 2-hop neighbor")
		}
	}
}

// --- hybrid fusion ---

func TestHybridWeightedFusion(t *testing.T) {
	vecSub := &stubRetriever{results: []ContextResult{
		result("shared", 0.8, baseTime),
		result("vec-only", 0.6, baseTime),
	}}
	graphSub := &stubRetriever{results: []ContextResult{
		result("shared", 0.4, baseTime),
		result("graph-only", 0.9, baseTime),
	}}

	h := NewHybrid([]Weighted{
		{Retriever: vecSub, Weight: 0.7},
		{Retriever: graphSub, Weight: 0.3},
	}, 10)

	results, err := h.Retrieve(context.Background(), ContextQuery{Query: "q", MaxResults: 10})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	scores := make(map[string]float32, len(results))
	for _, r := range results {
		scores[r.SourceRef] = r.Score
	}
	// shared: 0.7*0.8 + 0.3*0.4 = 0.68
	// vec-only: 0.7*0.6 = 0.42 (graph contributes 0)
	// graph-only: 0.3*0.9 = 0.27
	approx := func(id string, want float32) {
		t.Helper()
		got, ok := scores[id]
		if !ok {
			t.Fatalf("%s missing from fusion", id)
		}
		if diff := got - want; diff > 0.001 || diff < -0.001 {
			t.Fatalf("%s: score %v, want %v", id, got, want)
		}
	}
	approx("shared", 0.68)
	approx("vec-only", 0.42)
	approx("graph-only", 0.27)

	for i, want := range []string{"shared", "vec-only", "graph-only"} {
		if results[i].SourceRef != want {
			t.Fatalf("position %d: got %s, want %s", i, results[i].SourceRef, want)
		}
	}
}

func TestHybridDeterministic(t *testing.T) {
	subs := []Weighted{
		{Retriever: &stubRetriever{results: []ContextResult{
			result("a", 0.5, baseTime), result("b", 0.5, baseTime),
		}}, Weight: 0.5},
		{Retriever: &stubRetriever{results: []ContextResult{
			result("b", 0.5, baseTime), result("c", 0.5, baseTime),
		}}, Weight: 0.5},
	}
	h := NewHybrid(subs, 10)

	first, err := h.Retrieve(context.Background(), ContextQuery{Query: "q", MaxResults: 10})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := h.Retrieve(context.Background(), ContextQuery{Query: "q", MaxResults: 10})
		if err != nil {
			t.Fatalf("retrieve: %v", err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d returned %d results, first run %d", i, len(again), len(first))
		}
		for j := range first {
			if again[j].SourceRef != first[j].SourceRef || again[j].Score != first[j].Score {
				t.Fatalf("run %d diverged at position %d", i, j)
			}
		}
	}
}

func TestHybridTieBreakByCreatedAt(t *testing.T) {
	older := result("older", 0.5, baseTime)
	newer := result("newer", 0.5, baseTime.Add(time.Hour))
	h := NewHybrid([]Weighted{
		{Retriever: &stubRetriever{results: []ContextResult{newer, older}}, Weight: 1.0},
	}, 10)

	results, err := h.Retrieve(context.Background(), ContextQuery{Query: "q", MaxResults: 10})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if results[0].SourceRef != "older" {
		t.Fatalf("tie should break on earliest CreatedAt, got %s first", results[0].SourceRef)
	}
}

func TestHybridPartialOnSlowSub(t *testing.T) {
	fast := &stubRetriever{results: []ContextResult{result("fast", 0.9, baseTime)}}
	slow := &stubRetriever{
		results: []ContextResult{result("slow", 0.9, baseTime)},
		delay:   2 * time.Second,
	}
	h := NewHybrid([]Weighted{
		{Retriever: fast, Weight: 0.5},
		{Retriever: slow, Weight: 0.5},
	}, 10, WithTimeout(50*time.Millisecond))

	start := time.Now()
	results, err := h.Retrieve(context.Background(), ContextQuery{Query: "q", MaxResults: 10})
	if err != nil {
		t.Fatalf("partial result should not error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("retrieve did not respect deadline, took %v", elapsed)
	}
	if len(results) != 1 || results[0].SourceRef != "fast" {
		t.Fatalf("expected only the fast retriever's result, got %v", results)
	}
}

func TestHybridSubErrorIsNotFatal(t *testing.T) {
	ok := &stubRetriever{results: []ContextResult{result("ok", 0.7, baseTime)}}
	bad := &stubRetriever{err: errors.New("backend down")}
	h := NewHybrid([]Weighted{
		{Retriever: ok, Weight: 0.5},
		{Retriever: bad, Weight: 0.5},
	}, 10)

	results, err := h.Retrieve(context.Background(), ContextQuery{Query: "q", MaxResults: 10})
	if err != nil {
		t.Fatalf("one failing sub-retriever should not fail the query: %v", err)
	}
	if len(results) != 1 || results[0].SourceRef != "ok" {
		t.Fatalf("expected surviving retriever's result, got %v", results)
	}
}

// reverseReranker reverses the order; dropReranker removes an entry, which a
// hybrid must reject.
type reverseReranker struct{}

func (reverseReranker) Rerank(_ context.Context, _ string, results []ContextResult) ([]ContextResult, error) {
	out := make([]ContextResult, len(results))
	for i, r := range results {
		out[len(results)-1-i] = r
	}
	return out, nil
}

type dropReranker struct{}

func (dropReranker) Rerank(_ context.Context, _ string, results []ContextResult) ([]ContextResult, error) {
	return results[:len(results)-1], nil
}

func TestHybridRerankerReorders(t *testing.T) {
	sub := &stubRetriever{results: []ContextResult{
		result("a", 0.9, baseTime),
		result("b", 0.5, baseTime),
	}}
	h := NewHybrid([]Weighted{{Retriever: sub, Weight: 1.0}}, 10, WithReranker(reverseReranker{}))

	results, err := h.Retrieve(context.Background(), ContextQuery{Query: "q", MaxResults: 10})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 2 || results[0].SourceRef != "b" {
		t.Fatalf("expected reranker to reverse order, got %v", results)
	}
}

func TestHybridRejectsResultDroppingReranker(t *testing.T) {
	sub := &stubRetriever{results: []ContextResult{
		result("a", 0.9, baseTime),
		result("b", 0.5, baseTime),
	}}
	h := NewHybrid([]Weighted{{Retriever: sub, Weight: 1.0}}, 10, WithReranker(dropReranker{}))

	results, err := h.Retrieve(context.Background(), ContextQuery{Query: "q", MaxResults: 10})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("reranker dropped a result and the hybrid accepted it: %v", results)
	}
}

// --- lexical reranker ---

func TestLexicalRerankerPrefersTermOverlap(t *testing.T) {
	results := []ContextResult{
		{Text: "unrelated prose about gardening", Score: 0.9, SourceRef: "a", CreatedAt: baseTime},
		{Text: "parse the config file on startup", Score: 0.5, SourceRef: "b", CreatedAt: baseTime},
	}
	r := NewLexicalReranker(0)

	reranked, err := r.Rerank(context.Background(), "config file parse", results)
	if err != nil {
		t.Fatalf("rerank: %v", err)
	}
	if len(reranked) != 2 {
		t.Fatalf("reranker changed result count: %d", len(reranked))
	}
	if reranked[0].SourceRef != "b" {
		t.Fatalf("expected overlap-heavy result first, got %s", reranked[0].SourceRef)
	}
}

func TestLexicalRerankerDegradesOnCancel(t *testing.T) {
	results := []ContextResult{
		{Text: "one", Score: 0.9, SourceRef: "a", CreatedAt: baseTime},
		{Text: "query terms here", Score: 0.5, SourceRef: "b", CreatedAt: baseTime},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewLexicalReranker(0)
	reranked, err := r.Rerank(ctx, "query terms", results)
	if err != nil {
		t.Fatalf("rerank: %v", err)
	}
	for i := range results {
		if reranked[i].SourceRef != results[i].SourceRef {
			t.Fatal("cancelled rerank must keep the input order")
		}
	}
}
