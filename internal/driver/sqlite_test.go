package driver

import (
	"context"
	"testing"
	"time"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(":memory:", "test")
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id string, vec []float32) Record {
	return Record{
		ID:     id,
		Vector: vec,
		Payload: Payload{
			Content:   "content for " + id,
			Metadata:  map[string]string{"source": "test"},
			Tier:      "hot",
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestSQLitePutGetRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	rec := testRecord("a", []float32{1, 0, 0})
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Payload.Content != rec.Payload.Content {
		t.Errorf("content = %q, want %q", got.Payload.Content, rec.Payload.Content)
	}
	if got.Payload.Metadata["source"] != "test" {
		t.Errorf("metadata lost: %v", got.Payload.Metadata)
	}
	if len(got.Vector) != 3 || got.Vector[0] != 1 {
		t.Errorf("vector = %v, want [1 0 0]", got.Vector)
	}
}

func TestSQLiteGetUnknownIsNotFound(t *testing.T) {
	s := openTestSQLite(t)
	if _, err := s.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLitePutOverwrites(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	rec := testRecord("a", []float32{1, 0, 0})
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec.Payload.Content = "updated"
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Payload.Content != "updated" {
		t.Errorf("content = %q, want updated", got.Payload.Content)
	}
}

func TestSQLiteVectorSearchOrdersByDistance(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	for id, vec := range map[string][]float32{
		"exact":   {1, 0, 0},
		"close":   {0.9, 0.1, 0},
		"far":     {0, 0, 1},
		"novec":   nil,
	} {
		if err := s.Put(ctx, testRecord(id, vec)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	matches, err := s.VectorSearch(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].ID != "exact" || matches[1].ID != "close" {
		t.Errorf("order = [%s %s], want [exact close]", matches[0].ID, matches[1].ID)
	}
	if matches[0].Distance > matches[1].Distance {
		t.Errorf("distances not ascending: %v", matches)
	}
}

func TestSQLiteExpiredRecordsInvisible(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	rec := testRecord("warm", []float32{1, 0, 0})
	rec.Payload.ExpiresAt = now.Add(time.Hour)
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := s.Get(ctx, "warm"); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}

	// Advance past the expiry and check every read path.
	s.Now = func() time.Time { return now.Add(2 * time.Hour) }

	if _, err := s.Get(ctx, "warm"); err != ErrNotFound {
		t.Errorf("get after expiry: err = %v, want ErrNotFound", err)
	}
	matches, err := s.VectorSearch(ctx, []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expired record returned from vector search: %v", matches)
	}
	ids, err := s.FilterSearch(ctx, nil)
	if err != nil {
		t.Fatalf("filter search: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expired record returned from filter search: %v", ids)
	}
}

func TestSQLiteSweepExpired(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	expired := testRecord("old", []float32{1, 0})
	expired.Payload.ExpiresAt = now.Add(-time.Minute)
	keep := testRecord("keep", []float32{0, 1})
	for _, rec := range []Record{expired, keep} {
		if err := s.Put(ctx, rec); err != nil {
			t.Fatalf("put %s: %v", rec.ID, err)
		}
	}

	n, err := s.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d records, want 1", n)
	}
	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestSQLiteFilterSearch(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	a := testRecord("a", nil)
	a.Payload.Metadata = map[string]string{"lang": "go"}
	b := testRecord("b", nil)
	b.Payload.Metadata = map[string]string{"lang": "python"}
	for _, rec := range []Record{a, b} {
		if err := s.Put(ctx, rec); err != nil {
			t.Fatalf("put %s: %v", rec.ID, err)
		}
	}

	ids, err := s.FilterSearch(ctx, func(id string, meta map[string]string) bool {
		return meta["lang"] == "go"
	})
	if err != nil {
		t.Fatalf("filter search: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Errorf("ids = %v, want [a]", ids)
	}
}

func TestSQLiteRelatedWalksHops(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := s.Put(ctx, testRecord(id, nil)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	// a -> b -> c, plus a typed edge a -> d.
	mustRelate(t, s, "a", "b", "refs")
	mustRelate(t, s, "b", "c", "refs")
	mustRelate(t, s, "a", "d", "mentions")

	rels, err := s.Related(ctx, "a", "", 2)
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	hops := make(map[string]int, len(rels))
	for _, r := range rels {
		hops[r.ID] = r.Hop
	}
	if hops["b"] != 1 || hops["d"] != 1 || hops["c"] != 2 {
		t.Errorf("hops = %v, want b:1 d:1 c:2", hops)
	}

	// Depth 1 stops before c.
	rels, err = s.Related(ctx, "a", "", 1)
	if err != nil {
		t.Fatalf("related depth 1: %v", err)
	}
	if len(rels) != 2 {
		t.Errorf("got %d relations at depth 1, want 2", len(rels))
	}

	// Typed traversal skips the mentions edge.
	rels, err = s.Related(ctx, "a", "refs", 2)
	if err != nil {
		t.Fatalf("related typed: %v", err)
	}
	hops = make(map[string]int, len(rels))
	for _, r := range rels {
		hops[r.ID] = r.Hop
	}
	if _, ok := hops["d"]; ok {
		t.Errorf("typed traversal followed a mentions edge: %v", hops)
	}
	if hops["b"] != 1 || hops["c"] != 2 {
		t.Errorf("typed hops = %v, want b:1 c:2", hops)
	}
}

func TestSQLiteCreateRelationshipMissingEndpoint(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	if err := s.Put(ctx, testRecord("a", nil)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.CreateRelationship(ctx, "a", "ghost", "refs", nil); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func mustRelate(t *testing.T, s *SQLite, from, to, relType string) {
	t.Helper()
	if err := s.CreateRelationship(context.Background(), from, to, relType, nil); err != nil {
		t.Fatalf("relate %s->%s: %v", from, to, err)
	}
}
