package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/ctxd/internal/driver"
)

type fixture struct {
	store *TieredStore
	fast  *driver.Memory
	bulk  *driver.Memory
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fast: driver.NewMemory(),
		bulk: driver.NewMemory(),
		now:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.fast.Now = clock
	f.bulk.Now = clock
	f.store = NewTiered(f.fast, f.bulk, Options{Dimensions: 3, Now: clock})
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func TestStoreRejectsEmptyContent(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Store(context.Background(), Item{Tier: TierHot})
	if !IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestStoreRejectsDimensionMismatch(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Store(context.Background(), Item{
		Content:   "text",
		Embedding: []float32{1, 2}, // deployment is 3-dimensional
	})
	if !IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestStoreRejectsUnknownTier(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Store(context.Background(), Item{Content: "text", Tier: "lukewarm"})
	if !IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestWarmItemExpiresAfterTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Store(ctx, Item{Content: "warm note", Tier: TierWarm, Embedding: []float32{1, 0, 0}})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	// Retrievable immediately.
	if _, err := f.store.Get(ctx, id); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}

	f.advance(WarmTTL + time.Minute)

	if _, err := f.store.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after TTL: err = %v, want ErrNotFound", err)
	}
}

func TestColdItemNeverExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Store(ctx, Item{Content: "archived", Tier: TierCold})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	f.advance(365 * 24 * time.Hour)

	item, err := f.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Tier != TierCold {
		t.Errorf("tier = %s, want cold", item.Tier)
	}
}

func TestColdItemGoesToBulkOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Store(ctx, Item{Content: "archived", Tier: TierCold})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	if _, err := f.fast.Get(ctx, id); !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("cold item found in fast driver")
	}
	if _, err := f.bulk.Get(ctx, id); err != nil {
		t.Errorf("cold item missing from bulk driver: %v", err)
	}
}

func TestFastTierFailureDegradesToBulk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fast.Fail = true

	id, err := f.store.Store(ctx, Item{Content: "hot note", Tier: TierHot})
	if err != nil {
		t.Fatalf("store with fast tier down: %v", err)
	}
	if f.store.Health() == 0 {
		t.Errorf("degradation not counted")
	}

	// The item is readable through the bulk fallback.
	if _, err := f.store.Get(ctx, id); err != nil {
		t.Fatalf("get with fast tier down: %v", err)
	}
}

func TestColdBulkFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.bulk.Fail = true

	_, err := f.store.Store(context.Background(), Item{Content: "archived", Tier: TierCold})
	if !errors.Is(err, driver.ErrUnavailable) {
		t.Fatalf("err = %v, want wrapped ErrUnavailable", err)
	}
}

func TestGetWritesThroughBulkHits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Store(ctx, Item{Content: "archived", Tier: TierCold})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	f.store.PurgeCache()

	if _, err := f.store.Get(ctx, id); err != nil {
		t.Fatalf("first get: %v", err)
	}

	// The cache now serves the item even if both drivers vanish.
	f.fast.Fail = true
	f.bulk.Fail = true
	if _, err := f.store.Get(ctx, id); err != nil {
		t.Fatalf("cached get: %v", err)
	}
}

func TestSearchVectorMergesTiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Store(ctx, Item{ID: "hot1", Content: "hot", Tier: TierHot, Embedding: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("store hot: %v", err)
	}
	if _, err := f.store.Store(ctx, Item{ID: "cold1", Content: "cold", Tier: TierCold, Embedding: []float32{0.9, 0.1, 0}}); err != nil {
		t.Fatalf("store cold: %v", err)
	}

	results, err := f.store.SearchVector(ctx, []float32{1, 0, 0}, 5, false)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Item.ID != "hot1" {
		t.Errorf("best hit = %s, want hot1", results[0].Item.ID)
	}
	for _, r := range results {
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("score %v outside 0..1", r.Score)
		}
	}
	if results[0].Score < results[1].Score {
		t.Errorf("results not sorted by score: %v", results)
	}
}

func TestSearchVectorColdOnlySkipsFast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Store(ctx, Item{ID: "hot1", Content: "hot", Tier: TierHot, Embedding: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("store hot: %v", err)
	}
	if _, err := f.store.Store(ctx, Item{ID: "cold1", Content: "cold", Tier: TierCold, Embedding: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("store cold: %v", err)
	}

	results, err := f.store.SearchVector(ctx, []float32{1, 0, 0}, 5, true)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Item.ID != "cold1" {
		t.Errorf("cold-only search = %v, want just cold1", results)
	}
}

func TestSearchFilterMatchesAllEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Store(ctx, Item{Content: "a", Metadata: map[string]string{"lang": "go", "kind": "snippet"}}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := f.store.Store(ctx, Item{Content: "b", Metadata: map[string]string{"lang": "go", "kind": "doc"}}); err != nil {
		t.Fatalf("store: %v", err)
	}

	items, err := f.store.SearchFilter(ctx, map[string]string{"lang": "go", "kind": "doc"})
	if err != nil {
		t.Fatalf("filter search: %v", err)
	}
	if len(items) != 1 || items[0].Content != "b" {
		t.Errorf("items = %v, want just b", items)
	}
}

func TestUpdateReTierRewritesExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Store(ctx, Item{Content: "note", Tier: TierHot})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	warm := TierWarm
	item, err := f.store.Update(ctx, id, Patch{Tier: &warm})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	wantExpiry := f.now.Add(WarmTTL)
	if !item.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expiry = %v, want %v", item.ExpiresAt, wantExpiry)
	}

	// Re-tier to cold clears the expiry and moves the item to bulk.
	cold := TierCold
	item, err = f.store.Update(ctx, id, Patch{Tier: &cold})
	if err != nil {
		t.Fatalf("update to cold: %v", err)
	}
	if !item.ExpiresAt.IsZero() {
		t.Errorf("cold expiry = %v, want zero", item.ExpiresAt)
	}
	if _, err := f.bulk.Get(ctx, id); err != nil {
		t.Errorf("re-tiered item missing from bulk: %v", err)
	}
	if _, err := f.fast.Get(ctx, id); !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("fast copy after re-tier to cold: err = %v, want ErrNotFound", err)
	}
}

func TestReTierToColdKeepsFastCopyWhenBulkDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Store(ctx, Item{Content: "note", Tier: TierHot})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	f.bulk.Fail = true
	cold := TierCold
	if _, err := f.store.Update(ctx, id, Patch{Tier: &cold}); !errors.Is(err, driver.ErrUnavailable) {
		t.Fatalf("update: err = %v, want wrapped ErrUnavailable", err)
	}

	// The failed migration must not have evicted the only copy.
	if _, err := f.fast.Get(ctx, id); err != nil {
		t.Fatalf("fast copy gone after failed cold write: %v", err)
	}
	f.bulk.Fail = false
	f.store.PurgeCache()
	if _, err := f.store.Get(ctx, id); err != nil {
		t.Fatalf("item unreadable after failed re-tier: %v", err)
	}
}

func TestReTierToHotDegradedWriteSurvivesInBulk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Store(ctx, Item{Content: "archive", Tier: TierCold})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	f.fast.Fail = true
	hot := TierHot
	if _, err := f.store.Update(ctx, id, Patch{Tier: &hot}); err != nil {
		t.Fatalf("degraded update: %v", err)
	}

	// The write degraded into bulk; the record there is the item now and
	// must not be removed as a stale cold copy.
	if _, err := f.bulk.Get(ctx, id); err != nil {
		t.Fatalf("item lost from bulk after degraded re-tier: %v", err)
	}
	f.store.PurgeCache()
	if _, err := f.store.Get(ctx, id); err != nil {
		t.Fatalf("item unreadable after degraded re-tier: %v", err)
	}
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Store(ctx, Item{Content: "note"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := f.store.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.store.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: err = %v, want ErrNotFound", err)
	}
}

func TestDeleteReclaimsWriteLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id, err := f.store.Store(ctx, Item{Content: "short lived"})
		if err != nil {
			t.Fatalf("store: %v", err)
		}
		if err := f.store.Delete(ctx, id); err != nil {
			t.Fatalf("delete: %v", err)
		}
	}

	f.store.mu.Lock()
	remaining := len(f.store.locks)
	f.store.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("lock table holds %d entries after deletes, want 0", remaining)
	}
}

func TestLinkMirrorsHotEndpointsToBulk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	from, err := f.store.Store(ctx, Item{Content: "first chunk", Embedding: []float32{1, 0, 0}})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	to, err := f.store.Store(ctx, Item{Content: "second chunk", Embedding: []float32{0, 1, 0}})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	if err := f.store.Link(ctx, from, to, "follows", nil); err != nil {
		t.Fatalf("link: %v", err)
	}

	// Both hot endpoints now have a bulk copy carrying the relationship.
	for _, id := range []string{from, to} {
		if _, err := f.bulk.Get(ctx, id); err != nil {
			t.Errorf("endpoint %s not mirrored to bulk: %v", id, err)
		}
	}
	rels, err := f.bulk.Related(ctx, from, "follows", 1)
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if len(rels) != 1 || rels[0].ID != to {
		t.Fatalf("related = %v, want [%s]", rels, to)
	}
}

func TestLinkUnknownEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Store(ctx, Item{Content: "lonely chunk"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := f.store.Link(ctx, id, "ghost", "follows", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("link to unknown endpoint: err = %v, want ErrNotFound", err)
	}
}
