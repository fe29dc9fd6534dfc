package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kalambet/ctxd/internal/driver"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 5 * time.Minute
)

// Scored is an item with its similarity score, 0..1 and higher is better.
// Driver distances are converted exactly here and nowhere downstream.
type Scored struct {
	Item  Item
	Score float32
}

// Options configures a TieredStore.
type Options struct {
	// CacheSize bounds the in-process read cache. <= 0 uses the default.
	CacheSize int
	// CacheTTL is the cache staleness window, separate from tier TTL.
	CacheTTL time.Duration
	// Dimensions is the deployment's embedding dimension. Non-zero values
	// reject mismatched embeddings at store time.
	Dimensions int
	// Now is the clock; tests override it.
	Now func() time.Time
}

// TieredStore routes items between the fast driver (hot/warm) and the bulk
// driver (cold) and fronts reads with a bounded expirable LRU cache.
type TieredStore struct {
	fast driver.Driver
	bulk driver.GraphDriver
	opts Options

	cache *expirable.LRU[string, Item]

	// fastFailures counts degraded operations where the fast tier was
	// unreachable and the bulk tier served instead.
	fastFailures atomic.Int64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTiered creates a TieredStore over the given drivers.
func NewTiered(fast driver.Driver, bulk driver.GraphDriver, opts Options) *TieredStore {
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &TieredStore{
		fast:  fast,
		bulk:  bulk,
		opts:  opts,
		cache: expirable.NewLRU[string, Item](opts.CacheSize, nil, opts.CacheTTL),
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor serializes writes to a single item id. Different ids proceed in
// parallel with no cross-ordering guarantee.
func (t *TieredStore) lockFor(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	return l
}

// releaseLock drops the lock entry for a removed id so the table does not
// grow with every item ever written. A writer racing the delete may obtain a
// fresh lock; at worst it recreates the item.
func (t *TieredStore) releaseLock(id string) {
	t.mu.Lock()
	delete(t.locks, id)
	t.mu.Unlock()
}

// Store validates and persists an item, returning its id. Hot and warm items
// go to the fast driver; when the fast tier is unreachable the write degrades
// to the bulk driver and the health counter is bumped. Cold items go to the
// bulk driver only, and a bulk failure there is fatal.
func (t *TieredStore) Store(ctx context.Context, item Item) (string, error) {
	if item.Content == "" {
		return "", &ValidationError{Reason: "content must not be empty"}
	}
	if item.Tier == "" {
		item.Tier = TierHot
	}
	if _, err := ParseTier(string(item.Tier)); err != nil {
		return "", err
	}
	if t.opts.Dimensions > 0 && len(item.Embedding) > 0 && len(item.Embedding) != t.opts.Dimensions {
		return "", &ValidationError{
			Reason: fmt.Sprintf("embedding dimension %d, deployment expects %d", len(item.Embedding), t.opts.Dimensions),
		}
	}

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := t.opts.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.ExpiresAt.IsZero() {
		item.ExpiresAt = expiryFor(item.Tier, now)
	}

	lock := t.lockFor(item.ID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := t.put(ctx, item); err != nil {
		return "", err
	}
	t.cache.Add(item.ID, item)
	return item.ID, nil
}

// writeDest records which driver a put landed in, which matters for
// tier-migration cleanup.
type writeDest int

const (
	destFast writeDest = iota
	destBulk
)

func (t *TieredStore) put(ctx context.Context, item Item) (writeDest, error) {
	rec := recordFromItem(item)

	if item.Tier == TierCold {
		// Durability first: a cold item must reach the bulk driver before
		// any fast-tier copy exists.
		if err := t.bulk.Put(ctx, rec); err != nil {
			return destBulk, fmt.Errorf("bulk write for cold item %s: %w", item.ID, err)
		}
		return destBulk, nil
	}

	if err := t.fast.Put(ctx, rec); err != nil {
		if !errors.Is(err, driver.ErrUnavailable) {
			return destFast, fmt.Errorf("fast write for item %s: %w", item.ID, err)
		}
		t.fastFailures.Add(1)
		slog.Warn("fast tier unavailable, degrading write to bulk", "item", item.ID)
		if bulkErr := t.bulk.Put(ctx, rec); bulkErr != nil {
			return destBulk, fmt.Errorf("bulk fallback write for item %s: %w", item.ID, bulkErr)
		}
		return destBulk, nil
	}
	return destFast, nil
}

// Get reads an item: cache, then fast driver, then bulk driver. Bulk hits
// are written through to the cache.
func (t *TieredStore) Get(ctx context.Context, id string) (Item, error) {
	if item, ok := t.cache.Get(id); ok {
		if item.ExpiresAt.IsZero() || t.opts.Now().Before(item.ExpiresAt) {
			return item, nil
		}
		t.cache.Remove(id)
	}

	rec, err := t.fast.Get(ctx, id)
	switch {
	case err == nil:
		item := itemFromRecord(rec)
		t.cache.Add(id, item)
		return item, nil
	case errors.Is(err, driver.ErrUnavailable):
		t.fastFailures.Add(1)
	case !errors.Is(err, driver.ErrNotFound):
		return Item{}, fmt.Errorf("fast read for item %s: %w", id, err)
	}

	rec, err = t.bulk.Get(ctx, id)
	if errors.Is(err, driver.ErrNotFound) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("bulk read for item %s: %w", id, err)
	}
	item := itemFromRecord(rec)
	t.cache.Add(id, item)
	return item, nil
}

// Update applies a patch under the item's write lock. A tier change rewrites
// the expiry and moves the item to its new driver.
func (t *TieredStore) Update(ctx context.Context, id string, patch Patch) (Item, error) {
	lock := t.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	item, err := t.Get(ctx, id)
	if err != nil {
		return Item{}, err
	}

	if patch.Content != nil {
		if *patch.Content == "" {
			return Item{}, &ValidationError{Reason: "content must not be empty"}
		}
		item.Content = *patch.Content
	}
	if patch.Metadata != nil {
		item.Metadata = patch.Metadata
	}
	if patch.Embedding != nil {
		if t.opts.Dimensions > 0 && len(patch.Embedding) != t.opts.Dimensions {
			return Item{}, &ValidationError{
				Reason: fmt.Sprintf("embedding dimension %d, deployment expects %d", len(patch.Embedding), t.opts.Dimensions),
			}
		}
		item.Embedding = patch.Embedding
	}

	now := t.opts.Now().UTC()
	oldTier := item.Tier
	if patch.Tier != nil && *patch.Tier != item.Tier {
		newTier, err := ParseTier(string(*patch.Tier))
		if err != nil {
			return Item{}, err
		}
		item.Tier = newTier
		item.ExpiresAt = expiryFor(newTier, now)
	}
	item.UpdatedAt = now

	dest, err := t.put(ctx, item)
	if err != nil {
		return Item{}, err
	}

	// The stale copy on the far side of the fast/bulk boundary goes away
	// only once the new-tier write has landed.
	switch {
	case oldTier == TierCold && item.Tier != TierCold:
		// A degraded write lands in bulk; deleting there would remove the
		// record itself.
		if dest == destFast {
			if err := t.bulk.Delete(ctx, id); err != nil && !errors.Is(err, driver.ErrNotFound) {
				return Item{}, fmt.Errorf("removing stale bulk copy of item %s: %w", id, err)
			}
		}
	case oldTier != TierCold && item.Tier == TierCold:
		// The item is durable in bulk at this point, so an unreachable
		// fast tier is a degradation, not a failed update. The stale copy
		// is swept or overwritten later.
		if err := t.fast.Delete(ctx, id); err != nil && !errors.Is(err, driver.ErrNotFound) {
			if !errors.Is(err, driver.ErrUnavailable) {
				return Item{}, fmt.Errorf("removing stale fast copy of item %s: %w", id, err)
			}
			t.fastFailures.Add(1)
			slog.Warn("fast tier unavailable, stale copy left after re-tier", "item", id)
		}
	}

	t.cache.Add(id, item)
	return item, nil
}

// Delete removes an item from the cache and both drivers.
func (t *TieredStore) Delete(ctx context.Context, id string) error {
	lock := t.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	t.cache.Remove(id)
	if err := t.fast.Delete(ctx, id); err != nil && !errors.Is(err, driver.ErrUnavailable) && !errors.Is(err, driver.ErrNotFound) {
		return fmt.Errorf("fast delete for item %s: %w", id, err)
	}
	if err := t.bulk.Delete(ctx, id); err != nil && !errors.Is(err, driver.ErrNotFound) {
		return fmt.Errorf("bulk delete for item %s: %w", id, err)
	}
	t.releaseLock(id)
	return nil
}

// SearchVector queries both tiers and merges by id, keeping the best score.
// Fast-tier unavailability degrades to a bulk-only search. Pass coldOnly to
// query just the bulk driver and skip cache write-through.
func (t *TieredStore) SearchVector(ctx context.Context, vector []float32, k int, coldOnly bool) ([]Scored, error) {
	if k <= 0 {
		return nil, nil
	}

	best := make(map[string]float32)

	if !coldOnly {
		matches, err := t.fast.VectorSearch(ctx, vector, k)
		switch {
		case errors.Is(err, driver.ErrUnavailable):
			t.fastFailures.Add(1)
			slog.Warn("fast tier unavailable, searching bulk only")
		case err != nil:
			return nil, fmt.Errorf("fast vector search: %w", err)
		default:
			for _, m := range matches {
				mergeScore(best, m)
			}
		}
	}

	matches, err := t.bulk.VectorSearch(ctx, vector, k)
	if err != nil {
		return nil, fmt.Errorf("bulk vector search: %w", err)
	}
	for _, m := range matches {
		mergeScore(best, m)
	}

	results := make([]Scored, 0, len(best))
	for id, score := range best {
		item, err := t.getForSearch(ctx, id, coldOnly)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, Scored{Item: item, Score: score})
	}

	sortScored(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// getForSearch hydrates a search hit. Cold-only queries bypass the cache
// entirely so bulk scans don't churn hot entries.
func (t *TieredStore) getForSearch(ctx context.Context, id string, coldOnly bool) (Item, error) {
	if !coldOnly {
		return t.Get(ctx, id)
	}
	rec, err := t.bulk.Get(ctx, id)
	if errors.Is(err, driver.ErrNotFound) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("bulk read for item %s: %w", id, err)
	}
	return itemFromRecord(rec), nil
}

// SearchFilter returns items whose metadata matches every filter entry.
func (t *TieredStore) SearchFilter(ctx context.Context, filters map[string]string) ([]Item, error) {
	pred := func(id string, meta map[string]string) bool {
		for k, v := range filters {
			if meta[k] != v {
				return false
			}
		}
		return true
	}

	seen := make(map[string]bool)
	var items []Item

	ids, err := t.fast.FilterSearch(ctx, pred)
	switch {
	case errors.Is(err, driver.ErrUnavailable):
		t.fastFailures.Add(1)
	case err != nil:
		return nil, fmt.Errorf("fast filter search: %w", err)
	}
	for _, id := range ids {
		seen[id] = true
	}

	bulkIDs, err := t.bulk.FilterSearch(ctx, pred)
	if err != nil {
		return nil, fmt.Errorf("bulk filter search: %w", err)
	}
	for _, id := range bulkIDs {
		seen[id] = true
	}

	for id := range seen {
		item, err := t.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Graph exposes the bulk driver's graph contract for relationship-aware
// retrieval.
func (t *TieredStore) Graph() driver.GraphDriver {
	return t.bulk
}

// Link creates a relationship between two items. The graph lives in the
// bulk driver, so hot and warm endpoints are mirrored there first.
func (t *TieredStore) Link(ctx context.Context, from, to, relationType string, props map[string]string) error {
	for _, id := range []string{from, to} {
		if err := t.mirrorToBulk(ctx, id); err != nil {
			return err
		}
	}
	if err := t.bulk.CreateRelationship(ctx, from, to, relationType, props); err != nil {
		return fmt.Errorf("linking %s -> %s: %w", from, to, err)
	}
	return nil
}

func (t *TieredStore) mirrorToBulk(ctx context.Context, id string) error {
	_, err := t.bulk.Get(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, driver.ErrNotFound) {
		return fmt.Errorf("bulk read for item %s: %w", id, err)
	}
	item, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := t.bulk.Put(ctx, recordFromItem(item)); err != nil {
		return fmt.Errorf("mirroring item %s to bulk: %w", id, err)
	}
	return nil
}

// Health returns how many times the fast tier was unreachable and an
// operation degraded to bulk-only.
func (t *TieredStore) Health() int64 {
	return t.fastFailures.Load()
}

// PurgeCache drops every cache entry. The staleness TTL usually handles
// this; the maintenance sweep calls it after bulk deletions.
func (t *TieredStore) PurgeCache() {
	t.cache.Purge()
}

func expiryFor(tier Tier, now time.Time) time.Time {
	if tier == TierWarm {
		return now.Add(WarmTTL)
	}
	return time.Time{}
}

// mergeScore folds a driver match into the id->score map, converting the
// driver's distance (lower=better) to a 0..1 score (higher=better).
func mergeScore(best map[string]float32, m driver.Match) {
	score := 1 - m.Distance
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	if cur, ok := best[m.ID]; !ok || score > cur {
		best[m.ID] = score
	}
}

func sortScored(results []Scored) {
	// Insertion sort; k is small. Ties break on earliest CreatedAt, then id.
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && scoredLess(results[j], results[j-1]); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func scoredLess(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Item.CreatedAt.Equal(b.Item.CreatedAt) {
		return a.Item.CreatedAt.Before(b.Item.CreatedAt)
	}
	return a.Item.ID < b.Item.ID
}

func recordFromItem(item Item) driver.Record {
	return driver.Record{
		ID:     item.ID,
		Vector: item.Embedding,
		Payload: driver.Payload{
			Content:   item.Content,
			Metadata:  item.Metadata,
			Tier:      string(item.Tier),
			CreatedAt: item.CreatedAt,
			UpdatedAt: item.UpdatedAt,
			ExpiresAt: item.ExpiresAt,
		},
	}
}

func itemFromRecord(rec driver.Record) Item {
	tier := Tier(rec.Payload.Tier)
	if tier == "" {
		tier = TierHot
	}
	return Item{
		ID:        rec.ID,
		Content:   rec.Payload.Content,
		Embedding: rec.Vector,
		Metadata:  rec.Payload.Metadata,
		Tier:      tier,
		CreatedAt: rec.Payload.CreatedAt,
		UpdatedAt: rec.Payload.UpdatedAt,
		ExpiresAt: rec.Payload.ExpiresAt,
	}
}
