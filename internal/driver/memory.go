package driver

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory GraphDriver. It backs tests and single-process
// deployments that don't need persistence.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	edges   map[string][]edge

	// Now is the clock used for expiry checks. Tests override it.
	Now func() time.Time

	// Fail forces every operation to return ErrUnavailable. Tests use it
	// to simulate an unreachable tier.
	Fail bool
}

type edge struct {
	to      string
	relType string
	props   map[string]string
}

// NewMemory creates an empty in-memory driver.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
		edges:   make(map[string][]edge),
		Now:     time.Now,
	}
}

func (m *Memory) Put(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return ErrUnavailable
	}
	m.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Fail {
		return Record{}, ErrUnavailable
	}
	rec, ok := m.records[id]
	if !ok || m.expired(rec) {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return ErrUnavailable
	}
	delete(m.records, id)
	delete(m.edges, id)
	return nil
}

func (m *Memory) VectorSearch(ctx context.Context, vector []float32, k int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Fail {
		return nil, ErrUnavailable
	}
	if k <= 0 {
		return nil, nil
	}

	var matches []Match
	for id, rec := range m.records {
		if m.expired(rec) || len(rec.Vector) == 0 {
			continue
		}
		matches = append(matches, Match{ID: id, Distance: cosineDistance(vector, rec.Vector)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (m *Memory) FilterSearch(ctx context.Context, pred Predicate) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Fail {
		return nil, ErrUnavailable
	}

	var ids []string
	for id, rec := range m.records {
		if m.expired(rec) {
			continue
		}
		if pred == nil || pred(id, rec.Payload.Metadata) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Related walks the edge set breadth-first up to maxDepth hops.
func (m *Memory) Related(ctx context.Context, id, relationType string, maxDepth int) ([]Relation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Fail {
		return nil, ErrUnavailable
	}
	if maxDepth <= 0 {
		return nil, nil
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []Relation

	for hop := 1; hop <= maxDepth && len(frontier) > 0; hop++ {
		var next []string
		for _, from := range frontier {
			for _, e := range m.edges[from] {
				if relationType != "" && e.relType != relationType {
					continue
				}
				if visited[e.to] {
					continue
				}
				visited[e.to] = true
				out = append(out, Relation{ID: e.to, Hop: hop})
				next = append(next, e.to)
			}
		}
		frontier = next
	}
	return out, nil
}

func (m *Memory) CreateRelationship(ctx context.Context, from, to, relationType string, props map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return ErrUnavailable
	}
	if _, ok := m.records[from]; !ok {
		return ErrNotFound
	}
	if _, ok := m.records[to]; !ok {
		return ErrNotFound
	}
	m.edges[from] = append(m.edges[from], edge{to: to, relType: relationType, props: props})
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) expired(rec Record) bool {
	return !rec.Payload.ExpiresAt.IsZero() && m.Now().After(rec.Payload.ExpiresAt)
}

func cloneRecord(rec Record) Record {
	out := rec
	if rec.Vector != nil {
		out.Vector = append([]float32(nil), rec.Vector...)
	}
	if rec.Payload.Metadata != nil {
		meta := make(map[string]string, len(rec.Payload.Metadata))
		for k, v := range rec.Payload.Metadata {
			meta[k] = v
		}
		out.Payload.Metadata = meta
	}
	return out
}

// cosineDistance returns 1 - cosine similarity, so 0 is identical and
// larger is farther. Mismatched or zero vectors are maximally distant.
func cosineDistance(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}
