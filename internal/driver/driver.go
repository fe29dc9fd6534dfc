// Package driver defines the narrow contract every backing store satisfies
// and ships three reference implementations: an in-memory driver, a SQLite
// fast-tier driver, and a SQLite graph driver for the bulk tier.
package driver

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
// (or has expired).
var ErrNotFound = errors.New("record not found")

// ErrUnavailable signals that the backing store cannot be reached.
// Callers treat fast-tier unavailability as degradable; bulk-tier
// unavailability on a write is fatal.
var ErrUnavailable = errors.New("driver unavailable")

// Payload is the opaque record body a driver persists alongside a vector.
// Drivers store it verbatim and never interpret its fields.
type Payload struct {
	Content   string
	Metadata  map[string]string
	Tier      string
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time // zero means no expiry
}

// Record is a stored unit: an id, its embedding, and the payload.
type Record struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Match is a vector search hit. Distance is the driver's native metric,
// lower is better. Conversion to a 0..1 score happens exactly once, at
// this boundary, in the consumer.
type Match struct {
	ID       string
	Distance float32
}

// Predicate filters records by id and metadata during a filter search.
type Predicate func(id string, meta map[string]string) bool

// Driver is the contract for a key-value + vector-index store.
type Driver interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error

	// VectorSearch returns the k nearest records by the driver's distance
	// metric, closest first. Expired records are never returned.
	VectorSearch(ctx context.Context, vector []float32, k int) ([]Match, error)

	// FilterSearch returns the ids of all live records matching pred.
	FilterSearch(ctx context.Context, pred Predicate) ([]string, error)

	Close() error
}

// Relation is a graph traversal hit at a given hop distance from the origin.
type Relation struct {
	ID  string
	Hop int
}

// GraphDriver extends Driver with relationship storage and traversal.
// The bulk tier satisfies this contract.
type GraphDriver interface {
	Driver

	// Related returns records reachable from id within maxDepth hops,
	// nearest hops first. relationType "" matches every relationship type.
	Related(ctx context.Context, id, relationType string, maxDepth int) ([]Relation, error)

	// CreateRelationship links two records. Missing endpoints are an error.
	CreateRelationship(ctx context.Context, from, to, relationType string, props map[string]string) error
}
