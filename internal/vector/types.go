// Package vector provides the vector store client used for the corpus and
// semantic-cache collections. The production implementation talks to Qdrant;
// an in-memory implementation backs tests.
package vector

import (
	"context"
)

// Point is a single vector with its payload.
type Point struct {
	// ID is the logical point identifier (a stable content hash).
	ID string
	// Vector is the embedding, expected unit-length.
	Vector []float32
	// Payload carries the chunk wire format fields.
	Payload map[string]any
}

// ScoredPoint is a search result.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Filter is a conjunction of equality predicates plus the tenant clause.
type Filter struct {
	// Must contains field = value predicates, all of which must hold.
	Must map[string]any

	// Tenant, when set, adds the isolation clause
	// (owner_id = Tenant.OwnerID OR is_public = true).
	// Administrator contexts leave Tenant nil to search everything.
	Tenant *TenantFilter

	// GroupIDs, when non-empty, restricts to points whose group_ids field
	// matches any of the given values.
	GroupIDs []string
}

// TenantFilter holds the owner identity for multi-tenant isolation.
type TenantFilter struct {
	OwnerID string
}

// Empty reports whether the filter constrains nothing.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.Must) == 0 && f.Tenant == nil && len(f.GroupIDs) == 0)
}

// CollectionParams tunes collection-level index parameters.
type CollectionParams struct {
	HnswM           int
	HnswEfConstruct int
	// IndexingThreshold is the optimizer's minimum vectors before building
	// the HNSW graph. Zero means leave unchanged.
	IndexingThreshold int
}

// Store is the vector database client surface.
type Store interface {
	// EnsureCollection creates the collection with cosine distance if it
	// does not exist. Safe to call repeatedly.
	EnsureCollection(ctx context.Context, collection string, dim int) error

	// Upsert inserts or replaces points. Idempotent per point ID.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns the k nearest points above minScore that pass filter.
	Search(ctx context.Context, collection string, query []float32, k int, filter *Filter, minScore float32) ([]ScoredPoint, error)

	// Delete removes points by ID.
	Delete(ctx context.Context, collection string, ids []string) error

	// DeleteByFilter removes all points matching the filter.
	DeleteByFilter(ctx context.Context, collection string, filter *Filter) error

	// Scroll pages through the collection. An empty cursor starts from the
	// beginning; the returned cursor is empty when exhausted.
	Scroll(ctx context.Context, collection string, cursor string, limit int) ([]ScoredPoint, string, error)

	// SetPayload merges payload fields into existing points.
	SetPayload(ctx context.Context, collection string, ids []string, payload map[string]any) error

	// UpdateCollectionParams adjusts HNSW and optimizer settings.
	UpdateCollectionParams(ctx context.Context, collection string, params CollectionParams) error

	// Count returns the number of points in the collection.
	Count(ctx context.Context, collection string) (uint64, error)

	// Close releases the client.
	Close() error
}
