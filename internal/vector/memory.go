package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used in tests and single-node
// development. Search is a brute-force cosine scan honoring filters.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	dim    int
	points map[string]Point
}

// Verify interface implementation at compile time.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memCollection)}
}

// EnsureCollection creates the collection if missing.
func (s *MemoryStore) EnsureCollection(_ context.Context, collection string, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[collection]; !ok {
		s.collections[collection] = &memCollection{dim: dim, points: make(map[string]Point)}
	}
	return nil
}

func (s *MemoryStore) get(collection string) (*memCollection, error) {
	c, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %q does not exist", collection)
	}
	return c, nil
}

// Upsert inserts or replaces points.
func (s *MemoryStore) Upsert(_ context.Context, collection string, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(collection)
	if err != nil {
		return err
	}
	for _, p := range points {
		if c.dim > 0 && len(p.Vector) != c.dim {
			return fmt.Errorf("dimension mismatch: expected %d, got %d", c.dim, len(p.Vector))
		}
		// Copy payload so callers can mutate their map afterwards.
		payload := make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = v
		}
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		c.points[p.ID] = Point{ID: p.ID, Vector: vec, Payload: payload}
	}
	return nil
}

// Search performs a brute-force cosine scan.
func (s *MemoryStore) Search(_ context.Context, collection string, query []float32, k int, filter *Filter, minScore float32) ([]ScoredPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.get(collection)
	if err != nil {
		return nil, err
	}

	var hits []ScoredPoint
	for _, p := range c.points {
		if !matchesFilter(p.Payload, filter) {
			continue
		}
		score := cosine(query, p.Vector)
		if score < minScore {
			continue
		}
		hits = append(hits, ScoredPoint{ID: p.ID, Score: score, Payload: p.Payload})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete removes points by ID.
func (s *MemoryStore) Delete(_ context.Context, collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(collection)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(c.points, id)
	}
	return nil
}

// DeleteByFilter removes all points matching the filter.
func (s *MemoryStore) DeleteByFilter(_ context.Context, collection string, filter *Filter) error {
	if filter.Empty() {
		return fmt.Errorf("refusing to delete with empty filter")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(collection)
	if err != nil {
		return err
	}
	for id, p := range c.points {
		if matchesFilter(p.Payload, filter) {
			delete(c.points, id)
		}
	}
	return nil
}

// Scroll pages through the collection in ID order.
func (s *MemoryStore) Scroll(_ context.Context, collection string, cursor string, limit int) ([]ScoredPoint, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.get(collection)
	if err != nil {
		return nil, "", err
	}

	ids := make([]string, 0, len(c.points))
	for id := range c.points {
		if cursor == "" || id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	next := ""
	if len(ids) > limit {
		ids = ids[:limit]
		next = ids[len(ids)-1]
	}

	out := make([]ScoredPoint, 0, len(ids))
	for _, id := range ids {
		p := c.points[id]
		out = append(out, ScoredPoint{ID: id, Payload: p.Payload})
	}
	return out, next, nil
}

// SetPayload merges payload fields into the given points.
func (s *MemoryStore) SetPayload(_ context.Context, collection string, ids []string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(collection)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if p, ok := c.points[id]; ok {
			for k, v := range payload {
				p.Payload[k] = v
			}
		}
	}
	return nil
}

// UpdateCollectionParams is a no-op for the in-memory store.
func (s *MemoryStore) UpdateCollectionParams(_ context.Context, collection string, _ CollectionParams) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.get(collection)
	return err
}

// Count returns the number of points in the collection.
func (s *MemoryStore) Count(_ context.Context, collection string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.get(collection)
	if err != nil {
		return 0, err
	}
	return uint64(len(c.points)), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// matchesFilter evaluates the filter against a payload.
func matchesFilter(payload map[string]any, f *Filter) bool {
	if f.Empty() {
		return true
	}
	for field, want := range f.Must {
		if !looseEqual(payload[field], want) {
			return false
		}
	}
	if len(f.GroupIDs) > 0 {
		groups, _ := payload["group_ids"].([]any)
		found := false
		for _, g := range groups {
			for _, want := range f.GroupIDs {
				if looseEqual(g, want) {
					found = true
				}
			}
		}
		// group_ids stored as []string in the memory store is also accepted.
		if !found {
			if strs, ok := payload["group_ids"].([]string); ok {
				for _, g := range strs {
					for _, want := range f.GroupIDs {
						if g == want {
							found = true
						}
					}
				}
			}
		}
		if !found {
			return false
		}
	}
	if f.Tenant != nil {
		ownerOK := looseEqual(payload["owner_id"], f.Tenant.OwnerID)
		publicOK := looseEqual(payload["is_public"], true)
		if !ownerOK && !publicOK {
			return false
		}
	}
	return true
}

// looseEqual compares payload values across the numeric representations
// that survive serialization round-trips.
func looseEqual(got, want any) bool {
	if got == nil {
		return false
	}
	switch w := want.(type) {
	case int:
		switch g := got.(type) {
		case int:
			return g == w
		case int64:
			return g == int64(w)
		case float64:
			return g == float64(w)
		}
	case int64:
		switch g := got.(type) {
		case int:
			return int64(g) == w
		case int64:
			return g == w
		case float64:
			return g == float64(w)
		}
	}
	return got == want
}

// cosine computes the cosine similarity of two unit vectors. Inputs are
// expected normalized, so this is just the dot product.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
