package vectorindex

import (
	"context"
	"sync"

	"github.com/jcmvstard-prog/customs-kb/internal/domain"
)

// MemoryIndex is an in-process index. It cannot filter while searching, so
// Query ignores its filter and callers post-filter the hits.
type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]Point
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]Point)}
}

// NativeFilter implements Index.
func (m *MemoryIndex) NativeFilter() bool { return false }

// Upsert implements Index.
func (m *MemoryIndex) Upsert(_ context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range points {
		if p.ID == "" || len(p.Vector) == 0 {
			return domain.Invalid("point", "point %d has no id or vector", i)
		}
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		payload := make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = v
		}
		m.points[p.ID] = Point{ID: p.ID, Vector: vec, Payload: payload}
	}
	return nil
}

// Query implements Index. The filter argument is ignored.
func (m *MemoryIndex) Query(ctx context.Context, vector []float32, k int, _ *Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, domain.Invalid("k", "must be positive, got %d", k)
	}
	query, queryNorm := toFloat64Vector(vector)
	if len(query) == 0 || queryNorm == 0 {
		return nil, domain.Invalid("vector", "query vector is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	hits := make([]Hit, 0, len(m.points))
	for id, p := range m.points {
		if len(p.Vector) != len(query) {
			continue
		}
		vec, _ := toFloat64Vector(p.Vector)
		hits = append(hits, Hit{ID: id, Score: cosineSimilarity(query, vec, queryNorm), Payload: p.Payload})
	}
	m.mu.RUnlock()

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete implements Index.
func (m *MemoryIndex) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

// Count implements Index.
func (m *MemoryIndex) Count(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.points)), nil
}

// Close implements Index.
func (m *MemoryIndex) Close() error { return nil }
