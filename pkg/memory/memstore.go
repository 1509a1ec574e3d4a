package memory

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-memory VectorStore used for tests and single-node
// deployments without PostgreSQL.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]storedEntry
}

type storedEntry struct {
	agentID string
	rec     StoredRecord
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]storedEntry)}
}

// Upsert inserts or replaces records by id.
func (s *MemStore) Upsert(_ context.Context, agentID string, records []StoredRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.Record.ID] = storedEntry{agentID: agentID, rec: r}
	}
	return nil
}

// Search returns the most similar records, best first.
func (s *MemStore) Search(_ context.Context, vector []float64, filter Filter, limit int) ([]Scored, error) {
	if limit < 1 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []Scored
	for _, e := range s.records {
		if filter.AgentID != "" && e.agentID != filter.AgentID {
			continue
		}
		if filter.Type != "" && e.rec.Record.Type != filter.Type {
			continue
		}
		hits = append(hits, Scored{
			Record:     e.rec.Record,
			Vector:     e.rec.Vector,
			Similarity: Cosine(vector, e.rec.Vector),
		})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// List returns every record matching the filter, unordered.
func (s *MemStore) List(_ context.Context, filter Filter) ([]StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []StoredRecord
	for _, e := range s.records {
		if filter.AgentID != "" && e.agentID != filter.AgentID {
			continue
		}
		if filter.Type != "" && e.rec.Record.Type != filter.Type {
			continue
		}
		out = append(out, e.rec)
	}
	return out, nil
}

// GetByID loads one record.
func (s *MemStore) GetByID(_ context.Context, id string) (*StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	rec := e.rec
	return &rec, nil
}

// Delete removes records by id. Unknown ids are ignored.
func (s *MemStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

// Len returns the number of stored records.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
