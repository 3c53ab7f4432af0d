package payment

import (
	"context"
	"sync"

	"pangea/internal/types"
)

type MemoryStore struct {
	mu      sync.Mutex
	records map[types.ID][]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[types.ID][]Record)}
}

func (s *MemoryStore) Insert(_ context.Context, r Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records[r.GroupID] {
		if existing.UserID == r.UserID {
			return false, nil
		}
	}
	s.records[r.GroupID] = append(s.records[r.GroupID], r)
	return true, nil
}

func (s *MemoryStore) ListByGroup(_ context.Context, groupID types.ID) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records[groupID]...), nil
}
