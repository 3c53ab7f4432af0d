package aiusage

import (
	"context"
	"sync"
)

type usage struct {
	remaining int
	month     string
}

// MemoryStore is the in-process Store used with PANGEA_STORE=memory and in tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*usage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*usage)}
}

func (s *MemoryStore) Use(_ context.Context, uid, month string, budget int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.rows[uid]
	if !ok {
		return ErrBudgetExhausted
	}
	if u.month < month {
		u.month = month
		u.remaining = budget
	}
	if u.remaining <= 0 {
		return ErrBudgetExhausted
	}
	u.remaining--
	return nil
}

func (s *MemoryStore) Ensure(_ context.Context, uid, month string, budget int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[uid]; !ok {
		s.rows[uid] = &usage{remaining: budget, month: month}
	}
	return nil
}

func (s *MemoryStore) Remaining(_ context.Context, uid, month string, budget int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.rows[uid]
	if !ok || u.month < month {
		return budget, nil
	}
	return u.remaining, nil
}

// seed sets a row directly; tests use it to simulate earlier months.
func (s *MemoryStore) seed(uid, month string, remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[uid] = &usage{remaining: remaining, month: month}
}
