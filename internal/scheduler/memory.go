package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]Task)}
}

func (s *MemoryStore) Put(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok, nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if !t.FireAt.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, t Task, leaseUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok || !cur.FireAt.Equal(t.FireAt) {
		return false, nil
	}
	cur.FireAt = leaseUntil
	cur.Attempts++
	s.tasks[t.ID] = cur
	return true, nil
}

func (s *MemoryStore) Settle(_ context.Context, t Task, leasedUntil, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok || !cur.FireAt.Equal(leasedUntil) {
		return false, nil
	}
	if next.IsZero() {
		delete(s.tasks, t.ID)
		return true, nil
	}
	cur.FireAt = next
	cur.Attempts = t.Attempts
	s.tasks[t.ID] = cur
	return true, nil
}

func (s *MemoryStore) Next(_ context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	found := false
	for _, t := range s.tasks {
		if !found || t.FireAt.Before(next) {
			next = t.FireAt
			found = true
		}
	}
	return next, found, nil
}
