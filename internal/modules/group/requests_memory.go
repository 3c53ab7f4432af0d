package group

import (
	"context"
	"sort"
	"sync"
	"time"

	"pangea/internal/types"
)

type MemoryRequestStore struct {
	mu   sync.Mutex
	reqs map[types.ID]*Request
}

func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{reqs: make(map[types.ID]*Request)}
}

func (s *MemoryRequestStore) Put(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	s.reqs[r.UserID] = &c
	return nil
}

func (s *MemoryRequestStore) Get(_ context.Context, uid types.ID) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[uid]
	if !ok {
		return nil, ErrRequestNotFound
	}
	c := *r
	return &c, nil
}

func (s *MemoryRequestStore) Waiting(_ context.Context, restaurant, location string, since time.Time) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool := PoolKey(restaurant, location)
	var out []*Request
	for _, r := range s.reqs {
		if r.Status != RequestWaiting || PoolKey(r.Restaurant, r.Location) != pool {
			continue
		}
		if r.LastActivity.Before(since) {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.Before(out[j].LastActivity) })
	return out, nil
}

func (s *MemoryRequestStore) MarkGrouped(_ context.Context, uid, groupID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[uid]
	if !ok {
		return ErrRequestNotFound
	}
	r.Status = RequestGrouped
	r.GroupID = groupID
	return nil
}

func (s *MemoryRequestStore) Remove(_ context.Context, uid types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reqs, uid)
	return nil
}

// Prune is a no-op: Waiting already filters by activity and entries are replaced on Put.
func (s *MemoryRequestStore) Prune(context.Context, string, string, time.Time) error {
	return nil
}
