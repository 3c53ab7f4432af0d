package group

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"pangea/internal/types"
)

// MemoryStore keeps groups in process. It applies the same compare-and-set
// preconditions as PGStore and backs PANGEA_STORE=memory and the unit tests.
type MemoryStore struct {
	mu     sync.Mutex
	groups map[types.ID]*Group
	events []Event
	seq    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{groups: make(map[types.ID]*Group)}
}

func (s *MemoryStore) Create(_ context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; ok {
		return ErrConflict
	}
	if len(g.Members) > g.Cap {
		return ErrGroupFull
	}
	s.groups[g.ID] = cloneGroup(g)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGroup(g), nil
}

func (s *MemoryStore) ActiveByUser(_ context.Context, uid types.ID) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Group
	for _, g := range s.groups {
		if !g.Pending() || !g.HasMember(uid) {
			continue
		}
		if best == nil || g.CreatedAt.After(best.CreatedAt) {
			best = g
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneGroup(best), nil
}

func (s *MemoryStore) FindUpgradable(_ context.Context, restaurant, location string, since time.Time) ([]*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Group
	for _, g := range s.groups {
		if g.Kind != KindSolo || !g.Pending() || g.DispatchClaimedAt != nil {
			continue
		}
		if !strings.EqualFold(g.Restaurant, restaurant) || !strings.EqualFold(g.Location, location) {
			continue
		}
		if g.CreatedAt.Before(since) {
			continue
		}
		out = append(out, cloneGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Upgrade(_ context.Context, id types.ID, version int, m Member, effectiveTime string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok || g.Version != version || g.Kind != KindSolo || !g.Pending() || g.DispatchClaimedAt != nil {
		return false, nil
	}
	if g.Full() {
		return false, nil
	}
	if len(g.Members) > 0 {
		u := g.Members[0].UserID
		g.OriginalSoloUser = &u
	}
	g.Members = append(g.Members, m)
	g.Kind = KindUpgraded
	g.EffectiveTime = effectiveTime
	g.Version++
	g.UpgradedAt = &at
	g.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) UpdateMemberOrder(_ context.Context, id, uid types.ID, identifier, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return ErrNotFound
	}
	for i := range g.Members {
		if g.Members[i].UserID == uid {
			g.Members[i].OrderIdentifier = identifier
			g.Members[i].OrderDescription = description
			return nil
		}
	}
	return ErrNotMember
}

func (s *MemoryStore) Cancel(_ context.Context, id types.ID, version int, at, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok || g.Version != version || !g.Pending() {
		return false, nil
	}
	if g.DispatchClaimedAt != nil && !g.DispatchClaimedAt.Before(staleBefore) {
		return false, nil
	}
	g.DispatchState = StateCancelled
	g.Version++
	g.CancelledAt = &at
	g.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) ClaimDispatch(_ context.Context, id types.ID, at, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok || !g.Pending() {
		return false, nil
	}
	if g.DispatchClaimedAt != nil && !g.DispatchClaimedAt.Before(staleBefore) {
		return false, nil
	}
	g.DispatchClaimedAt = &at
	g.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) ReleaseDispatch(_ context.Context, id types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[id]; ok && g.Pending() {
		g.DispatchClaimedAt = nil
	}
	return nil
}

func (s *MemoryStore) CompleteDispatch(_ context.Context, id types.ID, h DispatchHandle) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok || !CanTransition(g.DispatchState, StateDispatched) {
		return false, nil
	}
	h.DeliveredTo = append([]types.ID(nil), h.DeliveredTo...)
	g.Handle = &h
	g.DispatchState = StateDispatched
	g.Version++
	g.UpdatedAt = h.DispatchedAt
	return true, nil
}

func (s *MemoryStore) SetDeliveryStatus(_ context.Context, deliveryID, status string) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.Handle != nil && g.Handle.DeliveryID == deliveryID {
			g.Handle.Status = status
			return cloneGroup(g), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	c := *e
	c.ID = s.seq
	s.events = append(s.events, c)
	return nil
}

func (s *MemoryStore) Events(_ context.Context, id types.ID) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.GroupID == id {
			out = append(out, e)
		}
	}
	return out, nil
}
