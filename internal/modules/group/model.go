// README: Group aggregate, members, open requests and dispatch state definitions.
package group

import (
	"errors"
	"strings"
	"time"

	"pangea/internal/types"
)

var (
	ErrNotFound     = errors.New("group not found")
	ErrConflict     = errors.New("group state conflict")
	ErrInvalidState = errors.New("invalid group state transition")
	ErrActiveGroup  = errors.New("user already has an active group")
	ErrGroupFull    = errors.New("group is full")
	ErrBadRequest   = errors.New("bad request")
	ErrNotMember    = errors.New("user is not a member of the group")
)

type Kind string

const (
	// KindSolo is a one-member order presented to its member like any other order.
	KindSolo Kind = "solo"
	// KindReal is a group formed by matching two open requests.
	KindReal Kind = "real"
	// KindUpgraded is a solo group that silently gained a second member.
	KindUpgraded Kind = "upgraded"
)

type DispatchState string

const (
	StatePending    DispatchState = "pending"
	StateDispatched DispatchState = "dispatched"
	StateCancelled  DispatchState = "cancelled"
)

// AllowedTransitions represents the dispatch state flow as code.
var AllowedTransitions = map[DispatchState][]DispatchState{
	StatePending: {StateDispatched, StateCancelled},
}

func CanTransition(from, to DispatchState) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

type Member struct {
	UserID        types.ID
	RequestedTime string
	// OrderIdentifier is the order number or customer name the courier asks for.
	OrderIdentifier  string
	OrderDescription string
	JoinedAt         time.Time
}

// DispatchHandle is what the delivery provider returned for the group.
type DispatchHandle struct {
	DeliveryID  string
	TrackingURL string
	Status      string
	Fee         types.Money
	// DeliveredTo lists the members included in the dispatch; a deadline fallback leaves some out.
	DeliveredTo  []types.ID
	DispatchedAt time.Time
}

type Group struct {
	ID            types.ID
	Restaurant    string
	Location      string
	EffectiveTime string
	Kind          Kind
	Cap           int
	Members       []Member
	DispatchState DispatchState
	Handle        *DispatchHandle
	Version       int
	// DispatchClaimedAt is written before the provider call; set without
	// DispatchState=dispatched it marks an in-flight or interrupted dispatch.
	DispatchClaimedAt *time.Time
	OriginalSoloUser  *types.ID
	CreatedAt         time.Time
	UpdatedAt         time.Time
	UpgradedAt        *time.Time
	CancelledAt       *time.Time
}

func (g *Group) Member(uid types.ID) (Member, bool) {
	for _, m := range g.Members {
		if m.UserID == uid {
			return m, true
		}
	}
	return Member{}, false
}

func (g *Group) HasMember(uid types.ID) bool {
	_, ok := g.Member(uid)
	return ok
}

func (g *Group) MemberIDs() []types.ID {
	ids := make([]types.ID, len(g.Members))
	for i, m := range g.Members {
		ids[i] = m.UserID
	}
	return ids
}

func (g *Group) Full() bool {
	return len(g.Members) >= g.Cap
}

func (g *Group) Pending() bool {
	return g.DispatchState == StatePending
}

// Shared reports whether the group has (or is meant to have) more than one payer.
func (g *Group) Shared() bool {
	return g.Kind == KindReal || g.Kind == KindUpgraded
}

type EventType string

const (
	EventCreated        EventType = "created"
	EventUpgraded       EventType = "upgraded"
	EventMemberLeft     EventType = "member_left"
	EventCancelled      EventType = "cancelled"
	EventDispatched     EventType = "dispatched"
	EventDispatchFailed EventType = "dispatch_failed"
	EventDeliveryStatus EventType = "delivery_status"
	EventOrderDetails   EventType = "order_details"
)

// Event is an append-only audit record for a group.
type Event struct {
	ID        int64
	GroupID   types.ID
	Type      EventType
	ActorID   *types.ID
	Detail    string
	CreatedAt time.Time
}

type RequestStatus string

const (
	RequestWaiting   RequestStatus = "waiting"
	RequestGrouped   RequestStatus = "grouped"
	RequestCancelled RequestStatus = "cancelled"
)

// Request is a requester waiting for a partner.
type Request struct {
	UserID        types.ID
	Restaurant    string
	Location      string
	RequestedTime string
	Status        RequestStatus
	GroupID       types.ID
	CreatedAt     time.Time
	LastActivity  time.Time
}

// PoolKey identifies the matching pool for a restaurant and location.
func PoolKey(restaurant, location string) string {
	return normalizeName(restaurant) + "|" + normalizeName(location)
}

// LockKey is the keylock key serializing read-decide-write on a group.
func LockKey(id types.ID) string {
	return "group:" + string(id)
}

func poolLockKey(restaurant, location string) string {
	return "pool:" + PoolKey(restaurant, location)
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func cloneGroup(g *Group) *Group {
	c := *g
	c.Members = append([]Member(nil), g.Members...)
	if g.Handle != nil {
		h := *g.Handle
		h.DeliveredTo = append([]types.ID(nil), g.Handle.DeliveredTo...)
		c.Handle = &h
	}
	c.DispatchClaimedAt = copyTime(g.DispatchClaimedAt)
	c.UpgradedAt = copyTime(g.UpgradedAt)
	c.CancelledAt = copyTime(g.CancelledAt)
	if g.OriginalSoloUser != nil {
		u := *g.OriginalSoloUser
		c.OriginalSoloUser = &u
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
