// README: Group matcher: upgrade search over solo groups, open-request search, and commit of matches.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pangea/internal/config"
	"pangea/internal/keylock"
	"pangea/internal/metrics"
	"pangea/internal/modules/timecompat"
	"pangea/internal/types"
)

// Compatibility decides whether two time preferences can share a delivery.
type Compatibility interface {
	Compatible(ctx context.Context, requester types.ID, a, b string) timecompat.Result
}

// UpgradeHook runs under the group lock right after the solo group before
// gained a member and became after.
type UpgradeHook func(ctx context.Context, before, after *Group) error

type Matcher struct {
	groups   Store
	requests RequestStore
	compat   Compatibility
	locks    *keylock.Locker
	cfg      config.MatchingConfig
	now      func() time.Time
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgraded UpgradeHook
}

func NewMatcher(groups Store, requests RequestStore, compat Compatibility, locks *keylock.Locker, cfg config.MatchingConfig, log *slog.Logger, m *metrics.Metrics) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Cap < 2 {
		cfg.Cap = 2
	}
	return &Matcher{
		groups:   groups,
		requests: requests,
		compat:   compat,
		locks:    locks,
		cfg:      cfg,
		now:      time.Now,
		log:      log,
		metrics:  m,
	}
}

// OnUpgrade installs the hook that re-plans an upgraded group. An error from
// it fails the Submit that caused the upgrade.
func (m *Matcher) OnUpgrade(h UpgradeHook) {
	m.upgraded = h
}

type RequestCommand struct {
	UserID        types.ID
	Restaurant    string
	Location      string
	RequestedTime string
}

func (c RequestCommand) validate() error {
	if c.UserID == "" || strings.TrimSpace(c.Restaurant) == "" ||
		strings.TrimSpace(c.Location) == "" || strings.TrimSpace(c.RequestedTime) == "" {
		return ErrBadRequest
	}
	return nil
}

type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchReal
	MatchUpgrade
)

func (k MatchKind) String() string {
	switch k {
	case MatchReal:
		return "real"
	case MatchUpgrade:
		return "upgrade"
	default:
		return "none"
	}
}

// MatchResult is a candidate found by FindMatch; nothing has been written yet.
type MatchResult struct {
	Kind MatchKind
	// Candidate is the waiting request for MatchReal.
	Candidate *Request
	// Group is the solo group for MatchUpgrade.
	Group  *Group
	Compat timecompat.Result
}

type OutcomeKind string

const (
	OutcomeReal    OutcomeKind = "real"
	OutcomeUpgrade OutcomeKind = "upgrade"
	OutcomeSolo    OutcomeKind = "solo"
	OutcomeWaiting OutcomeKind = "waiting"
)

// Outcome is the committed result of Submit.
type Outcome struct {
	Kind OutcomeKind
	// Group is nil for OutcomeWaiting.
	Group *Group
	// Partner is the other member of a real group.
	Partner types.ID
	Request *Request
}

// FindMatch runs the upgrade search and then the open-request search for cmd
// without committing anything.
func (m *Matcher) FindMatch(ctx context.Context, cmd RequestCommand) (MatchResult, error) {
	if err := cmd.validate(); err != nil {
		return MatchResult{}, err
	}
	unlock := m.locks.Lock(poolLockKey(cmd.Restaurant, cmd.Location))
	defer unlock()
	return m.findMatch(ctx, cmd, m.now())
}

func (m *Matcher) findMatch(ctx context.Context, cmd RequestCommand, now time.Time) (MatchResult, error) {
	solos, err := m.groups.FindUpgradable(ctx, cmd.Restaurant, cmd.Location, now.Add(-m.cfg.UpgradeWindow))
	if err != nil {
		return MatchResult{}, fmt.Errorf("find upgradable: %w", err)
	}
	for _, g := range solos {
		if g.HasMember(cmd.UserID) || g.Full() {
			continue
		}
		// Only the newest solo group is considered.
		res := m.compat.Compatible(ctx, cmd.UserID, g.EffectiveTime, cmd.RequestedTime)
		if res.IsCompatible {
			return MatchResult{Kind: MatchUpgrade, Group: g, Compat: res}, nil
		}
		break
	}

	waiting, err := m.requests.Waiting(ctx, cmd.Restaurant, cmd.Location, now.Add(-m.cfg.AbandonWindow))
	if err != nil {
		return MatchResult{}, fmt.Errorf("list waiting requests: %w", err)
	}
	best := MatchResult{Kind: MatchNone}
	for _, r := range waiting {
		if r.UserID == cmd.UserID {
			continue
		}
		res := m.compat.Compatible(ctx, cmd.UserID, r.RequestedTime, cmd.RequestedTime)
		if !res.IsCompatible || res.Score < m.cfg.Threshold {
			continue
		}
		if best.Kind == MatchNone || res.Score > best.Compat.Score {
			best = MatchResult{Kind: MatchReal, Candidate: r, Compat: res}
		}
	}
	return best, nil
}

// Submit places a requester: into an upgraded solo group, into a new real group
// with a waiting requester, or, when nothing matches, into a solo group or the
// waiting pool depending on SoloHold.
func (m *Matcher) Submit(ctx context.Context, cmd RequestCommand) (*Outcome, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	unlock, err := m.lockPools(ctx, cmd)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := m.ensureNoActiveGroup(ctx, cmd.UserID); err != nil {
		return nil, err
	}
	now := m.now()
	if err := m.requests.Prune(ctx, cmd.Restaurant, cmd.Location, now.Add(-m.cfg.AbandonWindow)); err != nil {
		m.log.Warn("prune waiting requests failed", "restaurant", cmd.Restaurant, "location", cmd.Location, "error", err)
	}
	// A new request replaces any earlier waiting one, possibly in another pool.
	if err := m.requests.Remove(ctx, cmd.UserID); err != nil {
		return nil, fmt.Errorf("remove previous request: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		res, err := m.findMatch(ctx, cmd, now)
		if err != nil {
			return nil, err
		}
		switch res.Kind {
		case MatchUpgrade:
			out, err := m.commitUpgrade(ctx, cmd, res, now)
			if errors.Is(err, ErrConflict) {
				m.log.Debug("upgrade lost a race, searching again", "group_id", res.Group.ID, "user_id", cmd.UserID)
				continue
			}
			return out, err
		case MatchReal:
			out, err := m.commitReal(ctx, cmd, res, now)
			if errors.Is(err, ErrConflict) {
				continue
			}
			return out, err
		}
		break
	}

	req := &Request{
		UserID:        cmd.UserID,
		Restaurant:    cmd.Restaurant,
		Location:      cmd.Location,
		RequestedTime: cmd.RequestedTime,
		Status:        RequestWaiting,
		CreatedAt:     now,
		LastActivity:  now,
	}
	if m.cfg.SoloHold > 0 {
		if err := m.requests.Put(ctx, req); err != nil {
			return nil, fmt.Errorf("store request: %w", err)
		}
		m.metrics.MatchOutcome(string(OutcomeWaiting))
		return &Outcome{Kind: OutcomeWaiting, Request: req}, nil
	}
	g, err := m.createSolo(ctx, req, now)
	if err != nil {
		return nil, err
	}
	return &Outcome{Kind: OutcomeSolo, Group: g, Request: req}, nil
}

// lockPools holds cmd's pool and, when the requester already waits elsewhere,
// that pool too, so no matcher there can pick the old request while it is replaced.
func (m *Matcher) lockPools(ctx context.Context, cmd RequestCommand) (func(), error) {
	target := poolLockKey(cmd.Restaurant, cmd.Location)
	for attempt := 0; attempt < 3; attempt++ {
		prev, err := m.waitingPool(ctx, cmd.UserID)
		if err != nil {
			return nil, err
		}
		keys := []string{target}
		if prev != "" {
			keys = append(keys, prev)
		}
		unlock := m.locks.LockAll(keys...)
		now, err := m.waitingPool(ctx, cmd.UserID)
		if err != nil {
			unlock()
			return nil, err
		}
		if now == "" || now == prev || now == target {
			return unlock, nil
		}
		// The request moved between the read and the lock.
		unlock()
	}
	return nil, ErrConflict
}

// waitingPool is the pool lock key of uid's waiting request, or "" if none.
func (m *Matcher) waitingPool(ctx context.Context, uid types.ID) (string, error) {
	req, err := m.Waiting(ctx, uid)
	if err != nil || req == nil {
		return "", err
	}
	return poolLockKey(req.Restaurant, req.Location), nil
}

// PromoteSolo turns a still-waiting request into a solo group. It returns nil
// when the request was matched, withdrawn or never existed.
func (m *Matcher) PromoteSolo(ctx context.Context, uid types.ID) (*Group, error) {
	req, err := m.requests.Get(ctx, uid)
	if errors.Is(err, ErrRequestNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(poolLockKey(req.Restaurant, req.Location))
	defer unlock()

	// Re-read under the pool lock; a matcher may have taken it meanwhile.
	req, err = m.requests.Get(ctx, uid)
	if errors.Is(err, ErrRequestNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if req.Status != RequestWaiting {
		return nil, nil
	}
	if err := m.ensureNoActiveGroup(ctx, uid); err != nil {
		return nil, err
	}
	return m.createSolo(ctx, req, m.now())
}

// Withdraw drops a waiting request. It reports whether one was waiting.
func (m *Matcher) Withdraw(ctx context.Context, uid types.ID) (bool, error) {
	req, err := m.requests.Get(ctx, uid)
	if errors.Is(err, ErrRequestNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	unlock := m.locks.Lock(poolLockKey(req.Restaurant, req.Location))
	defer unlock()

	req, err = m.requests.Get(ctx, uid)
	if errors.Is(err, ErrRequestNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if req.Status != RequestWaiting {
		return false, nil
	}
	if err := m.requests.Remove(ctx, uid); err != nil {
		return false, err
	}
	return true, nil
}

// Waiting returns the user's open request, if any.
func (m *Matcher) Waiting(ctx context.Context, uid types.ID) (*Request, error) {
	req, err := m.requests.Get(ctx, uid)
	if errors.Is(err, ErrRequestNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if req.Status != RequestWaiting {
		return nil, nil
	}
	return req, nil
}

func (m *Matcher) ensureNoActiveGroup(ctx context.Context, uid types.ID) error {
	_, err := m.groups.ActiveByUser(ctx, uid)
	if err == nil {
		return ErrActiveGroup
	}
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (m *Matcher) commitUpgrade(ctx context.Context, cmd RequestCommand, res MatchResult, now time.Time) (*Outcome, error) {
	unlock := m.locks.Lock(LockKey(res.Group.ID))
	defer unlock()

	member := Member{UserID: cmd.UserID, RequestedTime: cmd.RequestedTime, JoinedAt: now}
	ok, err := m.groups.Upgrade(ctx, res.Group.ID, res.Group.Version, member, res.Compat.OptimalTime, now)
	if err != nil {
		return nil, fmt.Errorf("upgrade group %s: %w", res.Group.ID, err)
	}
	if !ok {
		return nil, ErrConflict
	}
	g, err := m.groups.Get(ctx, res.Group.ID)
	if err != nil {
		return nil, err
	}
	if len(g.Members) > g.Cap {
		m.log.Error("group exceeded cap after upgrade", "group_id", g.ID, "members", len(g.Members))
		return nil, ErrGroupFull
	}
	_ = m.groups.AppendEvent(ctx, &Event{
		GroupID:   g.ID,
		Type:      EventUpgraded,
		ActorID:   &cmd.UserID,
		Detail:    fmt.Sprintf("effective_time=%s score=%.2f", g.EffectiveTime, res.Compat.Score),
		CreatedAt: now,
	})
	_ = m.requests.Put(ctx, &Request{
		UserID:        cmd.UserID,
		Restaurant:    cmd.Restaurant,
		Location:      cmd.Location,
		RequestedTime: cmd.RequestedTime,
		Status:        RequestGrouped,
		GroupID:       g.ID,
		CreatedAt:     now,
		LastActivity:  now,
	})
	if m.upgraded != nil {
		if err := m.upgraded(ctx, res.Group, g); err != nil {
			return nil, fmt.Errorf("re-plan upgraded group %s: %w", g.ID, err)
		}
	}
	m.metrics.MatchOutcome(string(OutcomeUpgrade))
	m.log.Info("solo group upgraded", "group_id", g.ID, "user_id", cmd.UserID, "effective_time", g.EffectiveTime)
	return &Outcome{Kind: OutcomeUpgrade, Group: g}, nil
}

func (m *Matcher) commitReal(ctx context.Context, cmd RequestCommand, res MatchResult, now time.Time) (*Outcome, error) {
	cand := res.Candidate
	if err := m.ensureNoActiveGroup(ctx, cand.UserID); err != nil {
		if errors.Is(err, ErrActiveGroup) {
			// Stale pool entry; drop it and fall back to the requester alone.
			_ = m.requests.Remove(ctx, cand.UserID)
			return nil, fmt.Errorf("candidate %s: %w", cand.UserID, ErrConflict)
		}
		return nil, err
	}
	g := &Group{
		ID:            types.NewID(),
		Restaurant:    cand.Restaurant,
		Location:      cand.Location,
		EffectiveTime: res.Compat.OptimalTime,
		Kind:          KindReal,
		Cap:           m.cfg.Cap,
		Members: []Member{
			{UserID: cand.UserID, RequestedTime: cand.RequestedTime, JoinedAt: cand.CreatedAt},
			{UserID: cmd.UserID, RequestedTime: cmd.RequestedTime, JoinedAt: now},
		},
		DispatchState: StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(g.Members) > g.Cap {
		return nil, ErrGroupFull
	}
	if err := m.groups.Create(ctx, g); err != nil {
		return nil, fmt.Errorf("create real group: %w", err)
	}
	if err := m.requests.MarkGrouped(ctx, cand.UserID, g.ID); err != nil {
		m.log.Error("mark candidate grouped failed", "group_id", g.ID, "user_id", cand.UserID, "error", err)
	}
	req := &Request{
		UserID:        cmd.UserID,
		Restaurant:    cmd.Restaurant,
		Location:      cmd.Location,
		RequestedTime: cmd.RequestedTime,
		Status:        RequestGrouped,
		GroupID:       g.ID,
		CreatedAt:     now,
		LastActivity:  now,
	}
	_ = m.requests.Put(ctx, req)
	_ = m.groups.AppendEvent(ctx, &Event{
		GroupID:   g.ID,
		Type:      EventCreated,
		ActorID:   &cmd.UserID,
		Detail:    fmt.Sprintf("kind=real partner=%s score=%.2f", cand.UserID, res.Compat.Score),
		CreatedAt: now,
	})
	m.metrics.MatchOutcome(string(OutcomeReal))
	m.log.Info("real group formed", "group_id", g.ID, "user_id", cmd.UserID, "partner", cand.UserID, "effective_time", g.EffectiveTime)
	return &Outcome{Kind: OutcomeReal, Group: g, Partner: cand.UserID, Request: req}, nil
}

func (m *Matcher) createSolo(ctx context.Context, req *Request, now time.Time) (*Group, error) {
	g := NewSolo(req.UserID, req.Restaurant, req.Location, req.RequestedTime, m.cfg.Cap, now)
	if err := m.groups.Create(ctx, g); err != nil {
		return nil, fmt.Errorf("create solo group: %w", err)
	}
	grouped := *req
	grouped.Status = RequestGrouped
	grouped.GroupID = g.ID
	if err := m.requests.Put(ctx, &grouped); err != nil {
		m.log.Warn("mark request grouped failed", "group_id", g.ID, "user_id", req.UserID, "error", err)
	}
	_ = m.groups.AppendEvent(ctx, &Event{
		GroupID:   g.ID,
		Type:      EventCreated,
		ActorID:   &req.UserID,
		Detail:    "kind=solo",
		CreatedAt: now,
	})
	m.metrics.MatchOutcome(string(OutcomeSolo))
	m.log.Info("solo group created", "group_id", g.ID, "user_id", req.UserID, "effective_time", g.EffectiveTime)
	return g, nil
}

// NewSolo builds an unsaved one-member group.
func NewSolo(uid types.ID, restaurant, location, requestedTime string, cap int, now time.Time) *Group {
	return &Group{
		ID:            types.NewID(),
		Restaurant:    restaurant,
		Location:      location,
		EffectiveTime: requestedTime,
		Kind:          KindSolo,
		Cap:           cap,
		Members:       []Member{{UserID: uid, RequestedTime: requestedTime, JoinedAt: now}},
		DispatchState: StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
