// README: Delivery trigger engine: per-group state machine over payments, cancellations and timers.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pangea/internal/config"
	"pangea/internal/keylock"
	"pangea/internal/metrics"
	"pangea/internal/modules/dispatch"
	"pangea/internal/modules/group"
	"pangea/internal/modules/payment"
	"pangea/internal/modules/pricing"
	"pangea/internal/modules/timecompat"
	"pangea/internal/notify"
	"pangea/internal/scheduler"
	"pangea/internal/types"
)

type Deps struct {
	Groups     group.Store
	Ledger     *payment.Ledger
	Dispatcher Dispatcher
	Tasks      Tasks
	Notifier   notify.Notifier
	Locks      *keylock.Locker
	Config     config.TriggerConfig
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

type Engine struct {
	groups     group.Store
	ledger     *payment.Ledger
	dispatcher Dispatcher
	tasks      Tasks
	notifier   notify.Notifier
	locks      *keylock.Locker
	cfg        config.TriggerConfig
	loc        *time.Location
	now        func() time.Time
	log        *slog.Logger
	metrics    *metrics.Metrics
}

func NewEngine(d Deps) *Engine {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	locks := d.Locks
	if locks == nil {
		locks = keylock.New()
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(log)
	}
	return &Engine{
		groups:     d.Groups,
		ledger:     d.Ledger,
		dispatcher: d.Dispatcher,
		tasks:      d.Tasks,
		notifier:   notifier,
		locks:      locks,
		cfg:        d.Config,
		loc:        d.Config.Location(),
		now:        time.Now,
		log:        log,
		metrics:    d.Metrics,
	}
}

// Register installs the engine's task handlers.
func (e *Engine) Register(r Registry) {
	r.Handle(scheduler.ScheduledDispatch, e.fireDispatch)
	r.Handle(scheduler.ConditionalDispatch, e.fireDispatch)
	r.Handle(scheduler.DelayedNotify, e.fireNotify)
}

// HandlePayment records uid's payment for the group and applies the timing
// rules. Payments for groups that already left pending are ignored.
func (e *Engine) HandlePayment(ctx context.Context, groupID, uid types.ID) (Decision, error) {
	unlock := e.locks.Lock(group.LockKey(groupID))
	defer unlock()

	g, err := e.groups.Get(ctx, groupID)
	if err != nil {
		return Decision{}, err
	}
	if !g.Pending() {
		e.log.Info("payment for closed group ignored", "group_id", groupID, "user_id", uid, "state", g.DispatchState)
		return Decision{Action: ActionNone, GroupID: groupID}, nil
	}
	first, err := e.ledger.RecordPayment(ctx, groupID, uid)
	if err != nil {
		return Decision{}, fmt.Errorf("record payment: %w", err)
	}
	e.metrics.Payment(first)
	e.log.Info("payment recorded", "group_id", groupID, "user_id", uid, "kind", g.Kind, "first", first)

	d, err := e.apply(ctx, g, uid, first)
	d.FirstPayment = first
	return d, err
}

// apply runs the payment rules for g. The caller holds g's lock. announce
// controls whether the payer hears about a schedule or a wait.
func (e *Engine) apply(ctx context.Context, g *group.Group, payer types.ID, announce bool) (Decision, error) {
	now := e.now()
	res := e.resolve(g, now)

	if !g.Shared() {
		if res.Due(now) {
			return e.dispatchNow(ctx, g, g.MemberIDs(), res, now, true)
		}
		return e.schedule(ctx, g, scheduler.ScheduledDispatch, res.At, payer, announce, notify.DeliveryScheduled)
	}

	allPaid, err := e.ledger.AllPaid(ctx, g.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("check payments: %w", err)
	}
	if allPaid {
		// Every payer committed: the scheduled time no longer holds the dispatch back.
		d, err := e.dispatchNow(ctx, g, g.MemberIDs(), res, now, false)
		if err == nil && d.Action == ActionDispatched {
			e.scheduleNotify(ctx, g.ID, now)
		}
		return d, err
	}
	if res.Immediate {
		if announce {
			e.notifier.Notify(ctx, payer, notify.WaitingPartner, e.groupData(g, time.Time{}))
		}
		return Decision{Action: ActionWaiting, GroupID: g.ID}, nil
	}
	return e.schedule(ctx, g, scheduler.ConditionalDispatch, res.At, payer, announce, notify.WaitingPartner)
}

func (e *Engine) schedule(ctx context.Context, g *group.Group, kind scheduler.Kind, at time.Time, payer types.ID, announce bool, key notify.Key) (Decision, error) {
	if err := e.tasks.Schedule(ctx, kind, g.ID, at); err != nil {
		e.log.Error("schedule dispatch failed", "group_id", g.ID, "kind", kind, "error", err)
		return Decision{}, fmt.Errorf("schedule %s: %w", kind, err)
	}
	e.log.Info("dispatch scheduled", "group_id", g.ID, "kind", kind, "fire_at", at)
	if announce && payer != "" {
		e.notifier.Notify(ctx, payer, key, e.groupData(g, at))
	}
	return Decision{Action: ActionScheduled, GroupID: g.ID, FireAt: at}, nil
}

func (e *Engine) scheduleNotify(ctx context.Context, groupID types.ID, now time.Time) {
	err := e.tasks.Schedule(ctx, scheduler.DelayedNotify, groupID, now.Add(e.cfg.NotifyDelay))
	if err == nil {
		return
	}
	e.log.Error("schedule delayed notification failed, notifying now", "group_id", groupID, "error", err)
	g, gerr := e.groups.Get(ctx, groupID)
	if gerr != nil || g.Handle == nil {
		return
	}
	e.announce(ctx, g, g.Handle)
}

func (e *Engine) dispatchNow(ctx context.Context, g *group.Group, members []types.ID, res timecompat.Resolution, now time.Time, announce bool) (Decision, error) {
	d := Decision{GroupID: g.ID}
	h, result, err := e.dispatchMembers(ctx, g, members, res, now)
	d.Result = result
	switch {
	case err != nil:
		d.Action = ActionFailed
		return d, err
	case result == nil:
		d.Action = ActionNone
		return d, nil
	case !result.Success:
		d.Action = ActionFailed
		return d, nil
	}

	d.Action = ActionDispatched
	if err := e.tasks.CancelAll(ctx, g.ID, dispatchKinds...); err != nil {
		e.log.Warn("cancel dispatch tasks failed", "group_id", g.ID, "error", err)
	}
	if announce {
		e.announce(ctx, g, h)
	}
	return d, nil
}

// dispatchMembers claims g, calls the provider for members and records the
// handle. A nil result means a live claim is held elsewhere.
func (e *Engine) dispatchMembers(ctx context.Context, g *group.Group, members []types.ID, res timecompat.Resolution, now time.Time) (*group.DispatchHandle, *dispatch.Result, error) {
	ok, err := e.groups.ClaimDispatch(ctx, g.ID, now, now.Add(-e.cfg.ClaimStaleAfter))
	if err != nil {
		return nil, nil, fmt.Errorf("claim dispatch: %w", err)
	}
	if !ok {
		e.log.Warn("dispatch claim held elsewhere", "group_id", g.ID)
		return nil, nil, nil
	}

	req := dispatch.Request{
		GroupID:     g.ID,
		Restaurant:  g.Restaurant,
		Location:    g.Location,
		Items:       manifestItems(g, members),
		PickupReady: now,
	}
	if !res.Immediate && res.At.After(now) {
		req.PickupReady = res.At
		req.Scheduled = true
	}
	// The provider call outlives a cancelled caller; the dispatcher bounds it.
	result := e.dispatcher.Dispatch(context.WithoutCancel(ctx), req)
	if !result.Success {
		if err := e.groups.ReleaseDispatch(ctx, g.ID); err != nil {
			e.log.Error("release dispatch claim failed", "group_id", g.ID, "error", err)
		}
		_ = e.groups.AppendEvent(ctx, &group.Event{
			GroupID:   g.ID,
			Type:      group.EventDispatchFailed,
			Detail:    "reason=" + result.Reason,
			CreatedAt: now,
		})
		e.log.Warn("dispatch failed, group stays pending", "group_id", g.ID, "reason", result.Reason)
		return nil, &result, nil
	}

	h := group.DispatchHandle{
		DeliveryID:   result.DeliveryID,
		TrackingURL:  result.TrackingURL,
		Status:       result.Status,
		Fee:          result.Fee,
		DeliveredTo:  members,
		DispatchedAt: now,
	}
	ok, err = e.groups.CompleteDispatch(ctx, g.ID, h)
	if err != nil {
		// The claim stays; a later retry reuses the group id as idempotency key.
		return nil, &result, fmt.Errorf("complete dispatch: %w", err)
	}
	if !ok {
		e.log.Error("provider accepted a delivery for a group no longer pending",
			"group_id", g.ID, "delivery_id", result.DeliveryID)
		return nil, &result, ErrDoubleDispatch
	}
	_ = e.groups.AppendEvent(ctx, &group.Event{
		GroupID:   g.ID,
		Type:      group.EventDispatched,
		Detail:    fmt.Sprintf("delivery_id=%s members=%d", result.DeliveryID, len(members)),
		CreatedAt: now,
	})
	e.log.Info("group dispatched", "group_id", g.ID, "delivery_id", result.DeliveryID,
		"members", len(members), "scheduled", req.Scheduled)
	return &h, &result, nil
}

func manifestItems(g *group.Group, members []types.ID) []dispatch.Item {
	items := make([]dispatch.Item, 0, len(members))
	for _, uid := range members {
		m, _ := g.Member(uid)
		items = append(items, dispatch.Item{UserID: uid, Identifier: m.OrderIdentifier, Description: m.OrderDescription})
	}
	return items
}

// announce tells every delivered member about the dispatch and their fee share.
func (e *Engine) announce(ctx context.Context, g *group.Group, h *group.DispatchHandle) {
	if h == nil {
		return
	}
	split, err := pricing.SplitAmong(h.Fee, h.DeliveredTo)
	if err != nil {
		e.log.Warn("fee split failed", "group_id", g.ID, "error", err)
		return
	}
	for _, uid := range h.DeliveredTo {
		data := e.groupData(g, time.Time{})
		data["tracking_url"] = h.TrackingURL
		data["share"] = split.For(uid).String()
		e.notifier.Notify(ctx, uid, notify.DeliveryTriggered, data)
	}
}

// fireDispatch handles scheduled and conditional deadlines.
func (e *Engine) fireDispatch(ctx context.Context, t scheduler.Task) error {
	unlock := e.locks.Lock(group.LockKey(t.Subject))
	defer unlock()

	g, err := e.groups.Get(ctx, t.Subject)
	if errors.Is(err, group.ErrNotFound) {
		e.log.Warn("task fired for unknown group", "task", t.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if t.Kind == scheduler.ScheduledDispatch && g.Shared() {
		// Claimed before an upgrade re-planned the group as conditional.
		e.log.Info("solo deadline fired on upgraded group", "task", t.ID, "group_id", g.ID)
		return nil
	}
	d, err := e.dispatchDeadline(ctx, g)
	if err != nil {
		return err
	}
	if d.Action == ActionFailed {
		return fmt.Errorf("dispatch group %s: %s", g.ID, d.Result.Reason)
	}
	return nil
}

// dispatchDeadline dispatches whoever in g has paid and tells the rest they
// missed it. Nothing happens when nobody paid. The caller holds g's lock.
func (e *Engine) dispatchDeadline(ctx context.Context, g *group.Group) (Decision, error) {
	if !g.Pending() {
		e.log.Info("deadline on closed group", "group_id", g.ID, "state", g.DispatchState)
		return Decision{Action: ActionNone, GroupID: g.ID}, nil
	}
	paid, err := e.ledger.PaidUsers(ctx, g.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("paid users: %w", err)
	}
	paidSet := make(map[types.ID]bool, len(paid))
	for _, uid := range paid {
		paidSet[uid] = true
	}
	var payers, missed []types.ID
	for _, uid := range g.MemberIDs() {
		if paidSet[uid] {
			payers = append(payers, uid)
		} else {
			missed = append(missed, uid)
		}
	}
	if len(payers) == 0 {
		e.log.Info("deadline passed without payments, group left pending", "group_id", g.ID)
		return Decision{Action: ActionWaiting, GroupID: g.ID}, nil
	}

	now := e.now()
	d, err := e.dispatchNow(ctx, g, payers, e.resolve(g, now), now, true)
	if err != nil || d.Action != ActionDispatched {
		return d, err
	}
	d.Missed = missed
	for _, uid := range missed {
		e.notifier.Notify(ctx, uid, notify.MissedDelivery, e.groupData(g, now))
	}
	if len(missed) > 0 {
		e.log.Info("deadline dispatch left members behind", "group_id", g.ID, "paid", len(payers), "missed", len(missed))
	}
	return d, nil
}

func (e *Engine) fireNotify(ctx context.Context, t scheduler.Task) error {
	g, err := e.groups.Get(ctx, t.Subject)
	if errors.Is(err, group.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if g.DispatchState != group.StateDispatched || g.Handle == nil {
		e.log.Warn("delayed notification for undispatched group dropped", "group_id", g.ID)
		return nil
	}
	e.announce(ctx, g, g.Handle)
	return nil
}

// Cancel removes uid from a pending group. A solo group is cancelled. A shared
// group is cancelled and the remaining member silently continues in a new solo
// group that inherits their order and payment.
func (e *Engine) Cancel(ctx context.Context, groupID, uid types.ID) (CancelOutcome, error) {
	unlock := e.locks.Lock(group.LockKey(groupID))
	defer unlock()

	g, err := e.groups.Get(ctx, groupID)
	if err != nil {
		return CancelOutcome{}, err
	}
	if !g.HasMember(uid) {
		return CancelOutcome{}, group.ErrNotMember
	}
	if !g.Pending() {
		return CancelOutcome{}, group.ErrInvalidState
	}
	now := e.now()
	staleBefore := now.Add(-e.cfg.ClaimStaleAfter)
	if g.DispatchClaimedAt != nil && !g.DispatchClaimedAt.Before(staleBefore) {
		return CancelOutcome{}, ErrDispatchInFlight
	}
	ok, err := e.groups.Cancel(ctx, g.ID, g.Version, now, staleBefore)
	if err != nil {
		return CancelOutcome{}, fmt.Errorf("cancel group: %w", err)
	}
	if !ok {
		return CancelOutcome{}, group.ErrConflict
	}
	if err := e.tasks.CancelAll(ctx, g.ID, scheduler.ScheduledDispatch, scheduler.ConditionalDispatch, scheduler.DelayedNotify); err != nil {
		// Leftover tasks re-read the group and see it cancelled.
		e.log.Warn("cancel group tasks failed", "group_id", g.ID, "error", err)
	}
	_ = e.groups.AppendEvent(ctx, &group.Event{
		GroupID:   g.ID,
		Type:      group.EventCancelled,
		ActorID:   &uid,
		CreatedAt: now,
	})
	e.log.Info("group cancelled", "group_id", g.ID, "user_id", uid, "kind", g.Kind)

	out := CancelOutcome{Cancelled: g.ID}
	if !g.Shared() {
		return out, nil
	}
	for _, m := range g.Members {
		if m.UserID == uid {
			continue
		}
		solo, carried, d, err := e.continueSolo(ctx, g, m, now)
		if err != nil {
			return out, err
		}
		out.Continuation = &solo.ID
		out.Carried = carried
		out.Decision = d
	}
	return out, nil
}

func (e *Engine) continueSolo(ctx context.Context, old *group.Group, m group.Member, now time.Time) (*group.Group, bool, *Decision, error) {
	solo := group.NewSolo(m.UserID, old.Restaurant, old.Location, m.RequestedTime, old.Cap, now)
	// The member keeps the delivery time they were already given.
	solo.EffectiveTime = old.EffectiveTime
	solo.Members[0].OrderIdentifier = m.OrderIdentifier
	solo.Members[0].OrderDescription = m.OrderDescription
	solo.Members[0].JoinedAt = m.JoinedAt

	unlock := e.locks.Lock(group.LockKey(solo.ID))
	defer unlock()

	if err := e.groups.Create(ctx, solo); err != nil {
		return nil, false, nil, fmt.Errorf("create continuation group: %w", err)
	}
	_ = e.groups.AppendEvent(ctx, &group.Event{
		GroupID:   old.ID,
		Type:      group.EventMemberLeft,
		ActorID:   &m.UserID,
		Detail:    "continued_in=" + string(solo.ID),
		CreatedAt: now,
	})
	_ = e.groups.AppendEvent(ctx, &group.Event{
		GroupID:   solo.ID,
		Type:      group.EventCreated,
		ActorID:   &m.UserID,
		Detail:    "kind=solo continued_from=" + string(old.ID),
		CreatedAt: now,
	})

	carried, err := e.ledger.Carry(ctx, old.ID, solo.ID, m.UserID)
	if err != nil {
		return solo, false, nil, fmt.Errorf("carry payment: %w", err)
	}
	e.log.Info("member continued in solo group", "group_id", solo.ID, "from_group_id", old.ID, "user_id", m.UserID, "carried", carried)
	if !carried {
		return solo, false, nil, nil
	}
	d, err := e.apply(ctx, solo, m.UserID, false)
	return solo, true, &d, err
}

// OnUpgrade re-plans deadlines after the solo group before gained a member
// and became after. The caller holds the group lock. A paid solo deadline
// becomes a conditional one at the merged time, never later than the time the
// payer was already promised. Nobody is told.
func (e *Engine) OnUpgrade(ctx context.Context, before, after *group.Group) (Decision, error) {
	if !after.Pending() {
		return Decision{Action: ActionNone, GroupID: after.ID}, nil
	}
	if err := e.tasks.CancelAll(ctx, after.ID, scheduler.ScheduledDispatch); err != nil {
		return Decision{}, fmt.Errorf("cancel solo deadline: %w", err)
	}
	paid, err := e.ledger.PaidCount(ctx, after.ID)
	if err != nil {
		return Decision{}, err
	}
	if paid == 0 {
		return Decision{Action: ActionWaiting, GroupID: after.ID}, nil
	}
	now := e.now()
	at := e.resolve(before, now).At
	if merged := e.resolve(after, now); !merged.Immediate && merged.At.Before(at) {
		at = merged.At
	}
	return e.schedule(ctx, after, scheduler.ConditionalDispatch, at, "", false, "")
}

// UpdateOrder sets uid's order identifier and description on a pending group.
func (e *Engine) UpdateOrder(ctx context.Context, groupID, uid types.ID, identifier, description string) error {
	unlock := e.locks.Lock(group.LockKey(groupID))
	defer unlock()

	g, err := e.groups.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if !g.Pending() {
		return group.ErrInvalidState
	}
	if err := e.groups.UpdateMemberOrder(ctx, groupID, uid, identifier, description); err != nil {
		return err
	}
	_ = e.groups.AppendEvent(ctx, &group.Event{
		GroupID:   groupID,
		Type:      group.EventOrderDetails,
		ActorID:   &uid,
		Detail:    "identifier=" + identifier,
		CreatedAt: e.now(),
	})
	return nil
}

// UpdateDeliveryStatus stores a provider status and tells the delivered
// members. Early statuses are held back while the pickup is still more than
// the quiet period away.
func (e *Engine) UpdateDeliveryStatus(ctx context.Context, deliveryID, status string) (*group.Group, error) {
	g, err := e.groups.SetDeliveryStatus(ctx, deliveryID, status)
	if err != nil {
		return nil, err
	}
	now := e.now()
	_ = e.groups.AppendEvent(ctx, &group.Event{
		GroupID:   g.ID,
		Type:      group.EventDeliveryStatus,
		Detail:    "status=" + status,
		CreatedAt: now,
	})
	if g.Handle == nil {
		return g, nil
	}
	if dispatch.EarlyStatus(status) {
		res := e.resolve(g, g.Handle.DispatchedAt)
		if !res.Immediate && res.At.After(now.Add(e.cfg.StatusQuietPeriod)) {
			e.log.Debug("early delivery status suppressed", "group_id", g.ID, "status", status, "pickup_at", res.At)
			return g, nil
		}
	}

	key := notify.DeliveryStatus
	if status == "pickup" {
		key = notify.DeliveryOnTheWay
	}
	for _, uid := range g.Handle.DeliveredTo {
		data := e.groupData(g, time.Time{})
		data["message"] = dispatch.StatusMessage(g.Restaurant, status)
		data["tracking_url"] = g.Handle.TrackingURL
		data["status"] = status
		e.notifier.Notify(ctx, uid, key, data)
	}
	return g, nil
}

// resolve places the group's effective time on the calendar, falling back to
// now plus FallbackLead for strings that cannot be resolved.
func (e *Engine) resolve(g *group.Group, now time.Time) timecompat.Resolution {
	res, err := timecompat.Resolve(g.EffectiveTime, now, e.loc, e.cfg.PastGrace)
	if err != nil {
		e.log.Warn("effective time unresolvable, using fallback lead",
			"group_id", g.ID, "effective_time", g.EffectiveTime, "lead", e.cfg.FallbackLead)
		return timecompat.Resolution{At: now.Add(e.cfg.FallbackLead)}
	}
	return res
}

func (e *Engine) groupData(g *group.Group, at time.Time) map[string]string {
	when := g.EffectiveTime
	if !at.IsZero() {
		when = at.In(e.loc).Format("3:04pm")
	}
	return map[string]string{
		"restaurant": g.Restaurant,
		"location":   g.Location,
		"time":       when,
	}
}
