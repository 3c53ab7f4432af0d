// README: Orchestration context: collaborators built once at startup and the inbound entry points.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pangea/internal/ai"
	"pangea/internal/config"
	"pangea/internal/infra"
	"pangea/internal/keylock"
	"pangea/internal/metrics"
	"pangea/internal/modules/aiusage"
	"pangea/internal/modules/dispatch"
	"pangea/internal/modules/group"
	"pangea/internal/modules/payment"
	"pangea/internal/modules/timecompat"
	"pangea/internal/modules/trigger"
	"pangea/internal/notify"
	"pangea/internal/scheduler"
	"pangea/internal/types"
)

// Components are the storage and outbound adapters a Context is built from.
// Optional ones may be left nil.
type Components struct {
	Groups   group.Store
	Requests group.RequestStore
	Payments payment.Store
	Tasks    scheduler.Store
	Provider dispatch.Provider
	Resolver dispatch.Resolver
	Notifier notify.Notifier
	Reasoner ai.TimeReasoner
	// Usage meters reasoner calls per requester.
	Usage *aiusage.Service
	// Verifier authenticates API callers when Auth.Mode is firebase.
	Verifier infra.TokenVerifier
}

// Context owns every long-lived collaborator. Build it once, Run the
// scheduler, Close it at shutdown.
type Context struct {
	Config     config.Config
	Groups     group.Store
	Requests   group.RequestStore
	Ledger     *payment.Ledger
	Matcher    *group.Matcher
	Engine     *trigger.Engine
	Scheduler  *scheduler.Scheduler
	Dispatcher *dispatch.Dispatcher
	Notifier   notify.Notifier
	Verifier   infra.TokenVerifier
	Usage      *aiusage.Service
	Locks      *keylock.Locker
	Metrics    *metrics.Metrics
	Log        *slog.Logger

	now     func() time.Time
	closers []func()
}

func New(cfg config.Config, c Components, log *slog.Logger, m *metrics.Metrics) *Context {
	if log == nil {
		log = slog.Default()
	}
	if c.Notifier == nil {
		c.Notifier = notify.NewLogNotifier(log)
	}
	locks := keylock.New()
	var quota timecompat.Quota
	if c.Usage != nil {
		quota = c.Usage
	}
	compat := timecompat.NewService(timecompat.Options{
		Reasoner: c.Reasoner,
		Quota:    quota,
		Timeout:  cfg.AI.Timeout,
		Location: cfg.Trigger.Location(),
		Logger:   log,
		Metrics:  m,
	})
	sched := scheduler.New(c.Tasks, cfg.Scheduler, log, m)
	ledger := payment.NewLedger(c.Payments, c.Groups)
	dispatcher := dispatch.NewDispatcher(c.Provider, dispatch.NewAddressBook(c.Resolver), cfg.Trigger.DispatchTimeout, log, m)
	engine := trigger.NewEngine(trigger.Deps{
		Groups:     c.Groups,
		Ledger:     ledger,
		Dispatcher: dispatcher,
		Tasks:      sched,
		Notifier:   c.Notifier,
		Locks:      locks,
		Config:     cfg.Trigger,
		Logger:     log,
		Metrics:    m,
	})
	engine.Register(sched)

	oc := &Context{
		Config:     cfg,
		Groups:     c.Groups,
		Requests:   c.Requests,
		Ledger:     ledger,
		Matcher:    group.NewMatcher(c.Groups, c.Requests, compat, locks, cfg.Matching, log, m),
		Engine:     engine,
		Scheduler:  sched,
		Dispatcher: dispatcher,
		Notifier:   c.Notifier,
		Verifier:   c.Verifier,
		Usage:      c.Usage,
		Locks:      locks,
		Metrics:    m,
		Log:        log,
		now:        time.Now,
	}
	oc.Matcher.OnUpgrade(func(ctx context.Context, before, after *group.Group) error {
		_, err := engine.OnUpgrade(ctx, before, after)
		return err
	})
	sched.Handle(scheduler.SoloPromote, oc.promote)
	return oc
}

// OnClose registers fn to run at Close, in reverse registration order.
func (c *Context) OnClose(fn func()) {
	c.closers = append(c.closers, fn)
}

func (c *Context) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// Run drives the scheduler until ctx is done.
func (c *Context) Run(ctx context.Context) {
	c.Scheduler.Run(ctx)
}

// OnFoodRequest matches a new request. Both members of a new real group and
// the joining member of an upgrade hear "matched"; the original member of an
// upgraded solo group hears nothing.
func (c *Context) OnFoodRequest(ctx context.Context, uid types.ID, restaurant, location, when string) (*group.Outcome, error) {
	out, err := c.Matcher.Submit(ctx, group.RequestCommand{
		UserID:        uid,
		Restaurant:    restaurant,
		Location:      location,
		RequestedTime: when,
	})
	if err != nil {
		return nil, err
	}

	switch out.Kind {
	case group.OutcomeReal:
		for _, member := range out.Group.MemberIDs() {
			c.Notifier.Notify(ctx, member, notify.Matched, matchData(out.Group))
		}
	case group.OutcomeUpgrade:
		c.Notifier.Notify(ctx, uid, notify.Matched, matchData(out.Group))
	case group.OutcomeSolo:
		c.Notifier.Notify(ctx, uid, notify.Matched, matchData(out.Group))
	case group.OutcomeWaiting:
		at := c.now().Add(c.Config.Matching.SoloHold)
		if err := c.Scheduler.Schedule(ctx, scheduler.SoloPromote, uid, at); err != nil {
			return nil, fmt.Errorf("schedule solo promotion: %w", err)
		}
		c.Notifier.Notify(ctx, uid, notify.RequestWaiting, map[string]string{
			"restaurant": restaurant,
			"location":   location,
			"time":       when,
		})
	}
	return out, nil
}

// OnPaymentSignal records that uid paid for their active group. A request
// still waiting for a partner becomes a solo group first.
func (c *Context) OnPaymentSignal(ctx context.Context, uid types.ID) (trigger.Decision, error) {
	promoted, err := c.Matcher.PromoteSolo(ctx, uid)
	if err != nil && !errors.Is(err, group.ErrActiveGroup) {
		return trigger.Decision{}, fmt.Errorf("promote waiting request: %w", err)
	}
	if promoted != nil {
		if err := c.Scheduler.Cancel(ctx, scheduler.SoloPromote, uid); err != nil {
			c.Log.Warn("cancel solo promotion failed", "user_id", uid, "error", err)
		}
	}

	g, err := c.activeGroup(ctx, uid)
	if err != nil {
		return trigger.Decision{}, err
	}
	return c.Engine.HandlePayment(ctx, g.ID, uid)
}

type CancelResult struct {
	// Withdrawn is true when a waiting request was dropped before any group existed.
	Withdrawn bool
	Group     *trigger.CancelOutcome
}

// OnCancel withdraws uid's waiting request or takes them out of their group.
func (c *Context) OnCancel(ctx context.Context, uid types.ID) (CancelResult, error) {
	withdrawn, err := c.Matcher.Withdraw(ctx, uid)
	if err != nil {
		return CancelResult{}, fmt.Errorf("withdraw request: %w", err)
	}
	if withdrawn {
		if err := c.Scheduler.Cancel(ctx, scheduler.SoloPromote, uid); err != nil {
			c.Log.Warn("cancel solo promotion failed", "user_id", uid, "error", err)
		}
		return CancelResult{Withdrawn: true}, nil
	}

	g, err := c.activeGroup(ctx, uid)
	if err != nil {
		return CancelResult{}, err
	}
	out, err := c.Engine.Cancel(ctx, g.ID, uid)
	if err != nil {
		return CancelResult{}, err
	}
	if err := c.Requests.Remove(ctx, uid); err != nil {
		c.Log.Warn("remove request after cancel failed", "user_id", uid, "error", err)
	}
	return CancelResult{Group: &out}, nil
}

// OnOrderDetails sets the order number or name and description the courier uses.
func (c *Context) OnOrderDetails(ctx context.Context, uid types.ID, identifier, description string) (*group.Group, error) {
	g, err := c.activeGroup(ctx, uid)
	if err != nil {
		return nil, err
	}
	if err := c.Engine.UpdateOrder(ctx, g.ID, uid, identifier, description); err != nil {
		return nil, err
	}
	return c.Groups.Get(ctx, g.ID)
}

func (c *Context) OnDeliveryStatus(ctx context.Context, deliveryID, status string) (*group.Group, error) {
	return c.Engine.UpdateDeliveryStatus(ctx, deliveryID, status)
}

// GroupView is a group with its payment state and audit trail.
type GroupView struct {
	Group  *group.Group
	Paid   []types.ID
	Events []group.Event
}

func (c *Context) Group(ctx context.Context, id types.ID) (*GroupView, error) {
	g, err := c.Groups.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	paid, err := c.Ledger.PaidUsers(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := c.Groups.Events(ctx, id)
	if err != nil {
		return nil, err
	}
	return &GroupView{Group: g, Paid: paid, Events: events}, nil
}

func (c *Context) activeGroup(ctx context.Context, uid types.ID) (*group.Group, error) {
	g, err := c.Groups.ActiveByUser(ctx, uid)
	if errors.Is(err, group.ErrNotFound) {
		return nil, trigger.ErrNoActiveGroup
	}
	return g, err
}

// promote handles the solo-promote task for a request nobody matched in time.
func (c *Context) promote(ctx context.Context, t scheduler.Task) error {
	g, err := c.Matcher.PromoteSolo(ctx, t.Subject)
	if errors.Is(err, group.ErrActiveGroup) {
		return nil
	}
	if err != nil {
		return err
	}
	if g != nil {
		c.Notifier.Notify(ctx, t.Subject, notify.Matched, matchData(g))
	}
	return nil
}

func matchData(g *group.Group) map[string]string {
	return map[string]string{
		"restaurant": g.Restaurant,
		"location":   g.Location,
		"time":       g.EffectiveTime,
	}
}
