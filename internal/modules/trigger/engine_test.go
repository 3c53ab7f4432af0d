// README: Trigger engine tests over in-memory stores, a fake dispatcher and the real scheduler.
package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pangea/internal/config"
	"pangea/internal/keylock"
	"pangea/internal/logging"
	"pangea/internal/modules/dispatch"
	"pangea/internal/modules/group"
	"pangea/internal/modules/payment"
	"pangea/internal/modules/timecompat"
	"pangea/internal/notify"
	"pangea/internal/scheduler"
	"pangea/internal/types"
)

var base = time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatch.Request
	fail  string
	delay time.Duration
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req dispatch.Request) dispatch.Result {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.fail != "" {
		return dispatch.Result{Reason: f.fail}
	}
	return dispatch.Result{
		Success:     true,
		DeliveryID:  "del_" + string(req.GroupID),
		TrackingURL: "https://track.example/" + string(req.GroupID),
		Status:      "pending",
		Fee:         types.Money{Amount: 599, Currency: "USD"},
	}
}

func (f *fakeDispatcher) setFail(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = reason
}

func (f *fakeDispatcher) requests() []dispatch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch.Request(nil), f.calls...)
}

type harness struct {
	engine     *Engine
	groups     *group.MemoryStore
	ledger     *payment.Ledger
	sched      *scheduler.Scheduler
	locks      *keylock.Locker
	dispatcher *fakeDispatcher
	notes      *notify.Recorder
	now        time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	groups := group.NewMemoryStore()
	h := &harness{
		groups:     groups,
		ledger:     payment.NewLedger(payment.NewMemoryStore(), groups),
		locks:      keylock.New(),
		dispatcher: &fakeDispatcher{},
		notes:      &notify.Recorder{},
		now:        base,
	}
	h.sched = scheduler.New(scheduler.NewMemoryStore(), config.SchedulerConfig{
		PollInterval: time.Second,
		RetryBackoff: time.Minute,
		MaxAttempts:  3,
	}, logging.Discard(), nil)
	h.engine = NewEngine(Deps{
		Groups:     groups,
		Ledger:     h.ledger,
		Dispatcher: h.dispatcher,
		Tasks:      h.sched,
		Notifier:   h.notes,
		Locks:      h.locks,
		Config: config.TriggerConfig{
			NotifyDelay:       50 * time.Second,
			DispatchTimeout:   15 * time.Second,
			ClaimStaleAfter:   2 * time.Minute,
			FallbackLead:      30 * time.Minute,
			PastGrace:         2 * time.Hour,
			StatusQuietPeriod: 10 * time.Minute,
			Timezone:          "UTC",
		},
		Logger: logging.Discard(),
	})
	h.engine.now = func() time.Time { return h.now }
	h.engine.Register(h.sched)
	return h
}

func (h *harness) solo(t *testing.T, uid, when string) *group.Group {
	t.Helper()
	g := group.NewSolo(types.ID(uid), "Starbucks", "UHall", when, 2, h.now)
	if err := h.groups.Create(context.Background(), g); err != nil {
		t.Fatalf("create solo: %v", err)
	}
	return g
}

func (h *harness) pair(t *testing.T, when, a, b string) *group.Group {
	t.Helper()
	g := &group.Group{
		ID:            types.NewID(),
		Restaurant:    "Chipotle",
		Location:      "Library",
		EffectiveTime: when,
		Kind:          group.KindReal,
		Cap:           2,
		Members: []group.Member{
			{UserID: types.ID(a), RequestedTime: when, OrderIdentifier: "A-1", JoinedAt: h.now},
			{UserID: types.ID(b), RequestedTime: when, OrderIdentifier: "B-2", JoinedAt: h.now},
		},
		DispatchState: group.StatePending,
		CreatedAt:     h.now,
		UpdatedAt:     h.now,
	}
	if err := h.groups.Create(context.Background(), g); err != nil {
		t.Fatalf("create pair: %v", err)
	}
	return g
}

func (h *harness) pay(t *testing.T, g *group.Group, uid string) Decision {
	t.Helper()
	d, err := h.engine.HandlePayment(context.Background(), g.ID, types.ID(uid))
	if err != nil {
		t.Fatalf("payment %s: %v", uid, err)
	}
	return d
}

func (h *harness) get(t *testing.T, id types.ID) *group.Group {
	t.Helper()
	g, err := h.groups.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return g
}

func (h *harness) pending(kind scheduler.Kind, id types.ID) (scheduler.Task, bool) {
	task, ok, _ := h.sched.Pending(context.Background(), kind, id)
	return task, ok
}

func TestSoloImmediatePaymentDispatchesNow(t *testing.T) {
	h := newHarness(t)
	g := h.solo(t, "u1", "now")

	d := h.pay(t, g, "u1")
	if d.Action != ActionDispatched || !d.FirstPayment {
		t.Fatalf("unexpected decision: %+v", d)
	}
	reqs := h.dispatcher.requests()
	if len(reqs) != 1 || reqs[0].Scheduled || len(reqs[0].Items) != 1 {
		t.Fatalf("unexpected dispatch: %+v", reqs)
	}
	if h.notes.Count("u1", notify.DeliveryTriggered) != 1 {
		t.Fatalf("payer not told: %s", h.notes)
	}
	if got := h.get(t, g.ID); got.DispatchState != group.StateDispatched {
		t.Fatalf("state: %s", got.DispatchState)
	}
}

// Scenario B.
func TestSoloScheduledPaymentSetsTimer(t *testing.T) {
	h := newHarness(t)
	g := h.solo(t, "u1", "3pm")

	d := h.pay(t, g, "u1")
	if d.Action != ActionScheduled || !d.FireAt.Equal(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if len(h.dispatcher.requests()) != 0 {
		t.Fatalf("dispatched before the scheduled time")
	}
	if _, ok := h.pending(scheduler.ScheduledDispatch, g.ID); !ok {
		t.Fatalf("scheduled-dispatch task missing")
	}
	if h.notes.Count("u1", notify.DeliveryScheduled) != 1 {
		t.Fatalf("payer not told about the schedule: %s", h.notes)
	}

	h.now = d.FireAt
	if n := h.sched.FireDue(context.Background(), d.FireAt); n != 1 {
		t.Fatalf("expected the timer to fire, got %d", n)
	}
	if len(h.dispatcher.requests()) != 1 {
		t.Fatalf("expected one dispatch at 3pm")
	}
	if h.notes.Count("u1", notify.DeliveryTriggered) != 1 {
		t.Fatalf("payer not told at dispatch: %s", h.notes)
	}
}

// Scenario E.
func TestCancelledSoloTimerIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.solo(t, "u1", "3pm")
	d := h.pay(t, g, "u1")

	out, err := h.engine.Cancel(ctx, g.ID, "u1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Continuation != nil {
		t.Fatalf("solo cancel must not continue")
	}
	// A timer that was already in flight still has to observe the cancellation.
	if err := h.sched.Schedule(ctx, scheduler.ScheduledDispatch, g.ID, d.FireAt); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	h.now = d.FireAt
	h.sched.FireDue(ctx, d.FireAt)
	if len(h.dispatcher.requests()) != 0 {
		t.Fatalf("cancelled group dispatched")
	}
	if got := h.get(t, g.ID); got.DispatchState != group.StateCancelled {
		t.Fatalf("state: %s", got.DispatchState)
	}
}

func TestImmediateGroupWaitsForPartner(t *testing.T) {
	h := newHarness(t)
	g := h.pair(t, "now", "a", "b")

	if d := h.pay(t, g, "a"); d.Action != ActionWaiting {
		t.Fatalf("expected waiting, got %+v", d)
	}
	if _, ok := h.pending(scheduler.ConditionalDispatch, g.ID); ok {
		t.Fatalf("immediate group must not set a timer")
	}
	if h.notes.Count("a", notify.WaitingPartner) != 1 {
		t.Fatalf("payer not told to wait: %s", h.notes)
	}
	if d := h.pay(t, g, "b"); d.Action != ActionDispatched {
		t.Fatalf("expected dispatch, got %+v", d)
	}
	reqs := h.dispatcher.requests()
	if len(reqs) != 1 || len(reqs[0].Items) != 2 {
		t.Fatalf("unexpected dispatch: %+v", reqs)
	}
	if reqs[0].Items[0].Identifier != "A-1" || reqs[0].Items[1].Identifier != "B-2" {
		t.Fatalf("order identifiers lost: %+v", reqs[0].Items)
	}
}

// P3: once everyone paid, the scheduled time no longer delays dispatch.
func TestAllPaidDispatchesImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.pair(t, "5pm", "a", "b")

	if d := h.pay(t, g, "a"); d.Action != ActionScheduled {
		t.Fatalf("expected conditional schedule, got %+v", d)
	}
	if _, ok := h.pending(scheduler.ConditionalDispatch, g.ID); !ok {
		t.Fatalf("conditional-dispatch missing")
	}
	d := h.pay(t, g, "b")
	if d.Action != ActionDispatched {
		t.Fatalf("expected dispatch on the second payment, got %+v", d)
	}
	reqs := h.dispatcher.requests()
	if len(reqs) != 1 || !reqs[0].Scheduled || !reqs[0].PickupReady.Equal(time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected dispatch request: %+v", reqs)
	}
	if _, ok := h.pending(scheduler.ConditionalDispatch, g.ID); ok {
		t.Fatalf("conditional task not cancelled")
	}
	task, ok := h.pending(scheduler.DelayedNotify, g.ID)
	if !ok || !task.FireAt.Equal(base.Add(50*time.Second)) {
		t.Fatalf("delayed notification not scheduled: %+v", task)
	}
	if h.notes.Count("a", notify.DeliveryTriggered)+h.notes.Count("b", notify.DeliveryTriggered) != 0 {
		t.Fatalf("members told before the delay")
	}

	h.sched.FireDue(ctx, base.Add(50*time.Second))
	sent := h.notes.All()
	shares := map[types.ID]string{}
	for _, s := range sent {
		if s.Key == notify.DeliveryTriggered {
			shares[s.UserID] = s.Data["share"]
		}
	}
	if shares["a"] != "3.00 USD" || shares["b"] != "2.99 USD" {
		t.Fatalf("unexpected fee shares: %v", shares)
	}
}

// P4 and Scenario D.
func TestConditionalDeadlineDispatchesPaidSubset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.pair(t, "5pm", "a", "b")
	d := h.pay(t, g, "a")

	h.now = d.FireAt
	if n := h.sched.FireDue(ctx, d.FireAt); n != 1 {
		t.Fatalf("conditional task did not fire")
	}
	reqs := h.dispatcher.requests()
	if len(reqs) != 1 || len(reqs[0].Items) != 1 || reqs[0].Items[0].UserID != "a" {
		t.Fatalf("expected dispatch for a only: %+v", reqs)
	}
	if h.notes.Count("b", notify.MissedDelivery) != 1 || h.notes.Count("a", notify.MissedDelivery) != 0 {
		t.Fatalf("missed notice sent to the wrong members: %s", h.notes)
	}
	if h.notes.Count("b", notify.DeliveryTriggered) != 0 {
		t.Fatalf("unpaid member told about the delivery")
	}
	got := h.get(t, g.ID)
	if got.DispatchState != group.StateDispatched || len(got.Handle.DeliveredTo) != 1 {
		t.Fatalf("unexpected group: %+v", got)
	}

	// A late payment from b after the deadline changes nothing.
	if d := h.pay(t, g, "b"); d.Action != ActionNone {
		t.Fatalf("late payment acted on: %+v", d)
	}
	if len(h.dispatcher.requests()) != 1 {
		t.Fatalf("late payment dispatched again")
	}
}

func TestDeadlineWithoutPaymentsLeavesGroupPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.pair(t, "5pm", "a", "b")
	at := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
	_ = h.sched.Schedule(ctx, scheduler.ConditionalDispatch, g.ID, at)

	h.now = at
	h.sched.FireDue(ctx, at)
	if len(h.dispatcher.requests()) != 0 {
		t.Fatalf("dispatched with nobody paid")
	}
	if got := h.get(t, g.ID); got.DispatchState != group.StatePending {
		t.Fatalf("state: %s", got.DispatchState)
	}
	if len(h.notes.All()) != 0 {
		t.Fatalf("unexpected notifications: %s", h.notes)
	}
}

// P5.
func TestDuplicatePaymentIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.pair(t, "now", "a", "b")

	first := h.pay(t, g, "a")
	second := h.pay(t, g, "a")
	if !first.FirstPayment || second.FirstPayment {
		t.Fatalf("first flags: %v %v", first.FirstPayment, second.FirstPayment)
	}
	n, err := h.ledger.PaidCount(ctx, g.ID)
	if err != nil || n != 1 {
		t.Fatalf("paid count: %d %v", n, err)
	}
	if h.notes.Count("a", notify.WaitingPartner) != 1 {
		t.Fatalf("duplicate payment re-notified: %s", h.notes)
	}
}

func TestPaymentFromStrangerRejected(t *testing.T) {
	h := newHarness(t)
	g := h.pair(t, "now", "a", "b")
	_, err := h.engine.HandlePayment(context.Background(), g.ID, "zed")
	if !errors.Is(err, payment.ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

// P1: payments and deadline firings racing on one group dispatch once.
func TestConcurrentEventsDispatchOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dispatcher.delay = 5 * time.Millisecond
	g := h.pair(t, "now", "a", "b")
	_ = h.sched.Schedule(ctx, scheduler.ConditionalDispatch, g.ID, base)

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n+1)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		uid := types.ID("a")
		if i%2 == 1 {
			uid = "b"
		}
		wg.Add(1)
		go func(uid types.ID) {
			defer wg.Done()
			<-start
			_, err := h.engine.HandlePayment(ctx, g.ID, uid)
			errs <- err
		}(uid)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		h.sched.FireDue(ctx, base)
		errs <- nil
	}()
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("event: %v", err)
		}
	}

	if got := len(h.dispatcher.requests()); got != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", got)
	}
	if got := h.get(t, g.ID); got.DispatchState != group.StateDispatched {
		t.Fatalf("state: %s", got.DispatchState)
	}
}

func TestDispatchFailureKeepsGroupPending(t *testing.T) {
	h := newHarness(t)
	g := h.pair(t, "now", "a", "b")
	h.dispatcher.setFail(dispatch.ReasonProvider)

	h.pay(t, g, "a")
	d := h.pay(t, g, "b")
	if d.Action != ActionFailed || d.Result == nil || d.Result.Reason != dispatch.ReasonProvider {
		t.Fatalf("expected failed decision, got %+v", d)
	}
	got := h.get(t, g.ID)
	if got.DispatchState != group.StatePending || got.DispatchClaimedAt != nil {
		t.Fatalf("failed dispatch left state behind: %+v", got)
	}
	if h.notes.Count("a", notify.DeliveryTriggered)+h.notes.Count("b", notify.DeliveryTriggered) != 0 {
		t.Fatalf("members told about a failed dispatch")
	}

	// The next payment event retries.
	h.dispatcher.setFail("")
	if d := h.pay(t, g, "b"); d.Action != ActionDispatched {
		t.Fatalf("retry did not dispatch: %+v", d)
	}
	if _, ok := h.pending(scheduler.DelayedNotify, g.ID); !ok {
		t.Fatalf("delayed notification missing after retry")
	}
}

func TestFailedDeadlineDispatchIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.solo(t, "u1", "3pm")
	d := h.pay(t, g, "u1")
	h.dispatcher.setFail(dispatch.ReasonTimeout)

	h.now = d.FireAt
	h.sched.FireDue(ctx, d.FireAt)
	if _, ok := h.pending(scheduler.ScheduledDispatch, g.ID); !ok {
		t.Fatalf("failed deadline not re-enqueued")
	}
}

// P6: the remaining member silently continues alone.
func TestPartnerCancelContinuesSilently(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.pair(t, "5pm", "a", "b")
	h.pay(t, g, "a")
	before := len(h.notes.Keys("a"))

	out, err := h.engine.Cancel(ctx, g.ID, "b")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Continuation == nil || !out.Carried {
		t.Fatalf("expected a continuation with payment: %+v", out)
	}
	if out.Decision == nil || out.Decision.Action != ActionScheduled {
		t.Fatalf("solo rules not re-applied: %+v", out.Decision)
	}
	if got := len(h.notes.Keys("a")); got != before {
		t.Fatalf("remaining member was notified: %s", h.notes)
	}

	if h.get(t, g.ID).DispatchState != group.StateCancelled {
		t.Fatalf("original group not cancelled")
	}
	if _, ok := h.pending(scheduler.ConditionalDispatch, g.ID); ok {
		t.Fatalf("old conditional task survived")
	}
	solo := h.get(t, *out.Continuation)
	if solo.Kind != group.KindSolo || !solo.HasMember("a") || solo.EffectiveTime != "5pm" {
		t.Fatalf("unexpected continuation: %+v", solo)
	}
	if m, _ := solo.Member("a"); m.OrderIdentifier != "A-1" {
		t.Fatalf("order details not carried: %+v", m)
	}
	if paid, _ := h.ledger.HasPaid(ctx, solo.ID, "a"); !paid {
		t.Fatalf("payment not carried")
	}
	if _, ok := h.pending(scheduler.ScheduledDispatch, solo.ID); !ok {
		t.Fatalf("continuation has no scheduled dispatch")
	}
	active, err := h.groups.ActiveByUser(ctx, "a")
	if err != nil || active.ID != solo.ID {
		t.Fatalf("active group for a: %v %v", active, err)
	}
}

func TestCancelBlockedWhileDispatchInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.solo(t, "u1", "3pm")
	if ok, _ := h.groups.ClaimDispatch(ctx, g.ID, base, base.Add(-time.Minute)); !ok {
		t.Fatalf("claim failed")
	}
	if _, err := h.engine.Cancel(ctx, g.ID, "u1"); !errors.Is(err, ErrDispatchInFlight) {
		t.Fatalf("expected ErrDispatchInFlight, got %v", err)
	}
	if _, err := h.engine.Cancel(ctx, g.ID, "stranger"); !errors.Is(err, group.ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

type ruleCompat struct{}

func (ruleCompat) Compatible(_ context.Context, _ types.ID, a, b string) timecompat.Result {
	return timecompat.Evaluate(a, b, base)
}

func newMatcher(h *harness, hold time.Duration) *group.Matcher {
	m := group.NewMatcher(h.groups, group.NewMemoryRequestStore(), ruleCompat{}, h.locks, config.MatchingConfig{
		Cap:           2,
		Threshold:     0.5,
		UpgradeWindow: 30 * time.Minute,
		AbandonWindow: 30 * time.Minute,
		SoloHold:      hold,
	}, logging.Discard(), nil)
	m.OnUpgrade(func(ctx context.Context, before, after *group.Group) error {
		_, err := h.engine.OnUpgrade(ctx, before, after)
		return err
	})
	return m
}

func submit(t *testing.T, m *group.Matcher, uid, restaurant, location, when string) *group.Outcome {
	t.Helper()
	out, err := m.Submit(context.Background(), group.RequestCommand{
		UserID: types.ID(uid), Restaurant: restaurant, Location: location, RequestedTime: when,
	})
	if err != nil {
		t.Fatalf("submit %s: %v", uid, err)
	}
	return out
}

// Scenario A.
func TestRealMatchBothPaidDispatchesOnce(t *testing.T) {
	h := newHarness(t)
	m := newMatcher(h, 3*time.Minute)

	if out := submit(t, m, "u1", "Chipotle", "Library", "now"); out.Kind != group.OutcomeWaiting {
		t.Fatalf("expected waiting, got %s", out.Kind)
	}
	out := submit(t, m, "u2", "Chipotle", "Library", "now")
	if out.Kind != group.OutcomeReal {
		t.Fatalf("expected real match, got %s", out.Kind)
	}
	h.pay(t, out.Group, "u1")
	h.pay(t, out.Group, "u2")
	h.pay(t, out.Group, "u1")

	reqs := h.dispatcher.requests()
	if len(reqs) != 1 || len(reqs[0].Items) != 2 {
		t.Fatalf("expected one dispatch with two members: %+v", reqs)
	}
}

// Scenario C and the upgrade half of P6.
func TestUpgradedSoloDispatchesWhenBothPaid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := newMatcher(h, 0)

	first := submit(t, m, "u1", "Starbucks", "UHall", "3pm")
	if first.Kind != group.OutcomeSolo {
		t.Fatalf("expected solo, got %s", first.Kind)
	}
	if d := h.pay(t, first.Group, "u1"); d.Action != ActionScheduled {
		t.Fatalf("expected scheduled dispatch, got %+v", d)
	}
	before := len(h.notes.Keys("u1"))

	second := submit(t, m, "u2", "Starbucks", "UHall", "3pm")
	if second.Kind != group.OutcomeUpgrade || second.Group.ID != first.Group.ID {
		t.Fatalf("expected upgrade of the solo group, got %s", second.Kind)
	}
	if _, ok := h.pending(scheduler.ScheduledDispatch, first.Group.ID); ok {
		t.Fatalf("solo deadline survived the upgrade")
	}
	if _, ok := h.pending(scheduler.ConditionalDispatch, first.Group.ID); !ok {
		t.Fatalf("conditional deadline missing")
	}
	if got := len(h.notes.Keys("u1")); got != before {
		t.Fatalf("original solo member was notified of the upgrade: %s", h.notes)
	}
	if all, _ := h.ledger.AllPaid(ctx, first.Group.ID); all {
		t.Fatalf("allPaid must be false after the upgrade")
	}

	if d := h.pay(t, second.Group, "u2"); d.Action != ActionDispatched {
		t.Fatalf("expected immediate dispatch, got %+v", d)
	}
	reqs := h.dispatcher.requests()
	if len(reqs) != 1 || len(reqs[0].Items) != 2 {
		t.Fatalf("expected one two-member dispatch: %+v", reqs)
	}
}

func TestDeliveryStatusQuietPeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.pair(t, "5pm", "a", "b")
	h.pay(t, g, "a")
	h.pay(t, g, "b")
	deliveryID := "del_" + string(g.ID)

	if _, err := h.engine.UpdateDeliveryStatus(ctx, deliveryID, "pending"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if h.notes.Count("a", notify.DeliveryStatus) != 0 {
		t.Fatalf("early status not suppressed: %s", h.notes)
	}

	h.now = time.Date(2026, 3, 2, 16, 55, 0, 0, time.UTC)
	got, err := h.engine.UpdateDeliveryStatus(ctx, deliveryID, "pickup")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Handle.Status != "pickup" {
		t.Fatalf("status not stored: %+v", got.Handle)
	}
	if h.notes.Count("a", notify.DeliveryOnTheWay) != 1 || h.notes.Count("b", notify.DeliveryOnTheWay) != 1 {
		t.Fatalf("pickup status not sent: %s", h.notes)
	}
	if _, err := h.engine.UpdateDeliveryStatus(ctx, "del_unknown", "delivered"); !errors.Is(err, group.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateOrderOnlyWhilePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.solo(t, "u1", "now")
	if err := h.engine.UpdateOrder(ctx, g.ID, "u1", "#4521", "burrito bowl"); err != nil {
		t.Fatalf("update order: %v", err)
	}
	h.pay(t, g, "u1")
	reqs := h.dispatcher.requests()
	if len(reqs) != 1 || reqs[0].Items[0].Identifier != "#4521" || reqs[0].Items[0].Description != "burrito bowl" {
		t.Fatalf("order details missing from dispatch: %+v", reqs)
	}
	if err := h.engine.UpdateOrder(ctx, g.ID, "u1", "#1", ""); !errors.Is(err, group.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestUpgradeToNowKeepsPaidSoloDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := newMatcher(h, 0)

	first := submit(t, m, "u1", "Starbucks", "UHall", "11:10am")
	d := h.pay(t, first.Group, "u1")
	soloAt := time.Date(2026, 3, 2, 11, 10, 0, 0, time.UTC)
	if d.Action != ActionScheduled || !d.FireAt.Equal(soloAt) {
		t.Fatalf("expected solo deadline at 11:10, got %+v", d)
	}

	second := submit(t, m, "u2", "Starbucks", "UHall", "now")
	if second.Kind != group.OutcomeUpgrade || second.Group.EffectiveTime != "now" {
		t.Fatalf("expected upgrade to now, got %s %q", second.Kind, second.Group.EffectiveTime)
	}
	task, ok := h.pending(scheduler.ConditionalDispatch, first.Group.ID)
	if !ok || !task.FireAt.Equal(soloAt) {
		t.Fatalf("paid member lost their deadline: %+v %v", task, ok)
	}

	// u2 never pays; u1 still gets their order at the promised time.
	h.now = soloAt
	h.sched.FireDue(ctx, soloAt)
	reqs := h.dispatcher.requests()
	if len(reqs) != 1 || len(reqs[0].Items) != 1 || reqs[0].Items[0].UserID != "u1" {
		t.Fatalf("expected dispatch for u1 only: %+v", reqs)
	}
	if h.notes.Count("u2", notify.MissedDelivery) != 1 {
		t.Fatalf("unpaid joiner not told: %s", h.notes)
	}
}

func TestUpgradeKeepsEarlierMergedTime(t *testing.T) {
	h := newHarness(t)
	m := newMatcher(h, 0)

	first := submit(t, m, "u1", "Starbucks", "UHall", "1pm")
	h.pay(t, first.Group, "u1")
	second := submit(t, m, "u2", "Starbucks", "UHall", "12:40pm")
	if second.Kind != group.OutcomeUpgrade {
		t.Fatalf("expected upgrade, got %s", second.Kind)
	}
	task, ok := h.pending(scheduler.ConditionalDispatch, first.Group.ID)
	if !ok || !task.FireAt.Equal(time.Date(2026, 3, 2, 12, 50, 0, 0, time.UTC)) {
		t.Fatalf("expected conditional deadline at the merged 12:50pm: %+v %v", task, ok)
	}
}

func TestStaleSoloDeadlineIgnoredAfterUpgrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.pair(t, "now", "a", "b")
	if _, err := h.ledger.RecordPayment(ctx, g.ID, "a"); err != nil {
		t.Fatalf("record payment: %v", err)
	}
	err := h.engine.fireDispatch(ctx, scheduler.Task{
		ID:      scheduler.TaskID(scheduler.ScheduledDispatch, g.ID),
		Kind:    scheduler.ScheduledDispatch,
		Subject: g.ID,
	})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(h.dispatcher.requests()) != 0 || h.notes.Count("b", notify.MissedDelivery) != 0 {
		t.Fatalf("solo deadline acted on a shared group: %s", h.notes)
	}
}

func TestDeadlineReportsMissedMembers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.pair(t, "5pm", "a", "b")
	if _, err := h.ledger.RecordPayment(ctx, g.ID, "a"); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	d, err := h.engine.dispatchDeadline(ctx, h.get(t, g.ID))
	if err != nil {
		t.Fatalf("deadline: %v", err)
	}
	if d.Action != ActionDispatched || len(d.Missed) != 1 || d.Missed[0] != "b" {
		t.Fatalf("unexpected decision: %+v", d)
	}

	other := h.pair(t, "5pm", "c", "d")
	d, err = h.engine.dispatchDeadline(ctx, other)
	if err != nil || d.Action != ActionWaiting || len(d.Missed) != 0 {
		t.Fatalf("deadline without payers: %+v %v", d, err)
	}
}
