// README: Single-loop deferred task runner: leased claims, per-kind handlers, retry with backoff.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pangea/internal/config"
	"pangea/internal/metrics"
	"pangea/internal/types"
)

// Handler runs a fired task. A non-nil error re-enqueues the task with backoff.
type Handler func(ctx context.Context, t Task) error

const dueBatch = 64

type Scheduler struct {
	store    Store
	cfg      config.SchedulerConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	wake     chan struct{}
	mu       sync.RWMutex
	handlers map[Kind]Handler
	inflight sync.WaitGroup
}

func New(store Store, cfg config.SchedulerConfig, log *slog.Logger, m *metrics.Metrics) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	return &Scheduler{
		store:    store,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		handlers: make(map[Kind]Handler),
	}
}

// Handle registers the handler for a task kind, replacing any previous one.
func (s *Scheduler) Handle(kind Kind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Schedule enqueues (kind, subject) to fire at at, replacing a pending task
// for the same pair.
func (s *Scheduler) Schedule(ctx context.Context, kind Kind, subject types.ID, at time.Time) error {
	t := Task{ID: TaskID(kind, subject), Kind: kind, Subject: subject, FireAt: at}
	if err := s.store.Put(ctx, t); err != nil {
		return fmt.Errorf("schedule %s: %w", t.ID, err)
	}
	s.log.Debug("task scheduled", "task", t.ID, "fire_at", at)
	s.notify()
	return nil
}

func (s *Scheduler) Cancel(ctx context.Context, kind Kind, subject types.ID) error {
	return s.store.Remove(ctx, TaskID(kind, subject))
}

// CancelAll removes the tasks of every given kind for subject.
func (s *Scheduler) CancelAll(ctx context.Context, subject types.ID, kinds ...Kind) error {
	for _, k := range kinds {
		if err := s.Cancel(ctx, k, subject); err != nil {
			return fmt.Errorf("cancel %s: %w", TaskID(k, subject), err)
		}
	}
	return nil
}

// Pending returns the queued task for (kind, subject), if any.
func (s *Scheduler) Pending(ctx context.Context, kind Kind, subject types.ID) (Task, bool, error) {
	return s.store.Get(ctx, TaskID(kind, subject))
}

// Run fires due tasks until ctx is done. It sleeps until the earliest task or
// the poll interval, whichever is sooner, and wakes early on Schedule.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started", "poll_interval", s.cfg.PollInterval)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.inflight.Wait()
			s.log.Info("scheduler stopped")
			return
		case <-timer.C:
		case <-s.wake:
		}

		s.fire(ctx, s.now())

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextWait(ctx))
	}
}

// FireDue claims every task due at now, runs the handlers and waits for them.
// It returns the number of tasks claimed.
func (s *Scheduler) FireDue(ctx context.Context, now time.Time) int {
	n := s.fire(ctx, now)
	s.inflight.Wait()
	return n
}

func (s *Scheduler) fire(ctx context.Context, now time.Time) int {
	due, err := s.store.Due(ctx, now, dueBatch)
	if err != nil {
		s.log.Error("list due tasks failed", "error", err)
		return 0
	}
	claimed := 0
	for _, t := range due {
		lease := now.Add(s.cfg.Lease)
		ok, err := s.store.Claim(ctx, t, lease)
		if err != nil {
			s.log.Error("claim task failed", "task", t.ID, "error", err)
			continue
		}
		if !ok {
			// Another loop got it, or it was rescheduled.
			continue
		}
		claimed++
		t.Attempts++
		if t.Attempts > s.cfg.MaxAttempts {
			// Runs that never settled, e.g. the process died mid-handler.
			s.log.Error("task exhausted retries, obligation lost",
				"task", t.ID, "kind", t.Kind, "subject", t.Subject, "attempts", t.Attempts)
			s.metrics.Task(string(t.Kind), "lost")
			s.settle(ctx, t, lease, time.Time{})
			continue
		}
		s.inflight.Add(1)
		go func(t Task) {
			defer s.inflight.Done()
			s.run(ctx, t, lease)
		}(t)
	}
	return claimed
}

// run executes t, which is leased until lease. Attempts already counts this run.
func (s *Scheduler) run(ctx context.Context, t Task, lease time.Time) {
	s.mu.RLock()
	h, ok := s.handlers[t.Kind]
	s.mu.RUnlock()
	if !ok {
		s.log.Error("no handler for task kind", "task", t.ID, "kind", t.Kind)
		s.metrics.Task(string(t.Kind), "no_handler")
		s.settle(ctx, t, lease, time.Time{})
		return
	}

	err := h(ctx, t)
	if err == nil {
		s.metrics.Task(string(t.Kind), "ok")
		s.settle(ctx, t, lease, time.Time{})
		return
	}

	if t.Attempts >= s.cfg.MaxAttempts {
		s.log.Error("task exhausted retries, obligation lost",
			"task", t.ID, "kind", t.Kind, "subject", t.Subject, "attempts", t.Attempts, "error", err)
		s.metrics.Task(string(t.Kind), "lost")
		s.settle(ctx, t, lease, time.Time{})
		return
	}

	next := s.now().Add(s.cfg.RetryBackoff * time.Duration(t.Attempts))
	// A newer Schedule for the same pair wins over the retry.
	queued := s.settle(ctx, t, lease, next)
	s.log.Warn("task failed, retrying", "task", t.ID, "attempts", t.Attempts, "fire_at", next, "queued", queued, "error", err)
	s.metrics.Task(string(t.Kind), "retry")
	s.notify()
}

// settle ends t's lease. A failure leaves the lease to expire, which fires
// the task again.
func (s *Scheduler) settle(ctx context.Context, t Task, lease, next time.Time) bool {
	ok, err := s.store.Settle(context.WithoutCancel(ctx), t, lease, next)
	if err != nil {
		s.log.Error("settle task failed, it fires again after the lease", "task", t.ID, "lease", lease, "error", err)
		return false
	}
	return ok
}

func (s *Scheduler) nextWait(ctx context.Context) time.Duration {
	wait := s.cfg.PollInterval
	next, ok, err := s.store.Next(ctx)
	if err != nil || !ok {
		return wait
	}
	if d := next.Sub(s.now()); d < wait {
		if d < 0 {
			return 0
		}
		return d
	}
	return wait
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
