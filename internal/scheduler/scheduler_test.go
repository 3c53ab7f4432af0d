package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pangea/internal/config"
	"pangea/internal/logging"
	"pangea/internal/testutil"
)

var base = time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)

func stores(t *testing.T) map[string]Store {
	client, _ := testutil.Redis(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
}

func newTestScheduler(store Store) *Scheduler {
	s := New(store, config.SchedulerConfig{
		PollInterval: 10 * time.Millisecond,
		RetryBackoff: 10 * time.Second,
		MaxAttempts:  3,
		Lease:        time.Minute,
	}, logging.Discard(), nil)
	s.now = func() time.Time { return base }
	return s
}

func TestScheduleReplacesPendingTask(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestScheduler(store)
			var fired []time.Time
			var mu sync.Mutex
			s.Handle(ConditionalDispatch, func(_ context.Context, task Task) error {
				mu.Lock()
				fired = append(fired, task.FireAt)
				mu.Unlock()
				return nil
			})

			if err := s.Schedule(ctx, ConditionalDispatch, "g1", base.Add(time.Minute)); err != nil {
				t.Fatalf("schedule: %v", err)
			}
			if err := s.Schedule(ctx, ConditionalDispatch, "g1", base.Add(5*time.Minute)); err != nil {
				t.Fatalf("reschedule: %v", err)
			}
			if n := s.FireDue(ctx, base.Add(2*time.Minute)); n != 0 {
				t.Fatalf("replaced task fired early: %d", n)
			}
			if n := s.FireDue(ctx, base.Add(5*time.Minute)); n != 1 {
				t.Fatalf("expected one task, got %d", n)
			}
			if n := s.FireDue(ctx, base.Add(10*time.Minute)); n != 0 {
				t.Fatalf("task fired twice")
			}
			if len(fired) != 1 || !fired[0].Equal(base.Add(5*time.Minute)) {
				t.Fatalf("unexpected firings: %v", fired)
			}
		})
	}
}

func TestCancelRemovesTask(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestScheduler(store)
			s.Handle(DelayedNotify, func(context.Context, Task) error {
				t.Errorf("cancelled task fired")
				return nil
			})
			_ = s.Schedule(ctx, DelayedNotify, "g1", base)
			_ = s.Schedule(ctx, ScheduledDispatch, "g1", base)
			if err := s.CancelAll(ctx, "g1", DelayedNotify, ScheduledDispatch); err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if _, ok, _ := s.Pending(ctx, DelayedNotify, "g1"); ok {
				t.Fatalf("task still pending")
			}
			if n := s.FireDue(ctx, base.Add(time.Hour)); n != 0 {
				t.Fatalf("expected nothing to fire, got %d", n)
			}
		})
	}
}

func TestClaimIsExclusive(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task := Task{ID: TaskID(ScheduledDispatch, "g1"), Kind: ScheduledDispatch, Subject: "g1", FireAt: base}
			if err := store.Put(ctx, task); err != nil {
				t.Fatalf("put: %v", err)
			}

			const n = 8
			var wins int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					ok, err := store.Claim(ctx, task, base.Add(time.Minute))
					if err != nil {
						t.Errorf("claim: %v", err)
					}
					if ok {
						atomic.AddInt32(&wins, 1)
					}
				}()
			}
			close(start)
			wg.Wait()
			if wins != 1 {
				t.Fatalf("expected exactly one claim, got %d", wins)
			}
		})
	}
}

func TestClaimMissesRescheduledTask(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := Task{ID: TaskID(ScheduledDispatch, "g1"), Kind: ScheduledDispatch, Subject: "g1", FireAt: base}
			_ = store.Put(ctx, old)
			moved := old
			moved.FireAt = base.Add(time.Hour)
			_ = store.Put(ctx, moved)

			ok, err := store.Claim(ctx, old, base.Add(time.Minute))
			if err != nil || ok {
				t.Fatalf("stale claim: ok=%v err=%v", ok, err)
			}
			next, ok, err := store.Next(ctx)
			if err != nil || !ok || !next.Equal(moved.FireAt) {
				t.Fatalf("next: %v %v %v", next, ok, err)
			}
		})
	}
}

func TestFailedTaskIsRetriedThenLost(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestScheduler(store)
			var calls int32
			s.Handle(ScheduledDispatch, func(context.Context, Task) error {
				atomic.AddInt32(&calls, 1)
				return errors.New("provider down")
			})
			_ = s.Schedule(ctx, ScheduledDispatch, "g1", base)

			s.FireDue(ctx, base)
			task, ok, err := s.Pending(ctx, ScheduledDispatch, "g1")
			if err != nil || !ok {
				t.Fatalf("retry not queued: ok=%v err=%v", ok, err)
			}
			if task.Attempts != 1 || !task.FireAt.Equal(base.Add(10*time.Second)) {
				t.Fatalf("unexpected retry: %+v", task)
			}

			s.FireDue(ctx, base.Add(time.Minute))
			s.FireDue(ctx, base.Add(2*time.Minute))
			if got := atomic.LoadInt32(&calls); got != 3 {
				t.Fatalf("expected 3 attempts, got %d", got)
			}
			if _, ok, _ := s.Pending(ctx, ScheduledDispatch, "g1"); ok {
				t.Fatalf("task still queued after max attempts")
			}
		})
	}
}

func TestRetryDoesNotOverrideNewSchedule(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(NewMemoryStore())
	s.Handle(ConditionalDispatch, func(ctx context.Context, task Task) error {
		// The handler itself schedules a fresh task before failing.
		_ = s.Schedule(ctx, ConditionalDispatch, task.Subject, base.Add(time.Hour))
		return errors.New("boom")
	})
	_ = s.Schedule(ctx, ConditionalDispatch, "g1", base)
	s.FireDue(ctx, base)

	task, ok, _ := s.Pending(ctx, ConditionalDispatch, "g1")
	if !ok || !task.FireAt.Equal(base.Add(time.Hour)) || task.Attempts != 0 {
		t.Fatalf("retry replaced the new schedule: %+v", task)
	}
}

func TestRunFiresScheduledTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(NewMemoryStore(), config.SchedulerConfig{PollInterval: 5 * time.Millisecond, MaxAttempts: 1}, logging.Discard(), nil)

	done := make(chan Task, 1)
	s.Handle(DelayedNotify, func(_ context.Context, task Task) error {
		done <- task
		return nil
	})
	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()

	if err := s.Schedule(ctx, DelayedNotify, "g1", time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	select {
	case task := <-done:
		if task.Subject != "g1" || task.Kind != DelayedNotify {
			t.Fatalf("unexpected task: %+v", task)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("task never fired")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
}

func TestUnknownKindIsDropped(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(NewMemoryStore())
	_ = s.Schedule(ctx, SoloPromote, "u1", base)
	if n := s.FireDue(ctx, base); n != 1 {
		t.Fatalf("expected claim, got %d", n)
	}
	if _, ok, _ := s.Pending(ctx, SoloPromote, "u1"); ok {
		t.Fatalf("unhandled task re-queued")
	}
}

func TestUnsettledClaimFiresAgainAfterLease(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task := Task{ID: TaskID(ConditionalDispatch, "g1"), Kind: ConditionalDispatch, Subject: "g1", FireAt: base}
			if err := store.Put(ctx, task); err != nil {
				t.Fatalf("put: %v", err)
			}
			// The claimer dies before running the handler.
			if ok, err := store.Claim(ctx, task, base.Add(time.Minute)); err != nil || !ok {
				t.Fatalf("claim: ok=%v err=%v", ok, err)
			}
			if due, err := store.Due(ctx, base.Add(30*time.Second), 10); err != nil || len(due) != 0 {
				t.Fatalf("leased task due early: %+v %v", due, err)
			}

			s := newTestScheduler(store)
			var fired []Task
			s.Handle(ConditionalDispatch, func(_ context.Context, task Task) error {
				fired = append(fired, task)
				return nil
			})
			if n := s.FireDue(ctx, base.Add(2*time.Minute)); n != 1 {
				t.Fatalf("expected the abandoned task to fire again, got %d", n)
			}
			if len(fired) != 1 || fired[0].Attempts != 2 {
				t.Fatalf("unexpected firings: %+v", fired)
			}
			if _, ok, _ := s.Pending(ctx, ConditionalDispatch, "g1"); ok {
				t.Fatalf("settled task still queued")
			}
		})
	}
}

func TestCancelDuringRunDropsTask(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestScheduler(store)
			s.Handle(ScheduledDispatch, func(ctx context.Context, task Task) error {
				if err := s.Cancel(ctx, task.Kind, task.Subject); err != nil {
					t.Errorf("cancel: %v", err)
				}
				return errors.New("provider down")
			})
			_ = s.Schedule(ctx, ScheduledDispatch, "g1", base)
			s.FireDue(ctx, base)
			if _, ok, _ := s.Pending(ctx, ScheduledDispatch, "g1"); ok {
				t.Fatalf("cancelled task was re-queued")
			}
		})
	}
}
