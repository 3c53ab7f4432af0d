// README: Deferred task model and the store contract shared by the memory and Redis backends.
package scheduler

import (
	"context"
	"time"

	"pangea/internal/types"
)

type Kind string

const (
	ScheduledDispatch   Kind = "scheduled-dispatch"
	ConditionalDispatch Kind = "conditional-dispatch"
	DelayedNotify       Kind = "delayed-notify"
	// SoloPromote's subject is a user id, not a group id.
	SoloPromote Kind = "solo-promote"
)

// Task is one deferred obligation. There is at most one task per (Kind, Subject).
type Task struct {
	ID       string
	Kind     Kind
	Subject  types.ID
	FireAt   time.Time
	Attempts int
}

func TaskID(kind Kind, subject types.ID) string {
	return string(kind) + ":" + string(subject)
}

// Store is a min-ordered queue of tasks keyed by Task.ID. A claimed task
// stays stored under a lease until it is settled, so a process that dies
// mid-handler leaves the task to fire again once the lease runs out.
type Store interface {
	// Put inserts or replaces the task with the same ID.
	Put(ctx context.Context, t Task) error
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Task, bool, error)
	// Due returns up to limit tasks with FireAt <= now, earliest first.
	// Expired leases are due again.
	Due(ctx context.Context, now time.Time, limit int) ([]Task, error)
	// Claim leases t if it is still queued with the same FireAt: FireAt moves
	// to leaseUntil and Attempts counts this run. Exactly one caller wins.
	Claim(ctx context.Context, t Task, leaseUntil time.Time) (bool, error)
	// Settle ends the lease held until leasedUntil. A zero next removes the
	// task; otherwise it is queued again at next with t.Attempts. It reports
	// false when the task was rescheduled or removed since the claim.
	Settle(ctx context.Context, t Task, leasedUntil, next time.Time) (bool, error)
	// Next returns the earliest FireAt, false when the queue is empty.
	Next(ctx context.Context) (time.Time, bool, error)
}
