// README: Delivery trigger decisions, errors and the collaborator contracts of the engine.
package trigger

import (
	"context"
	"errors"
	"time"

	"pangea/internal/modules/dispatch"
	"pangea/internal/scheduler"
	"pangea/internal/types"
)

var (
	// ErrDoubleDispatch means a provider call succeeded but the group had
	// already left pending. It indicates the group lock was bypassed.
	ErrDoubleDispatch = errors.New("group dispatched twice")
	ErrNoActiveGroup  = errors.New("user has no active group")
	// ErrDispatchInFlight is returned by Cancel while a dispatch claim is live.
	ErrDispatchInFlight = errors.New("dispatch in progress")
)

type Action string

const (
	ActionDispatched Action = "dispatched"
	ActionScheduled  Action = "scheduled"
	ActionWaiting    Action = "waiting"
	ActionFailed     Action = "dispatch_failed"
	// ActionNone: the group was no longer pending, or another claimer holds the dispatch.
	ActionNone Action = "none"
)

// Decision is what the engine did in response to one event.
type Decision struct {
	Action       Action
	GroupID      types.ID
	FirstPayment bool
	// FireAt is set for ActionScheduled.
	FireAt time.Time
	// Result is set when a dispatch was attempted.
	Result *dispatch.Result
	// Missed lists members left out of a deadline dispatch.
	Missed []types.ID
}

// CancelOutcome reports a member leaving a group.
type CancelOutcome struct {
	Cancelled types.ID
	// Continuation is the solo group the remaining member was moved into, nil for solo groups.
	Continuation *types.ID
	// Carried reports whether the remaining member's payment moved with them.
	Carried bool
	// Decision is the result of re-applying solo rules to a carried payment.
	Decision *Decision
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Result
}

// Tasks is the part of the scheduler the engine writes to.
type Tasks interface {
	Schedule(ctx context.Context, kind scheduler.Kind, subject types.ID, at time.Time) error
	CancelAll(ctx context.Context, subject types.ID, kinds ...scheduler.Kind) error
}

// Registry accepts task handlers.
type Registry interface {
	Handle(kind scheduler.Kind, h scheduler.Handler)
}

var dispatchKinds = []scheduler.Kind{scheduler.ScheduledDispatch, scheduler.ConditionalDispatch}
