// README: Monthly budget of time-reasoner calls per requester.
package aiusage

import (
	"context"
	"errors"
)

// ErrBudgetExhausted is returned when a user has no reasoner calls left for the current month.
var ErrBudgetExhausted = errors.New("reasoner budget exhausted")

// DefaultBudget is the number of reasoner calls granted per month.
const DefaultBudget = 200

// Store persists per-user call budgets keyed by month ("2006-01").
type Store interface {
	// Use atomically deducts one call, resetting to budget when month moved on.
	// Returns ErrBudgetExhausted when nothing was deducted.
	Use(ctx context.Context, uid, month string, budget int) error
	// Ensure creates the user's row with a full budget if absent.
	Ensure(ctx context.Context, uid, month string, budget int) error
	// Remaining reports what Use would leave to spend in month, budget for
	// users without a row or whose row is from an earlier month.
	Remaining(ctx context.Context, uid, month string, budget int) (int, error)
}
