package aiusage

import (
	"context"
	"time"
)

// Service meters calls to the time reasoner.
type Service struct {
	store  Store
	budget int
	now    func() time.Time
}

// NewService creates a Service; budget <= 0 means DefaultBudget.
func NewService(store Store, budget int) *Service {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Service{store: store, budget: budget, now: time.Now}
}

// UseToken deducts one call from the user's monthly allowance.
// If the user row does not exist yet it is initialised and the call is immediately consumed.
// Returns ErrBudgetExhausted when the allowance for the current month is used up.
func (s *Service) UseToken(ctx context.Context, uid string) error {
	month := s.month()
	err := s.store.Use(ctx, uid, month, s.budget)
	if err != ErrBudgetExhausted {
		return err
	}

	// Row may be missing: try to create it, then retry the deduction once.
	if initErr := s.store.Ensure(ctx, uid, month, s.budget); initErr != nil {
		return initErr
	}
	return s.store.Use(ctx, uid, month, s.budget)
}

// Remaining is the number of reasoner calls uid has left this month.
func (s *Service) Remaining(ctx context.Context, uid string) (int, error) {
	return s.store.Remaining(ctx, uid, s.month(), s.budget)
}

func (s *Service) Budget() int {
	return s.budget
}

func (s *Service) month() string {
	return s.now().UTC().Format("2006-01")
}
