// README: Reasoner budget tests (lazy monthly reset and quota boundary logic).
package aiusage

import (
	"context"
	"testing"
	"time"

	"pangea/internal/testutil"
)

func fixedService(store Store, budget int, now time.Time) *Service {
	svc := NewService(store, budget)
	svc.now = func() time.Time { return now }
	return svc
}

func TestUseTokenNewUser(t *testing.T) {
	store := NewMemoryStore()
	svc := fixedService(store, 3, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if err := svc.UseToken(ctx, "+15550001"); err != nil {
		t.Fatalf("UseToken for new user: %v", err)
	}
	n, _ := svc.Remaining(ctx, "+15550001")
	if n != 2 {
		t.Fatalf("expected 2 calls remaining, got %d", n)
	}
}

func TestUseTokenExhausted(t *testing.T) {
	store := NewMemoryStore()
	svc := fixedService(store, 2, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := svc.UseToken(ctx, "u"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if err := svc.UseToken(ctx, "u"); err != ErrBudgetExhausted {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
}

func TestUseTokenCrossMonthReset(t *testing.T) {
	store := NewMemoryStore()
	store.seed("u", "2026-04", 0)
	svc := fixedService(store, 5, time.Date(2026, 5, 3, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if err := svc.UseToken(ctx, "u"); err != nil {
		t.Fatalf("UseToken after cross-month reset: %v", err)
	}
	n, _ := svc.Remaining(ctx, "u")
	if n != 4 {
		t.Fatalf("expected 4 remaining, got %d", n)
	}
}

func TestPGStoreCrossMonthReset(t *testing.T) {
	db := testutil.Postgres(t, "reasoner_usage")
	ctx := context.Background()

	if _, err := db.Exec(ctx, "INSERT INTO reasoner_usage VALUES ('user_reset', 0, '2000-01')"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := NewService(NewPGStore(db), DefaultBudget)
	if err := svc.UseToken(ctx, "user_reset"); err != nil {
		t.Fatalf("UseToken after cross-month reset: %v", err)
	}
	n, err := svc.Remaining(ctx, "user_reset")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if n != DefaultBudget-1 {
		t.Fatalf("expected %d remaining, got %d", DefaultBudget-1, n)
	}
}

func TestPGStoreInsufficient(t *testing.T) {
	db := testutil.Postgres(t, "reasoner_usage")
	ctx := context.Background()

	if _, err := db.Exec(ctx, "INSERT INTO reasoner_usage (uid, calls_remaining, last_reset_month) VALUES ('user_zero', 0, TO_CHAR(NOW() AT TIME ZONE 'UTC', 'YYYY-MM'))"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := NewService(NewPGStore(db), DefaultBudget)
	if err := svc.UseToken(ctx, "user_zero"); err != ErrBudgetExhausted {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
}

func TestRemainingBeforeFirstUse(t *testing.T) {
	store := NewMemoryStore()
	store.seed("old", "2026-04", 0)
	svc := fixedService(store, 5, time.Date(2026, 5, 3, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if n, _ := svc.Remaining(ctx, "fresh"); n != 5 {
		t.Fatalf("new user: expected full budget, got %d", n)
	}
	if n, _ := svc.Remaining(ctx, "old"); n != 5 {
		t.Fatalf("stale month: expected full budget, got %d", n)
	}
}
