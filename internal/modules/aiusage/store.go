package aiusage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps budgets in the reasoner_usage table.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Use(ctx context.Context, uid, month string, budget int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE reasoner_usage SET
			calls_remaining = CASE WHEN last_reset_month != $1 THEN $2 - 1 ELSE calls_remaining - 1 END,
			last_reset_month = $1
		WHERE uid = $3 AND (last_reset_month < $1 OR calls_remaining > 0)
	`, month, budget, uid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBudgetExhausted
	}
	return nil
}

func (s *PGStore) Ensure(ctx context.Context, uid, month string, budget int) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO reasoner_usage (uid, calls_remaining, last_reset_month)
		VALUES ($1, $2, $3)
		ON CONFLICT (uid) DO NOTHING
	`, uid, budget, month)
	return err
}

func (s *PGStore) Remaining(ctx context.Context, uid, month string, budget int) (int, error) {
	var (
		n    int
		last string
	)
	err := s.db.QueryRow(ctx, `SELECT calls_remaining, last_reset_month FROM reasoner_usage WHERE uid = $1`, uid).Scan(&n, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return budget, nil
	}
	if err != nil {
		return 0, err
	}
	if last < month {
		return budget, nil
	}
	return n, nil
}
