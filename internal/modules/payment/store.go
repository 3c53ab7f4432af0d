package payment

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"pangea/internal/types"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Insert(ctx context.Context, r Record) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO payments (group_id, user_id, paid_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id, user_id) DO NOTHING`,
		string(r.GroupID), string(r.UserID), r.PaidAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) ListByGroup(ctx context.Context, groupID types.ID) ([]Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT group_id, user_id, paid_at
		FROM payments
		WHERE group_id = $1
		ORDER BY paid_at, user_id`, string(groupID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var gid, uid string
		var r Record
		if err := rows.Scan(&gid, &uid, &r.PaidAt); err != nil {
			return nil, err
		}
		r.GroupID = types.ID(gid)
		r.UserID = types.ID(uid)
		out = append(out, r)
	}
	return out, rows.Err()
}
