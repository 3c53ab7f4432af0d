// README: Group store interface and its PostgreSQL implementation (optimistic CAS on version and dispatch state).
package group

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pangea/internal/types"
)

// Store persists groups. Every state-changing method is a compare-and-set and
// reports false when the precondition no longer holds.
type Store interface {
	Create(ctx context.Context, g *Group) error
	Get(ctx context.Context, id types.ID) (*Group, error)
	// ActiveByUser returns the newest pending group containing uid.
	ActiveByUser(ctx context.Context, uid types.ID) (*Group, error)
	// FindUpgradable lists pending, unclaimed solo groups for the pool created at or after since, newest first.
	FindUpgradable(ctx context.Context, restaurant, location string, since time.Time) ([]*Group, error)
	// Upgrade appends m to a solo group at the given version and marks it upgraded.
	Upgrade(ctx context.Context, id types.ID, version int, m Member, effectiveTime string, at time.Time) (bool, error)
	UpdateMemberOrder(ctx context.Context, id, uid types.ID, identifier, description string) error
	// Cancel moves a pending group to cancelled unless a live dispatch claim exists.
	Cancel(ctx context.Context, id types.ID, version int, at, staleBefore time.Time) (bool, error)
	// ClaimDispatch marks the group as being dispatched. A claim older than staleBefore may be taken over.
	ClaimDispatch(ctx context.Context, id types.ID, at, staleBefore time.Time) (bool, error)
	ReleaseDispatch(ctx context.Context, id types.ID) error
	// CompleteDispatch moves pending to dispatched and stores the handle.
	CompleteDispatch(ctx context.Context, id types.ID, h DispatchHandle) (bool, error)
	SetDeliveryStatus(ctx context.Context, deliveryID, status string) (*Group, error)
	AppendEvent(ctx context.Context, e *Event) error
	Events(ctx context.Context, id types.ID) ([]Event, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, g *Group) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO groups (
			id, restaurant, location, effective_time, kind, cap,
			dispatch_state, version, original_solo_user, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(g.ID), g.Restaurant, g.Location, g.EffectiveTime, string(g.Kind), g.Cap,
		string(g.DispatchState), g.Version, idPtr(g.OriginalSoloUser), g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return err
	}
	for _, m := range g.Members {
		if err := insertMember(ctx, tx, g.ID, m); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func insertMember(ctx context.Context, tx pgx.Tx, id types.ID, m Member) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO group_members (group_id, user_id, requested_time, order_identifier, order_description, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(id), string(m.UserID), m.RequestedTime, m.OrderIdentifier, m.OrderDescription, m.JoinedAt,
	)
	return err
}

const groupColumns = `
	id, restaurant, location, effective_time, kind, cap, dispatch_state, version,
	dispatch_claimed_at, delivery_id, tracking_url, delivery_status, delivery_fee, fee_currency,
	delivered_to, dispatched_at, original_solo_user, created_at, updated_at, upgraded_at, cancelled_at`

func scanGroup(row pgx.Row) (*Group, error) {
	var (
		g                                      Group
		id, kind, state                        string
		deliveryID, trackingURL, status, cur   *string
		fee                                    *int64
		deliveredTo                            []string
		dispatchedAt                           *time.Time
		originalSolo                           *string
	)
	err := row.Scan(
		&id, &g.Restaurant, &g.Location, &g.EffectiveTime, &kind, &g.Cap, &state, &g.Version,
		&g.DispatchClaimedAt, &deliveryID, &trackingURL, &status, &fee, &cur,
		&deliveredTo, &dispatchedAt, &originalSolo, &g.CreatedAt, &g.UpdatedAt, &g.UpgradedAt, &g.CancelledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.ID = types.ID(id)
	g.Kind = Kind(kind)
	g.DispatchState = DispatchState(state)
	if originalSolo != nil {
		u := types.ID(*originalSolo)
		g.OriginalSoloUser = &u
	}
	if deliveryID != nil {
		h := &DispatchHandle{DeliveryID: *deliveryID}
		if trackingURL != nil {
			h.TrackingURL = *trackingURL
		}
		if status != nil {
			h.Status = *status
		}
		if fee != nil {
			h.Fee.Amount = *fee
		}
		if cur != nil {
			h.Fee.Currency = *cur
		}
		for _, u := range deliveredTo {
			h.DeliveredTo = append(h.DeliveredTo, types.ID(u))
		}
		if dispatchedAt != nil {
			h.DispatchedAt = *dispatchedAt
		}
		g.Handle = h
	}
	return &g, nil
}

func (s *PGStore) loadMembers(ctx context.Context, g *Group) error {
	rows, err := s.db.Query(ctx, `
		SELECT user_id, requested_time, order_identifier, order_description, joined_at
		FROM group_members
		WHERE group_id = $1
		ORDER BY joined_at, user_id`, string(g.ID))
	if err != nil {
		return err
	}
	defer rows.Close()
	g.Members = g.Members[:0]
	for rows.Next() {
		var m Member
		var uid string
		if err := rows.Scan(&uid, &m.RequestedTime, &m.OrderIdentifier, &m.OrderDescription, &m.JoinedAt); err != nil {
			return err
		}
		m.UserID = types.ID(uid)
		g.Members = append(g.Members, m)
	}
	return rows.Err()
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Group, error) {
	g, err := scanGroup(s.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = $1`, string(id)))
	if err != nil {
		return nil, err
	}
	if err := s.loadMembers(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *PGStore) ActiveByUser(ctx context.Context, uid types.ID) (*Group, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		SELECT g.id
		FROM groups g
		JOIN group_members m ON m.group_id = g.id
		WHERE m.user_id = $1 AND g.dispatch_state = 'pending'
		ORDER BY g.created_at DESC
		LIMIT 1`, string(uid)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, types.ID(id))
}

func (s *PGStore) FindUpgradable(ctx context.Context, restaurant, location string, since time.Time) ([]*Group, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+groupColumns+`
		FROM groups
		WHERE lower(restaurant) = lower($1)
		  AND lower(location) = lower($2)
		  AND kind = 'solo'
		  AND dispatch_state = 'pending'
		  AND dispatch_claimed_at IS NULL
		  AND created_at >= $3
		ORDER BY created_at DESC`, restaurant, location, since)
	if err != nil {
		return nil, err
	}
	var out []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, g := range out {
		if err := s.loadMembers(ctx, g); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PGStore) Upgrade(ctx context.Context, id types.ID, version int, m Member, effectiveTime string, at time.Time) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE groups
		SET kind = 'upgraded',
		    effective_time = $2,
		    version = version + 1,
		    upgraded_at = $3,
		    updated_at = $3,
		    original_solo_user = (SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY joined_at LIMIT 1)
		WHERE id = $1
		  AND version = $4
		  AND kind = 'solo'
		  AND dispatch_state = 'pending'
		  AND dispatch_claimed_at IS NULL
		  AND (SELECT count(*) FROM group_members WHERE group_id = $1) < cap`,
		string(id), effectiveTime, at, version,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if err := insertMember(ctx, tx, id, m); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *PGStore) UpdateMemberOrder(ctx context.Context, id, uid types.ID, identifier, description string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE group_members
		SET order_identifier = $3, order_description = $4
		WHERE group_id = $1 AND user_id = $2`,
		string(id), string(uid), identifier, description,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}
	return nil
}

func (s *PGStore) Cancel(ctx context.Context, id types.ID, version int, at, staleBefore time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE groups
		SET dispatch_state = 'cancelled',
		    version = version + 1,
		    cancelled_at = $2,
		    updated_at = $2
		WHERE id = $1
		  AND version = $3
		  AND dispatch_state = 'pending'
		  AND (dispatch_claimed_at IS NULL OR dispatch_claimed_at < $4)`,
		string(id), at, version, staleBefore,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) ClaimDispatch(ctx context.Context, id types.ID, at, staleBefore time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE groups
		SET dispatch_claimed_at = $2, updated_at = $2
		WHERE id = $1
		  AND dispatch_state = 'pending'
		  AND (dispatch_claimed_at IS NULL OR dispatch_claimed_at < $3)`,
		string(id), at, staleBefore,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) ReleaseDispatch(ctx context.Context, id types.ID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE groups SET dispatch_claimed_at = NULL
		WHERE id = $1 AND dispatch_state = 'pending'`, string(id))
	return err
}

func (s *PGStore) CompleteDispatch(ctx context.Context, id types.ID, h DispatchHandle) (bool, error) {
	delivered := make([]string, len(h.DeliveredTo))
	for i, u := range h.DeliveredTo {
		delivered[i] = string(u)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE groups
		SET dispatch_state = 'dispatched',
		    version = version + 1,
		    delivery_id = $2,
		    tracking_url = $3,
		    delivery_status = $4,
		    delivery_fee = $5,
		    fee_currency = $6,
		    delivered_to = $7,
		    dispatched_at = $8,
		    updated_at = $8
		WHERE id = $1 AND dispatch_state = 'pending'`,
		string(id), h.DeliveryID, h.TrackingURL, h.Status, h.Fee.Amount, h.Fee.Currency, delivered, h.DispatchedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) SetDeliveryStatus(ctx context.Context, deliveryID, status string) (*Group, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		UPDATE groups SET delivery_status = $2, updated_at = NOW()
		WHERE delivery_id = $1
		RETURNING id`, deliveryID, status).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, types.ID(id))
}

func (s *PGStore) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO group_events (group_id, event_type, actor_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(e.GroupID), string(e.Type), idPtr(e.ActorID), e.Detail, e.CreatedAt,
	)
	return err
}

func (s *PGStore) Events(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, group_id, event_type, actor_id, detail, created_at
		FROM group_events
		WHERE group_id = $1
		ORDER BY id`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var gid, typ string
		var actor *string
		if err := rows.Scan(&e.ID, &gid, &typ, &actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.GroupID = types.ID(gid)
		e.Type = EventType(typ)
		if actor != nil {
			a := types.ID(*actor)
			e.ActorID = &a
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
