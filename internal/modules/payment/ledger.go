// README: Payment ledger: idempotent payment recording and per-group payment queries.
package payment

import (
	"context"
	"errors"
	"time"

	"pangea/internal/modules/group"
	"pangea/internal/types"
)

type GroupReader interface {
	Get(ctx context.Context, id types.ID) (*group.Group, error)
}

type Ledger struct {
	store  Store
	groups GroupReader
	now    func() time.Time
}

func NewLedger(store Store, groups GroupReader) *Ledger {
	return &Ledger{store: store, groups: groups, now: time.Now}
}

// RecordPayment stores that uid paid for groupID. It is idempotent and reports
// whether this call created the record.
func (l *Ledger) RecordPayment(ctx context.Context, groupID, uid types.ID) (bool, error) {
	g, err := l.groups.Get(ctx, groupID)
	if err != nil {
		return false, err
	}
	if !g.HasMember(uid) {
		return false, ErrNotMember
	}
	return l.store.Insert(ctx, Record{GroupID: groupID, UserID: uid, PaidAt: l.now()})
}

func (l *Ledger) PaidUsers(ctx context.Context, groupID types.ID) ([]types.ID, error) {
	recs, err := l.store.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	out := make([]types.ID, len(recs))
	for i, r := range recs {
		out[i] = r.UserID
	}
	return out, nil
}

func (l *Ledger) PaidCount(ctx context.Context, groupID types.ID) (int, error) {
	recs, err := l.store.ListByGroup(ctx, groupID)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (l *Ledger) HasPaid(ctx context.Context, groupID, uid types.ID) (bool, error) {
	recs, err := l.store.ListByGroup(ctx, groupID)
	if err != nil {
		return false, err
	}
	for _, r := range recs {
		if r.UserID == uid {
			return true, nil
		}
	}
	return false, nil
}

// AllPaid is false for unknown or empty groups.
func (l *Ledger) AllPaid(ctx context.Context, groupID types.ID) (bool, error) {
	g, err := l.groups.Get(ctx, groupID)
	if errors.Is(err, group.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(g.Members) == 0 {
		return false, nil
	}
	paid, err := l.PaidUsers(ctx, groupID)
	if err != nil {
		return false, err
	}
	set := make(map[types.ID]bool, len(paid))
	for _, uid := range paid {
		set[uid] = true
	}
	for _, m := range g.Members {
		if !set[m.UserID] {
			return false, nil
		}
	}
	return true, nil
}

// Carry copies uid's payment from one group to another. It reports whether
// there was a payment to carry.
func (l *Ledger) Carry(ctx context.Context, from, to, uid types.ID) (bool, error) {
	paid, err := l.HasPaid(ctx, from, uid)
	if err != nil || !paid {
		return false, err
	}
	if _, err := l.RecordPayment(ctx, to, uid); err != nil {
		return false, err
	}
	return true, nil
}
