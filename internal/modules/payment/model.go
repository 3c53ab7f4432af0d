// README: Payment records (append-only, unique per group and member) and their stores.
package payment

import (
	"context"
	"errors"
	"time"

	"pangea/internal/types"
)

var ErrNotMember = errors.New("payer is not a member of the group")

type Record struct {
	GroupID types.ID
	UserID  types.ID
	PaidAt  time.Time
}

// Store is append-only: records are never updated or deleted.
type Store interface {
	// Insert reports false when the (group, user) record already exists.
	Insert(ctx context.Context, r Record) (bool, error)
	ListByGroup(ctx context.Context, groupID types.ID) ([]Record, error)
}
