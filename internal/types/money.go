// README: Common ID and money value objects used across modules.
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// ID identifies users, groups and deliveries. User IDs are whatever the
// caller authenticates with (phone number or auth UID).
type ID string

// NewID returns a random ID for records this service creates.
func NewID() ID {
	return ID(uuid.NewString())
}

// Money is an amount in minor units (cents).
type Money struct {
	Amount   int64
	Currency string
}

func (m Money) IsZero() bool {
	return m.Amount == 0
}

func (m Money) String() string {
	cur := m.Currency
	if cur == "" {
		cur = "USD"
	}
	return fmt.Sprintf("%d.%02d %s", m.Amount/100, abs(m.Amount%100), cur)
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
