// README: Delivery fee split between the members of a group.
package pricing

import (
	"errors"

	"pangea/internal/types"
)

var ErrNoMembers = errors.New("fee split needs at least one member")

// Split is a delivery fee divided between members. Parts sum to Total.
type Split struct {
	Total types.Money
	Parts map[types.ID]types.Money
}

// For returns the member's part, zero if the member was not in the split.
func (s Split) For(uid types.ID) types.Money {
	if m, ok := s.Parts[uid]; ok {
		return m
	}
	return types.Money{Currency: s.Total.Currency}
}
