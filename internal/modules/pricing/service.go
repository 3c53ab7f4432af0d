package pricing

import (
	"pangea/internal/types"
)

// Share divides fee into n parts in minor units. The remainder goes one unit
// at a time to the first parts, so parts differ by at most one unit.
func Share(fee types.Money, n int) ([]types.Money, error) {
	if n <= 0 {
		return nil, ErrNoMembers
	}
	each := fee.Amount / int64(n)
	rem := fee.Amount % int64(n)
	out := make([]types.Money, n)
	for i := range out {
		amt := each
		if int64(i) < rem {
			amt++
		}
		out[i] = types.Money{Amount: amt, Currency: fee.Currency}
	}
	return out, nil
}

// SplitAmong assigns Share parts to members in the order given.
func SplitAmong(fee types.Money, members []types.ID) (Split, error) {
	parts, err := Share(fee, len(members))
	if err != nil {
		return Split{}, err
	}
	s := Split{Total: fee, Parts: make(map[types.ID]types.Money, len(members))}
	for i, uid := range members {
		s.Parts[uid] = parts[i]
	}
	return s, nil
}
