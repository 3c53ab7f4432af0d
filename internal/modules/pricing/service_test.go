package pricing

import (
	"errors"
	"testing"

	"pangea/internal/types"
)

func TestShare(t *testing.T) {
	tests := []struct {
		name string
		fee  int64
		n    int
		want []int64
	}{
		{name: "even split", fee: 800, n: 2, want: []int64{400, 400}},
		{name: "odd cent goes to first", fee: 799, n: 2, want: []int64{400, 399}},
		{name: "single payer", fee: 650, n: 1, want: []int64{650}},
		{name: "three ways", fee: 1000, n: 3, want: []int64{334, 333, 333}},
		{name: "zero fee", fee: 0, n: 2, want: []int64{0, 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			parts, err := Share(types.Money{Amount: tc.fee, Currency: "USD"}, tc.n)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(parts) != len(tc.want) {
				t.Fatalf("got %d parts, want %d", len(parts), len(tc.want))
			}
			var sum int64
			for i, p := range parts {
				if p.Amount != tc.want[i] {
					t.Errorf("part %d: got %d want %d", i, p.Amount, tc.want[i])
				}
				if p.Currency != "USD" {
					t.Errorf("part %d: currency %q", i, p.Currency)
				}
				sum += p.Amount
			}
			if sum != tc.fee {
				t.Fatalf("parts sum to %d, want %d", sum, tc.fee)
			}
		})
	}
}

func TestShareRejectsNoMembers(t *testing.T) {
	if _, err := Share(types.Money{Amount: 100}, 0); !errors.Is(err, ErrNoMembers) {
		t.Fatalf("expected ErrNoMembers, got %v", err)
	}
}

func TestSplitAmong(t *testing.T) {
	s, err := SplitAmong(types.Money{Amount: 501, Currency: "USD"}, []types.ID{"u1", "u2"})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if s.For("u1").Amount != 251 || s.For("u2").Amount != 250 {
		t.Fatalf("unexpected parts: %+v", s.Parts)
	}
	if got := s.For("stranger"); got.Amount != 0 || got.Currency != "USD" {
		t.Fatalf("stranger part: %+v", got)
	}
}
