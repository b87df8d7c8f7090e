package money

import "testing"

func TestAllocate_SumsBackToOriginal(t *testing.T) {
	cases := []struct {
		name   string
		amount int64
		parts  int
		want   []int64
	}{
		{"even split", 20000, 4, []int64{5000, 5000, 5000, 5000}},
		{"remainder on last", 10000, 3, []int64{3333, 3333, 3334}},
		{"two way odd", 10001, 2, []int64{5000, 5001}},
		{"single part", 999, 1, []int64{999}},
		{"tiny amount", 5, 4, []int64{1, 1, 1, 2}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			shares := New(tc.amount, "GBP").Allocate(tc.parts)
			if len(shares) != len(tc.want) {
				t.Fatalf("expected %d shares, got %d", len(tc.want), len(shares))
			}

			var sum int64
			for i, share := range shares {
				if share.AmountMinor != tc.want[i] {
					t.Errorf("share %d: expected %d, got %d", i, tc.want[i], share.AmountMinor)
				}
				if share.Currency != "GBP" {
					t.Errorf("share %d: currency changed to %s", i, share.Currency)
				}
				sum += share.AmountMinor
			}
			if sum != tc.amount {
				t.Errorf("shares sum to %d, expected %d", sum, tc.amount)
			}
		})
	}
}

func TestAllocate_InvalidParts(t *testing.T) {
	if got := New(100, "GBP").Allocate(0); got != nil {
		t.Errorf("expected nil for 0 parts, got %v", got)
	}
	if got := New(100, "GBP").Allocate(-1); got != nil {
		t.Errorf("expected nil for negative parts, got %v", got)
	}
}

func TestAdd_CurrencyMismatch(t *testing.T) {
	_, err := New(100, "GBP").Add(New(100, "EUR"))
	if err == nil {
		t.Fatal("expected currency mismatch error")
	}
}

func TestPercentage(t *testing.T) {
	cases := []struct {
		name        string
		amount      int64
		basisPoints int64
		want        int64
	}{
		{"five percent", 10000, 500, 500},
		{"rounds to nearest", 3333, 500, 167},
		{"zero", 10000, 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := New(tc.amount, "GBP").Percentage(tc.basisPoints)
			if got.AmountMinor != tc.want {
				t.Errorf("expected %d, got %d", tc.want, got.AmountMinor)
			}
		})
	}
}

func TestSum(t *testing.T) {
	total, err := Sum(New(100, "GBP"), New(200, "GBP"), New(300, "GBP"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total.AmountMinor != 600 {
		t.Errorf("expected 600, got %d", total.AmountMinor)
	}

	if _, err := Sum(New(100, "GBP"), New(100, "EUR")); err == nil {
		t.Error("expected currency mismatch error")
	}
}
