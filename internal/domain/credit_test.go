package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCost(t *testing.T) {
	t.Parallel()

	pricing := DefaultPricing()

	tests := []struct {
		name  string
		count int
		tier  Tier
		want  int
	}{
		{name: "one standard", count: 1, tier: TierStandard, want: 1},
		{name: "three standard", count: 3, tier: TierStandard, want: 3},
		{name: "two hd", count: 2, tier: TierHD, want: 4},
		{name: "empty tier is standard", count: 2, tier: "", want: 2},
		{name: "unknown tier is standard", count: 2, tier: "ultra", want: 2},
		{name: "zero count", count: 0, tier: TierHD, want: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Cost(tc.count, tc.tier, pricing))
		})
	}
}

func TestCost_IsPure(t *testing.T) {
	t.Parallel()

	pricing := Pricing{TierStandard: 3, TierHD: 5}
	assert.Equal(t, Cost(2, TierHD, pricing), Cost(2, TierHD, pricing))
	assert.Equal(t, 10, Cost(2, TierHD, pricing))
}
