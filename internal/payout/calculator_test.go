package payout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "wager_service/pkg/errors"
)

func TestComputePayout(t *testing.T) {
	calc := NewCalculator(DefaultFeeRate)

	tests := []struct {
		name       string
		pot        int64
		tiers      []Tier
		wantPayout int64
		wantFee    int64
	}{
		{"all free", 300, []Tier{TierFree, TierFree, TierFree}, 294, 6},
		{"one free among premium", 300, []Tier{TierPremium, TierFree, TierPremiumTrial}, 294, 6},
		{"all premium", 300, []Tier{TierPremium, TierPremium, TierPremium}, 300, 0},
		{"premium trial counts as premium", 200, []Tier{TierPremiumTrial, TierPremium}, 200, 0},
		{"fee floors", 149, []Tier{TierFree, TierFree}, 147, 2},
		{"fee below one token", 49, []Tier{TierFree, TierFree}, 49, 0},
		{"empty pot", 0, []Tier{TierFree}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := calc.ComputePayout(tt.pot, tt.tiers, "winner")
			require.NoError(t, err)
			assert.Equal(t, tt.wantPayout, q.Payout)
			assert.Equal(t, tt.wantFee, q.Fee)
			assert.Equal(t, tt.pot, q.Payout+q.Fee)
			assert.Equal(t, "winner", q.Winner)
		})
	}
}

func TestComputePayoutConservesEveryPot(t *testing.T) {
	calc := NewCalculator(DefaultFeeRate)
	tierSets := [][]Tier{
		{TierFree, TierFree},
		{TierPremium, TierFree},
		{TierPremium, TierPremiumTrial},
	}
	for pot := int64(0); pot <= 5000; pot += 7 {
		for _, tiers := range tierSets {
			q, err := calc.ComputePayout(pot, tiers, "w")
			require.NoError(t, err)
			require.Equal(t, pot, q.Payout+q.Fee, "pot=%d tiers=%v", pot, tiers)
		}
	}
}

func TestComputePayoutIsDeterministic(t *testing.T) {
	calc := NewCalculator(DefaultFeeRate)
	tiers := []Tier{TierFree, TierPremium}
	first, err := calc.ComputePayout(1234, tiers, "a")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := calc.ComputePayout(1234, tiers, "a")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestComputePayoutRejectsNegativePot(t *testing.T) {
	_, err := NewCalculator(DefaultFeeRate).ComputePayout(-1, nil, "w")
	assert.True(t, apperrors.IsInvariant(err))
}

func TestVerify(t *testing.T) {
	assert.NoError(t, Verify(300, 294, 6))
	assert.True(t, apperrors.IsInvariant(Verify(300, 294, 5)))
	assert.True(t, apperrors.IsInvariant(Verify(0, 1, -1)))
}

func TestSplitEven(t *testing.T) {
	shares, err := SplitEven(295, []string{"charlie", "alice", "bob"})
	require.NoError(t, err)

	require.Len(t, shares, 3)
	assert.Equal(t, Share{UserID: "alice", Amount: 99}, shares[0])
	assert.Equal(t, Share{UserID: "bob", Amount: 98}, shares[1])
	assert.Equal(t, Share{UserID: "charlie", Amount: 98}, shares[2])

	var total int64
	for _, s := range shares {
		total += s.Amount
	}
	assert.Equal(t, int64(295), total)
}

func TestSplitEvenErrors(t *testing.T) {
	_, err := SplitEven(10, nil)
	assert.True(t, apperrors.IsInvariant(err))

	_, err = SplitEven(-10, []string{"a"})
	assert.True(t, apperrors.IsInvariant(err))
}
