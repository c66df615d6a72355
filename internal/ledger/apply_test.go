package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "wager_service/pkg/errors"
)

func TestApplyStakeSpendsBonusFirst(t *testing.T) {
	// 1000 purchased + 100 bonus
	w := &WalletBalance{UserID: "u", TotalBalance: 1100, WithdrawableBalance: 1000}

	entry, err := apply(w, DebitPosting("u", 150, KindStake, "m"))
	require.NoError(t, err)

	assert.Equal(t, int64(-150), entry.Amount)
	assert.Equal(t, int64(-50), entry.WithdrawableAmount)
	assert.Equal(t, int64(950), w.TotalBalance)
	assert.Equal(t, int64(950), w.WithdrawableBalance)
	assert.Equal(t, int64(1100), entry.BalanceBefore)
	assert.Equal(t, int64(950), entry.BalanceAfter)
	require.NotNil(t, entry.RelatedMatchID)
	assert.Equal(t, "m", *entry.RelatedMatchID)
}

func TestApplyWithdrawalNeedsWithdrawableFunds(t *testing.T) {
	w := &WalletBalance{UserID: "u", TotalBalance: 1100, WithdrawableBalance: 1000}

	_, err := apply(w, DebitPosting("u", 1050, KindWithdrawal, ""))
	assert.True(t, apperrors.IsInsufficientFunds(err))
	assert.Equal(t, int64(1100), w.TotalBalance, "failed posting must not touch the wallet")

	entry, err := apply(w, DebitPosting("u", 1000, KindWithdrawal, ""))
	require.NoError(t, err)
	assert.Equal(t, int64(-1000), entry.WithdrawableAmount)
	assert.Equal(t, int64(100), w.TotalBalance)
	assert.Equal(t, int64(0), w.WithdrawableBalance)
}

func TestApplyDebitBeyondBalance(t *testing.T) {
	w := &WalletBalance{UserID: "u", TotalBalance: 50, WithdrawableBalance: 50}
	_, err := apply(w, DebitPosting("u", 51, KindStake, "m"))
	assert.True(t, apperrors.IsInsufficientFunds(err))
	assert.True(t, apperrors.IsValidation(err))
}

func TestApplyCreditWithdrawablePortion(t *testing.T) {
	w := &WalletBalance{UserID: "u"}

	refund := CreditPosting("u", 100, KindRefund, "m", false)
	refund.WithdrawableAmount = 40
	entry, err := apply(w, refund)
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.TotalBalance)
	assert.Equal(t, int64(40), w.WithdrawableBalance)
	assert.Equal(t, int64(40), entry.WithdrawableAmount)

	_, err = apply(w, CreditPosting("u", 10, KindFee, "m", false))
	require.NoError(t, err)
	assert.Equal(t, int64(110), w.TotalBalance)
	assert.Equal(t, int64(40), w.WithdrawableBalance)
}

func TestValidatePosting(t *testing.T) {
	tests := []struct {
		name    string
		posting Posting
	}{
		{"no user", Posting{Kind: KindDeposit, Amount: 1}},
		{"unknown kind", Posting{UserID: "u", Kind: "gift", Amount: 1}},
		{"zero amount", Posting{UserID: "u", Kind: KindDeposit}},
		{"negative amount", Posting{UserID: "u", Kind: KindDeposit, Amount: -5}},
		{"withdrawable debit", Posting{UserID: "u", Kind: KindStake, Amount: 5, Debit: true, WithdrawableAmount: 5}},
		{"withdrawable above amount", Posting{UserID: "u", Kind: KindRefund, Amount: 5, WithdrawableAmount: 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, apperrors.IsValidation(validatePosting(tt.posting)))
		})
	}
	assert.NoError(t, validatePosting(CreditPosting("u", 5, KindDeposit, "", true)))
}
