package payout

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	apperrors "wager_service/pkg/errors"
)

// Tier is a participant's subscription tier, frozen when they join a match.
type Tier string

const (
	TierFree         Tier = "free"
	TierPremium      Tier = "premium"
	TierPremiumTrial Tier = "premium_trial"
)

func (t Tier) IsPremium() bool {
	return t == TierPremium || t == TierPremiumTrial
}

func (t Tier) Valid() bool {
	return t == TierFree || t.IsPremium()
}

var DefaultFeeRate = decimal.RequireFromString("0.02")

type Quote struct {
	Pot    int64  `json:"pot"`
	Payout int64  `json:"payout"`
	Fee    int64  `json:"fee"`
	Winner string `json:"winner,omitempty"`
}

type Share struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

type Calculator struct {
	feeRate decimal.Decimal
}

func NewCalculator(feeRate decimal.Decimal) *Calculator {
	return &Calculator{feeRate: feeRate}
}

func (c *Calculator) FeeRate() decimal.Decimal {
	return c.feeRate
}

// ComputePayout splits pot into the winner's payout and the platform fee. The
// fee is waived only when every participant holds a premium tier; otherwise it
// is feeRate of the pot rounded down to a whole token.
func (c *Calculator) ComputePayout(pot int64, tiers []Tier, winner string) (Quote, error) {
	if pot < 0 {
		return Quote{}, apperrors.Invariant(fmt.Sprintf("negative pot %d", pot))
	}

	fee := int64(0)
	if !allPremium(tiers) {
		fee = decimal.NewFromInt(pot).Mul(c.feeRate).Floor().IntPart()
	}

	q := Quote{Pot: pot, Payout: pot - fee, Fee: fee, Winner: winner}
	if err := Verify(q.Pot, q.Payout, q.Fee); err != nil {
		return Quote{}, err
	}
	return q, nil
}

func allPremium(tiers []Tier) bool {
	for _, t := range tiers {
		if !t.IsPremium() {
			return false
		}
	}
	return true
}

// Verify checks that payout and fee account for the whole pot.
func Verify(pot, payoutAmount, feeAmount int64) error {
	if payoutAmount < 0 || feeAmount < 0 {
		return apperrors.Invariant(fmt.Sprintf("negative settlement amounts payout=%d fee=%d", payoutAmount, feeAmount))
	}
	if payoutAmount+feeAmount != pot {
		return apperrors.Invariant(fmt.Sprintf("payout %d + fee %d != pot %d", payoutAmount, feeAmount, pot))
	}
	return nil
}

// SplitEven divides amount evenly between users. Remainder tokens go to the
// lexicographically first user id so the shares always sum to amount.
func SplitEven(amount int64, users []string) ([]Share, error) {
	if len(users) == 0 {
		return nil, apperrors.Invariant("cannot split an amount between zero users")
	}
	if amount < 0 {
		return nil, apperrors.Invariant(fmt.Sprintf("cannot split negative amount %d", amount))
	}

	sorted := append([]string(nil), users...)
	sort.Strings(sorted)

	each := amount / int64(len(sorted))
	remainder := amount % int64(len(sorted))

	shares := make([]Share, len(sorted))
	for i, u := range sorted {
		shares[i] = Share{UserID: u, Amount: each}
	}
	shares[0].Amount += remainder
	return shares, nil
}
