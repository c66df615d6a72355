// Package collab holds the contracts of the external systems settlement calls
// into: the card payment processor and the regional compliance service.
package collab

import (
	"context"

	"github.com/google/uuid"
)

// ChargeResult is the processor's answer to a charge or payout. A declined
// operation is a successful call with Success=false.
type ChargeResult struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
}

// PaymentProcessor moves money in and out of the platform. Calls carrying
// the same idempotency key must be applied by the processor at most once.
type PaymentProcessor interface {
	Charge(ctx context.Context, userID string, amountMinor int64, idempotencyKey string) (ChargeResult, error)
	Payout(ctx context.Context, userID string, amountMinor int64, idempotencyKey string) (ChargeResult, error)
}

// IdempotencyKey derives the processor key for an operation from the
// caller's reference, so a retried deposit or withdrawal reuses its key.
func IdempotencyKey(operation, reference string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("wager:"+operation+":"+reference)).String()
}

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func Allow() Decision {
	return Decision{Allowed: true}
}

func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

type Compliance interface {
	CheckDeposit(ctx context.Context, userID string, amount int64, region string) (Decision, error)
	CheckWithdrawal(ctx context.Context, userID string, amount int64) (Decision, error)
}

// AllowAll approves every deposit and withdrawal. Used where no compliance
// service is configured.
type AllowAll struct{}

func (AllowAll) CheckDeposit(context.Context, string, int64, string) (Decision, error) {
	return Allow(), nil
}

func (AllowAll) CheckWithdrawal(context.Context, string, int64) (Decision, error) {
	return Allow(), nil
}
