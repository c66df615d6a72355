package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
	KindStake      Kind = "stake"
	KindPayout     Kind = "payout"
	KindRefund     Kind = "refund"
	KindFee        Kind = "fee"
	KindBonus      Kind = "bonus"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindStake, KindPayout, KindRefund, KindFee, KindBonus:
		return true
	}
	return false
}

// WalletBalance is a cache of the user's entries in transactions. Both
// balances must always equal the sums of Amount and WithdrawableAmount there.
type WalletBalance struct {
	UserID              string    `gorm:"column:user_id;primaryKey;type:uuid" json:"user_id"`
	TotalBalance        int64     `gorm:"column:total_balance;not null;default:0" json:"total_balance"`
	WithdrawableBalance int64     `gorm:"column:withdrawable_balance;not null;default:0" json:"withdrawable_balance"`
	Version             int       `gorm:"column:version;not null;default:1" json:"-"`
	CreatedAt           time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt           time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (WalletBalance) TableName() string {
	return "wallet_balances"
}

// Transaction is an immutable ledger entry. Amount is signed: credits are
// positive, debits negative. WithdrawableAmount is the signed change to the
// withdrawable balance. An external reference appears at most once per kind.
type Transaction struct {
	TransactionID      string    `gorm:"column:transaction_id;primaryKey;type:uuid" json:"transaction_id"`
	UserID             string    `gorm:"column:user_id;type:uuid;not null;index" json:"user_id"`
	Amount             int64     `gorm:"column:amount;not null" json:"amount"`
	WithdrawableAmount int64     `gorm:"column:withdrawable_amount;not null;default:0" json:"withdrawable_amount"`
	Kind               Kind      `gorm:"column:kind;type:varchar(20);not null;index;uniqueIndex:idx_transactions_reference_kind,priority:2" json:"kind"`
	RelatedMatchID     *string   `gorm:"column:related_match_id;type:uuid;index" json:"related_match_id,omitempty"`
	ExternalReference  *string   `gorm:"column:external_reference;type:varchar(255);uniqueIndex:idx_transactions_reference_kind,priority:1" json:"external_reference,omitempty"`
	BalanceBefore      int64     `gorm:"column:balance_before;not null" json:"balance_before"`
	BalanceAfter       int64     `gorm:"column:balance_after;not null" json:"balance_after"`
	CreatedAt          time.Time `gorm:"column:created_at;not null;index" json:"created_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// Posting is a requested ledger movement. Amount is always positive; Debit
// decides the sign. WithdrawableAmount applies to credits only and is the part
// of the credit that becomes withdrawable.
type Posting struct {
	UserID             string
	Kind               Kind
	Amount             int64
	Debit              bool
	WithdrawableAmount int64
	RelatedMatchID     string
	ExternalReference  string
}

func CreditPosting(userID string, amount int64, kind Kind, matchID string, withdrawable bool) Posting {
	p := Posting{UserID: userID, Kind: kind, Amount: amount, RelatedMatchID: matchID}
	if withdrawable {
		p.WithdrawableAmount = amount
	}
	return p
}

func DebitPosting(userID string, amount int64, kind Kind, matchID string) Posting {
	return Posting{UserID: userID, Kind: kind, Amount: amount, Debit: true, RelatedMatchID: matchID}
}

// TokenPackage is a purchasable bundle. One token costs one minor currency
// unit; BonusRate adds non-withdrawable tokens on top.
type TokenPackage struct {
	ID         string          `json:"id"`
	PriceMinor int64           `json:"price_minor"`
	BonusRate  decimal.Decimal `json:"bonus_rate"`
}

var Packages = map[string]TokenPackage{
	"tokens_500":   {ID: "tokens_500", PriceMinor: 500, BonusRate: decimal.Zero},
	"tokens_1000":  {ID: "tokens_1000", PriceMinor: 1000, BonusRate: decimal.RequireFromString("0.10")},
	"tokens_2500":  {ID: "tokens_2500", PriceMinor: 2500, BonusRate: decimal.RequireFromString("0.12")},
	"tokens_5000":  {ID: "tokens_5000", PriceMinor: 5000, BonusRate: decimal.RequireFromString("0.20")},
	"tokens_10000": {ID: "tokens_10000", PriceMinor: 10000, BonusRate: decimal.RequireFromString("0.35")},
}

type DepositRequest struct {
	UserID    string `json:"user_id"`
	PackageID string `json:"package_id"`
	Amount    int64  `json:"amount"`
	Region    string `json:"region"`
	Reference string `json:"reference"`
}

type DepositResult struct {
	Deposit *Transaction   `json:"deposit"`
	Bonus   *Transaction   `json:"bonus,omitempty"`
	Balance *WalletBalance `json:"balance"`
}

type WithdrawRequest struct {
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}
