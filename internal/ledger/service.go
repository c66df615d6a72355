package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"wager_service/internal/collab"
	"wager_service/internal/metrics"
	apperrors "wager_service/pkg/errors"
	"wager_service/pkg/logger"
)

const (
	MaxRetries = 3
	RetryDelay = 10 * time.Millisecond

	DefaultHistoryLimit = 50
)

type Service struct {
	db         *gorm.DB
	repo       Repository
	processor  collab.PaymentProcessor
	compliance collab.Compliance
	metrics    *metrics.Metrics
}

func NewService(db *gorm.DB, repo Repository, processor collab.PaymentProcessor, compliance collab.Compliance, m *metrics.Metrics) *Service {
	if compliance == nil {
		compliance = collab.AllowAll{}
	}
	return &Service{
		db:         db,
		repo:       repo,
		processor:  processor,
		compliance: compliance,
		metrics:    m,
	}
}

// GetBalance returns the user's balances. Users with no entries have zero balances.
func (s *Service) GetBalance(ctx context.Context, userID string) (*WalletBalance, error) {
	w, err := s.repo.GetBalance(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return &WalletBalance{UserID: userID}, nil
	}
	return w, err
}

func (s *Service) History(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = DefaultHistoryLimit
	}
	return s.repo.ListTransactions(ctx, userID, limit)
}

func (s *Service) MatchEntries(ctx context.Context, matchID string) ([]Transaction, error) {
	return s.repo.ListMatchTransactions(ctx, matchID)
}

// Post writes postings inside the caller's database transaction. Either every
// posting is applied or the returned error must roll the transaction back.
func (s *Service) Post(ctx context.Context, tx *gorm.DB, postings ...Posting) ([]*Transaction, error) {
	if len(postings) == 0 {
		return nil, nil
	}
	userIDs := make([]string, 0, len(postings))
	for _, p := range postings {
		if err := validatePosting(p); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, p.UserID)
	}

	wallets, err := s.repo.LockBalances(ctx, tx, userIDs)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	entries := make([]*Transaction, 0, len(postings))
	touched := make(map[string]*WalletBalance, len(wallets))
	for _, p := range postings {
		w := wallets[p.UserID]
		entry, err := apply(w, p)
		if err != nil {
			return nil, err
		}
		entry.TransactionID = uuid.NewString()
		entry.CreatedAt = now
		if err := s.repo.CreateTransaction(ctx, tx, entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		touched[w.UserID] = w
	}

	for _, w := range touched {
		if err := s.repo.UpdateBalance(ctx, tx, w); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Debit removes amount from the user's wallet in its own transaction.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, kind Kind, matchID string) (*Transaction, error) {
	entries, err := s.postWithRetry(ctx, DebitPosting(userID, amount, kind, matchID))
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

// Credit adds amount to the user's wallet in its own transaction.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, kind Kind, matchID string, withdrawable bool) (*Transaction, error) {
	entries, err := s.postWithRetry(ctx, CreditPosting(userID, amount, kind, matchID, withdrawable))
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

func (s *Service) postWithRetry(ctx context.Context, postings ...Posting) ([]*Transaction, error) {
	var entries []*Transaction
	var err error
	for i := 0; i < MaxRetries; i++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var postErr error
			entries, postErr = s.Post(ctx, tx, postings...)
			return postErr
		})
		if err == nil {
			s.observe(entries)
			return entries, nil
		}
		if errors.Is(err, ErrOptimisticLock) {
			time.Sleep(RetryDelay)
			continue
		}
		return nil, err
	}
	return nil, err
}

// Deposit charges the processor and credits the purchased tokens as
// withdrawable plus any package bonus as non-withdrawable, in one batch.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	amount := req.Amount
	bonusRate := decimal.Zero
	if req.PackageID != "" {
		pkg, ok := Packages[req.PackageID]
		if !ok {
			return nil, apperrors.Validation(fmt.Sprintf("unknown token package %q", req.PackageID))
		}
		amount = pkg.PriceMinor
		bonusRate = pkg.BonusRate
	}
	if req.UserID == "" {
		return nil, apperrors.Validation("user id is required")
	}
	if amount <= 0 {
		return nil, apperrors.Validation("deposit amount must be positive")
	}

	//idempotency check
	reference := req.Reference
	if reference != "" {
		existing, err := s.existingDeposit(ctx, reference)
		if !errors.Is(err, ErrTransactionNotFound) {
			return existing, err
		}
	} else {
		reference = uuid.NewString()
	}

	decision, err := s.compliance.CheckDeposit(ctx, req.UserID, amount, req.Region)
	if err != nil {
		return nil, apperrors.External(err, "compliance check unavailable")
	}
	if !decision.Allowed {
		return nil, apperrors.Validation(decision.Reason)
	}

	charge, err := s.processor.Charge(ctx, req.UserID, amount, collab.IdempotencyKey(string(KindDeposit), reference))
	if err != nil {
		return nil, apperrors.External(err, "payment processor unavailable")
	}
	if !charge.Success {
		return nil, apperrors.Validation(declineReason("payment declined", charge.Reason))
	}

	deposit := CreditPosting(req.UserID, amount, KindDeposit, "", true)
	deposit.ExternalReference = reference
	postings := []Posting{deposit}

	bonus := decimal.NewFromInt(amount).Mul(bonusRate).Floor().IntPart()
	if bonus > 0 {
		bonusPosting := CreditPosting(req.UserID, bonus, KindBonus, "", false)
		bonusPosting.ExternalReference = reference
		postings = append(postings, bonusPosting)
	}

	entries, err := s.postWithRetry(ctx, postings...)
	if errors.Is(err, ErrDuplicateReference) {
		// a concurrent request with the same reference committed first
		return s.existingDeposit(ctx, reference)
	}
	if err != nil {
		// The card was charged but nothing was credited.
		logger.Error("Deposit charged but not credited", "user_id", req.UserID, "amount", amount,
			"reference", reference, "charge_reference", charge.Reference, "error", err, "escalate", true)
		return nil, err
	}

	balance, err := s.GetBalance(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	result := &DepositResult{Deposit: entries[0], Balance: balance}
	if len(entries) > 1 {
		result.Bonus = entries[1]
	}
	logger.Info("Deposit processed", "user_id", req.UserID, "amount", amount, "bonus", bonus,
		"reference", reference, "charge_reference", charge.Reference)
	return result, nil
}

// existingDeposit rebuilds the result of a deposit already recorded under
// reference. It returns ErrTransactionNotFound when there is none.
func (s *Service) existingDeposit(ctx context.Context, reference string) (*DepositResult, error) {
	deposit, err := s.repo.GetTransactionByReference(ctx, reference, KindDeposit)
	if err != nil {
		return nil, err
	}
	result := &DepositResult{Deposit: deposit}
	bonus, err := s.repo.GetTransactionByReference(ctx, reference, KindBonus)
	switch {
	case err == nil:
		result.Bonus = bonus
	case !errors.Is(err, ErrTransactionNotFound):
		return nil, err
	}
	if result.Balance, err = s.GetBalance(ctx, deposit.UserID); err != nil {
		return nil, err
	}
	return result, nil
}

// Withdraw pays out withdrawable tokens. The wallet stays locked while the
// processor is called and the debit is written only if the payout succeeded.
// A retried request with the same reference returns the original entry.
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (*Transaction, error) {
	if req.UserID == "" {
		return nil, apperrors.Validation("user id is required")
	}
	if req.Amount <= 0 {
		return nil, apperrors.Validation("withdrawal amount must be positive")
	}

	reference := req.Reference
	if reference != "" {
		existing, err := s.repo.GetTransactionByReference(ctx, reference, KindWithdrawal)
		if !errors.Is(err, ErrTransactionNotFound) {
			return existing, err
		}
	} else {
		reference = uuid.NewString()
	}

	decision, err := s.compliance.CheckWithdrawal(ctx, req.UserID, req.Amount)
	if err != nil {
		return nil, apperrors.External(err, "compliance check unavailable")
	}
	if !decision.Allowed {
		return nil, apperrors.Validation(decision.Reason)
	}

	var entry *Transaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallets, err := s.repo.LockBalances(ctx, tx, []string{req.UserID})
		if err != nil {
			return err
		}
		if wallets[req.UserID].WithdrawableBalance < req.Amount {
			return apperrors.New(apperrors.ErrCodeInsufficientFunds, "insufficient withdrawable balance")
		}

		payout, err := s.processor.Payout(ctx, req.UserID, req.Amount, collab.IdempotencyKey(string(KindWithdrawal), reference))
		if err != nil {
			return apperrors.External(err, "payment processor unavailable")
		}
		if !payout.Success {
			return apperrors.Validation(declineReason("payout declined", payout.Reason))
		}

		p := DebitPosting(req.UserID, req.Amount, KindWithdrawal, "")
		p.ExternalReference = reference
		entries, err := s.Post(ctx, tx, p)
		if err != nil {
			if !errors.Is(err, ErrDuplicateReference) {
				logger.Error("Payout sent but withdrawal not recorded", "user_id", req.UserID,
					"amount", req.Amount, "reference", reference, "payout_reference", payout.Reference,
					"error", err, "escalate", true)
			}
			return err
		}
		entry = entries[0]
		return nil
	})
	if errors.Is(err, ErrDuplicateReference) {
		return s.repo.GetTransactionByReference(ctx, reference, KindWithdrawal)
	}
	if err != nil {
		return nil, err
	}
	s.observe([]*Transaction{entry})
	logger.Info("Withdrawal processed", "user_id", req.UserID, "amount", req.Amount, "reference", reference)
	return entry, nil
}

// Reconcile re-derives the user's balances from the log and reports any
// drift. It never rewrites the stored balances.
func (s *Service) Reconcile(ctx context.Context, userID string) error {
	total, withdrawable, err := s.repo.SumTransactions(ctx, userID)
	if err != nil {
		return err
	}
	w, err := s.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	if w.TotalBalance != total || w.WithdrawableBalance != withdrawable {
		s.metrics.Invariant("ledger")
		logger.Error("Wallet balance drifted from ledger", "user_id", userID,
			"stored_total", w.TotalBalance, "ledger_total", total,
			"stored_withdrawable", w.WithdrawableBalance, "ledger_withdrawable", withdrawable,
			"escalate", true)
		return apperrors.Invariant(fmt.Sprintf("wallet %s does not match ledger: total %d != %d or withdrawable %d != %d",
			userID, w.TotalBalance, total, w.WithdrawableBalance, withdrawable))
	}
	return nil
}

// Observe records metrics for entries committed by a caller-owned transaction.
func (s *Service) Observe(entries []*Transaction) {
	s.observe(entries)
}

func (s *Service) observe(entries []*Transaction) {
	for _, e := range entries {
		s.metrics.Posting(string(e.Kind), e.Amount)
	}
}

func validatePosting(p Posting) error {
	if p.UserID == "" {
		return apperrors.Validation("posting has no user")
	}
	if !p.Kind.Valid() {
		return apperrors.Validation(fmt.Sprintf("unknown transaction kind %q", p.Kind))
	}
	if p.Amount <= 0 {
		return apperrors.Validation(fmt.Sprintf("amount must be positive, got %d", p.Amount))
	}
	if p.Debit && p.WithdrawableAmount != 0 {
		return apperrors.Validation("debits cannot carry a withdrawable amount")
	}
	if p.WithdrawableAmount < 0 || p.WithdrawableAmount > p.Amount {
		return apperrors.Validation(fmt.Sprintf("withdrawable amount %d outside [0, %d]", p.WithdrawableAmount, p.Amount))
	}
	return nil
}

// apply moves one posting through w and returns the entry describing it.
// Non-withdrawal debits spend non-withdrawable funds first.
func apply(w *WalletBalance, p Posting) (*Transaction, error) {
	before := w.TotalBalance
	var delta, withdrawableDelta int64

	if p.Debit {
		if p.Kind == KindWithdrawal {
			if p.Amount > w.WithdrawableBalance {
				return nil, apperrors.New(apperrors.ErrCodeInsufficientFunds, "insufficient withdrawable balance")
			}
		} else if p.Amount > w.TotalBalance {
			return nil, apperrors.New(apperrors.ErrCodeInsufficientFunds,
				fmt.Sprintf("insufficient funds: have %d, need %d", w.TotalBalance, p.Amount))
		}
		delta = -p.Amount
		newTotal := w.TotalBalance + delta
		newWithdrawable := w.WithdrawableBalance
		if p.Kind == KindWithdrawal {
			newWithdrawable -= p.Amount
		} else if newWithdrawable > newTotal {
			newWithdrawable = newTotal
		}
		withdrawableDelta = newWithdrawable - w.WithdrawableBalance
	} else {
		delta = p.Amount
		withdrawableDelta = p.WithdrawableAmount
	}

	total := w.TotalBalance + delta
	withdrawable := w.WithdrawableBalance + withdrawableDelta
	if total < 0 || withdrawable < 0 || withdrawable > total {
		return nil, apperrors.Invariant(fmt.Sprintf("posting would leave wallet %s at total=%d withdrawable=%d",
			w.UserID, total, withdrawable))
	}
	w.TotalBalance = total
	w.WithdrawableBalance = withdrawable

	entry := &Transaction{
		UserID:             p.UserID,
		Amount:             delta,
		WithdrawableAmount: withdrawableDelta,
		Kind:               p.Kind,
		BalanceBefore:      before,
		BalanceAfter:       total,
	}
	if p.RelatedMatchID != "" {
		id := p.RelatedMatchID
		entry.RelatedMatchID = &id
	}
	if p.ExternalReference != "" {
		ref := p.ExternalReference
		entry.ExternalReference = &ref
	}
	return entry, nil
}

func declineReason(prefix, reason string) string {
	if reason == "" {
		return prefix
	}
	return prefix + ": " + reason
}
