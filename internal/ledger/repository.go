package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrOptimisticLock      = errors.New("optimistic lock error")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateReference  = errors.New("external reference already recorded")
)

type Repository interface {
	GetBalance(ctx context.Context, userID string) (*WalletBalance, error)
	LockBalances(ctx context.Context, tx *gorm.DB, userIDs []string) (map[string]*WalletBalance, error)
	UpdateBalance(ctx context.Context, tx *gorm.DB, w *WalletBalance) error
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *Transaction) error
	GetTransactionByReference(ctx context.Context, reference string, kind Kind) (*Transaction, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
	ListMatchTransactions(ctx context.Context, matchID string) ([]Transaction, error)
	SumTransactions(ctx context.Context, userID string) (total int64, withdrawable int64, err error)
}

type RepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *RepositoryImpl {
	return &RepositoryImpl{db: db}
}

func (r *RepositoryImpl) GetBalance(ctx context.Context, userID string) (*WalletBalance, error) {
	var w WalletBalance
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &w, nil
}

// LockBalances makes sure a balance row exists for every user and locks the
// rows FOR UPDATE in user id order, so concurrent batches touching the same
// wallets cannot deadlock.
func (r *RepositoryImpl) LockBalances(ctx context.Context, tx *gorm.DB, userIDs []string) (map[string]*WalletBalance, error) {
	ids := uniqueSorted(userIDs)
	if len(ids) == 0 {
		return map[string]*WalletBalance{}, nil
	}

	now := time.Now()
	rows := make([]WalletBalance, len(ids))
	for i, id := range ids {
		rows[i] = WalletBalance{UserID: id, Version: 1, CreatedAt: now, UpdatedAt: now}
	}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to ensure wallets: %w", err)
	}

	var locked []WalletBalance
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id IN ?", ids).
		Order("user_id").
		Find(&locked).Error
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallets: %w", err)
	}
	if len(locked) != len(ids) {
		return nil, ErrWalletNotFound
	}

	out := make(map[string]*WalletBalance, len(locked))
	for i := range locked {
		out[locked[i].UserID] = &locked[i]
	}
	return out, nil
}

func (r *RepositoryImpl) UpdateBalance(ctx context.Context, tx *gorm.DB, w *WalletBalance) error {
	now := time.Now()
	result := tx.WithContext(ctx).Model(&WalletBalance{}).
		Where("user_id = ? AND version = ?", w.UserID, w.Version).
		Updates(map[string]interface{}{
			"total_balance":        w.TotalBalance,
			"withdrawable_balance": w.WithdrawableBalance,
			"version":              gorm.Expr("version + 1"),
			"updated_at":           now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update balance: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	w.Version++
	w.UpdatedAt = now
	return nil
}

func (r *RepositoryImpl) CreateTransaction(ctx context.Context, tx *gorm.DB, t *Transaction) error {
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (r *RepositoryImpl) GetTransactionByReference(ctx context.Context, reference string, kind Kind) (*Transaction, error) {
	var t Transaction
	err := r.db.WithContext(ctx).Where("external_reference = ? AND kind = ?", reference, kind).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &t, nil
}

func (r *RepositoryImpl) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	var txs []Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

func (r *RepositoryImpl) ListMatchTransactions(ctx context.Context, matchID string) ([]Transaction, error) {
	var txs []Transaction
	err := r.db.WithContext(ctx).
		Where("related_match_id = ?", matchID).
		Order("created_at ASC").
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list match transactions: %w", err)
	}
	return txs, nil
}

func (r *RepositoryImpl) SumTransactions(ctx context.Context, userID string) (int64, int64, error) {
	var sums struct {
		Total        int64
		Withdrawable int64
	}
	err := r.db.WithContext(ctx).Model(&Transaction{}).
		Select("COALESCE(SUM(amount), 0) AS total, COALESCE(SUM(withdrawable_amount), 0) AS withdrawable").
		Where("user_id = ?", userID).
		Scan(&sums).Error
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sums.Total, sums.Withdrawable, nil
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
