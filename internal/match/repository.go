package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrMatchNotFound       = errors.New("match not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrStatusChanged       = errors.New("match status changed")
)

type Repository interface {
	Create(ctx context.Context, tx *gorm.DB, m *Match) error
	AddParticipant(ctx context.Context, tx *gorm.DB, p *Participant) error
	RemoveParticipant(ctx context.Context, tx *gorm.DB, participantID string) error
	Lock(ctx context.Context, tx *gorm.DB, matchID string) (*Match, error)
	LockShared(ctx context.Context, tx *gorm.DB, matchID string) (*Match, error)
	Participants(ctx context.Context, tx *gorm.DB, matchID string) ([]Participant, error)
	CompareAndSetStatus(ctx context.Context, tx *gorm.DB, matchID string, from, to Status, fields map[string]interface{}) error
	UpdateFields(ctx context.Context, tx *gorm.DB, matchID string, fields map[string]interface{}) error
	RecordVote(ctx context.Context, tx *gorm.DB, matchID, voterID, targetID string, at time.Time) error
	MarkWinners(ctx context.Context, tx *gorm.DB, matchID string, userIDs []string) error
	UpdateLeave(ctx context.Context, tx *gorm.DB, participantID string, requested bool, approvals []string) error
	AppendEvidence(ctx context.Context, tx *gorm.DB, matchID, reference string) error
	ClaimReminder(ctx context.Context, tx *gorm.DB, matchID string, at time.Time) (bool, error)

	Get(ctx context.Context, matchID string) (*Match, error)
	ListForUser(ctx context.Context, userID string, status Status) ([]Match, error)
	DueForStart(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	DueForVoting(ctx context.Context, startedBefore time.Time, limit int) ([]string, error)
	DueForSettlement(ctx context.Context, now time.Time, limit int) ([]string, error)
	DueForDisputeExpiry(ctx context.Context, now time.Time, limit int) ([]string, error)
	DueForReminder(ctx context.Context, now time.Time, window time.Duration, limit int) ([]string, error)
}

type RepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *RepositoryImpl {
	return &RepositoryImpl{db: db}
}

func (r *RepositoryImpl) Create(ctx context.Context, tx *gorm.DB, m *Match) error {
	if err := tx.WithContext(ctx).Omit(clause.Associations).Create(m).Error; err != nil {
		return fmt.Errorf("failed to create match: %w", err)
	}
	return nil
}

func (r *RepositoryImpl) AddParticipant(ctx context.Context, tx *gorm.DB, p *Participant) error {
	if err := tx.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

func (r *RepositoryImpl) RemoveParticipant(ctx context.Context, tx *gorm.DB, participantID string) error {
	result := tx.WithContext(ctx).Where("id = ?", participantID).Delete(&Participant{})
	if result.Error != nil {
		return fmt.Errorf("failed to remove participant: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

func (r *RepositoryImpl) Lock(ctx context.Context, tx *gorm.DB, matchID string) (*Match, error) {
	return r.lock(ctx, tx, matchID, "UPDATE")
}

// LockShared takes a SHARE lock: votes may proceed side by side but no
// transition can commit until they finish.
func (r *RepositoryImpl) LockShared(ctx context.Context, tx *gorm.DB, matchID string) (*Match, error) {
	return r.lock(ctx, tx, matchID, "SHARE")
}

func (r *RepositoryImpl) lock(ctx context.Context, tx *gorm.DB, matchID, strength string) (*Match, error) {
	var m Match
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: strength}).
		Where("id = ?", matchID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMatchNotFound
		}
		return nil, fmt.Errorf("failed to lock match: %w", err)
	}
	return &m, nil
}

func (r *RepositoryImpl) Participants(ctx context.Context, tx *gorm.DB, matchID string) ([]Participant, error) {
	var ps []Participant
	err := tx.WithContext(ctx).
		Where("match_id = ?", matchID).
		Order("joined_at ASC, user_id ASC").
		Find(&ps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return ps, nil
}

// CompareAndSetStatus moves the match from one status to another only if it is
// still in the expected status. It returns ErrStatusChanged otherwise.
func (r *RepositoryImpl) CompareAndSetStatus(ctx context.Context, tx *gorm.DB, matchID string, from, to Status, fields map[string]interface{}) error {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}
	result := tx.WithContext(ctx).Model(&Match{}).
		Where("id = ? AND status = ?", matchID, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update match status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStatusChanged
	}
	return nil
}

func (r *RepositoryImpl) UpdateFields(ctx context.Context, tx *gorm.DB, matchID string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now()
	if err := tx.WithContext(ctx).Model(&Match{}).Where("id = ?", matchID).Updates(fields).Error; err != nil {
		return fmt.Errorf("failed to update match: %w", err)
	}
	return nil
}

func (r *RepositoryImpl) RecordVote(ctx context.Context, tx *gorm.DB, matchID, voterID, targetID string, at time.Time) error {
	result := tx.WithContext(ctx).Model(&Participant{}).
		Where("match_id = ? AND user_id = ?", matchID, voterID).
		Updates(map[string]interface{}{
			"vote_for_user_id": targetID,
			"voted_at":         at,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record vote: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

func (r *RepositoryImpl) MarkWinners(ctx context.Context, tx *gorm.DB, matchID string, userIDs []string) error {
	err := tx.WithContext(ctx).Model(&Participant{}).
		Where("match_id = ? AND user_id IN ?", matchID, userIDs).
		Update("is_winner", true).Error
	if err != nil {
		return fmt.Errorf("failed to mark winners: %w", err)
	}
	return nil
}

func (r *RepositoryImpl) UpdateLeave(ctx context.Context, tx *gorm.DB, participantID string, requested bool, approvals []string) error {
	err := tx.WithContext(ctx).Model(&Participant{}).
		Where("id = ?", participantID).
		Updates(map[string]interface{}{
			"leave_requested":   requested,
			"leave_approved_by": pq.StringArray(approvals),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update leave request: %w", err)
	}
	return nil
}

func (r *RepositoryImpl) AppendEvidence(ctx context.Context, tx *gorm.DB, matchID, reference string) error {
	err := tx.WithContext(ctx).Model(&Match{}).
		Where("id = ?", matchID).
		Updates(map[string]interface{}{
			"dispute_evidence": gorm.Expr("array_append(COALESCE(dispute_evidence, '{}'), ?)", reference),
			"updated_at":       time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to append evidence: %w", err)
	}
	return nil
}

// ClaimReminder stamps reminder_sent_at if it is still empty. Only the first
// caller gets true.
func (r *RepositoryImpl) ClaimReminder(ctx context.Context, tx *gorm.DB, matchID string, at time.Time) (bool, error) {
	result := tx.WithContext(ctx).Model(&Match{}).
		Where("id = ? AND status = ? AND reminder_sent_at IS NULL", matchID, StatusVoting).
		Update("reminder_sent_at", at)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim reminder: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *RepositoryImpl) Get(ctx context.Context, matchID string) (*Match, error) {
	var m Match
	err := r.db.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC, user_id ASC")
		}).
		Where("id = ?", matchID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMatchNotFound
		}
		return nil, fmt.Errorf("failed to get match: %w", err)
	}
	return &m, nil
}

func (r *RepositoryImpl) ListForUser(ctx context.Context, userID string, status Status) ([]Match, error) {
	q := r.db.WithContext(ctx).
		Preload("Participants").
		Where("id IN (?)", r.db.Model(&Participant{}).Select("match_id").Where("user_id = ?", userID))
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var ms []Match
	if err := q.Order("created_at DESC").Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}
	return ms, nil
}

// DueForStart returns pending matches that either have enough participants
// to start or were created before cutoff.
func (r *RepositoryImpl) DueForStart(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return r.dueIDs(ctx, limit, "status = ? AND (created_at <= ? OR (SELECT COUNT(*) FROM match_participants p WHERE p.match_id = matches.id) >= 2)",
		StatusPending, cutoff)
}

func (r *RepositoryImpl) DueForVoting(ctx context.Context, startedBefore time.Time, limit int) ([]string, error) {
	return r.dueIDs(ctx, limit, "status = ? AND started_at <= ?", StatusActive, startedBefore)
}

// DueForSettlement returns voting matches whose deadline passed or whose
// participants have all voted.
func (r *RepositoryImpl) DueForSettlement(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return r.dueIDs(ctx, limit, "status = ? AND (voting_deadline <= ? OR NOT EXISTS (SELECT 1 FROM match_participants p WHERE p.match_id = matches.id AND p.vote_for_user_id IS NULL))",
		StatusVoting, now)
}

func (r *RepositoryImpl) DueForDisputeExpiry(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return r.dueIDs(ctx, limit, "status = ? AND dispute_deadline <= ?", StatusDisputed, now)
}

func (r *RepositoryImpl) DueForReminder(ctx context.Context, now time.Time, window time.Duration, limit int) ([]string, error) {
	return r.dueIDs(ctx, limit, "status = ? AND reminder_sent_at IS NULL AND voting_deadline > ? AND voting_deadline <= ?",
		StatusVoting, now, now.Add(window))
}

func (r *RepositoryImpl) dueIDs(ctx context.Context, limit int, query string, args ...interface{}) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&Match{}).
		Where(query, args...).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due matches: %w", err)
	}
	return ids, nil
}
