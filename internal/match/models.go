package match

import (
	"time"

	"github.com/lib/pq"

	"wager_service/internal/payout"
	"wager_service/internal/tally"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusVoting    Status = "voting"
	StatusDisputed  Status = "disputed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusVoting, StatusDisputed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Resolution records how a completed match got its winner.
type Resolution string

const (
	ResolutionVote           Resolution = "vote"
	ResolutionEvidenceReview Resolution = "evidence_review"
	ResolutionDisputeExpiry  Resolution = "dispute_expiry"
)

type Match struct {
	ID              string         `gorm:"column:id;primaryKey;type:uuid" json:"id"`
	CreatorID       string         `gorm:"column:creator_id;type:uuid;not null;index" json:"creator_id"`
	ActivityType    string         `gorm:"column:activity_type;type:varchar(100);not null" json:"activity_type"`
	CustomRules     string         `gorm:"column:custom_rules;type:text" json:"custom_rules,omitempty"`
	StakeAmount     int64          `gorm:"column:stake_amount;not null" json:"stake_amount"`
	TotalPot        int64          `gorm:"column:total_pot;not null" json:"total_pot"`
	IsPremiumOnly   bool           `gorm:"column:is_premium_only;not null;default:false" json:"is_premium_only"`
	Status          Status         `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	Resolution      Resolution     `gorm:"column:resolution;type:varchar(20)" json:"resolution,omitempty"`
	DisputeEvidence pq.StringArray `gorm:"column:dispute_evidence;type:text[]" json:"dispute_evidence,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at;not null;index" json:"created_at"`
	StartedAt       *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	VotingDeadline  *time.Time     `gorm:"column:voting_deadline;index" json:"voting_deadline,omitempty"`
	DisputeDeadline *time.Time     `gorm:"column:dispute_deadline;index" json:"dispute_deadline,omitempty"`
	CompletedAt     *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	ReminderSentAt  *time.Time     `gorm:"column:reminder_sent_at" json:"reminder_sent_at,omitempty"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`

	Participants []Participant `gorm:"foreignKey:MatchID" json:"participants,omitempty"`
}

func (Match) TableName() string {
	return "matches"
}

type Participant struct {
	ID                string         `gorm:"column:id;primaryKey;type:uuid" json:"id"`
	MatchID           string         `gorm:"column:match_id;type:uuid;not null;uniqueIndex:idx_participant_match_user" json:"match_id"`
	UserID            string         `gorm:"column:user_id;type:uuid;not null;uniqueIndex:idx_participant_match_user;index" json:"user_id"`
	StakeAmount       int64          `gorm:"column:stake_amount;not null" json:"stake_amount"`
	StakeWithdrawable int64          `gorm:"column:stake_withdrawable;not null;default:0" json:"-"`
	Tier              payout.Tier    `gorm:"column:tier;type:varchar(20);not null" json:"tier"`
	VoteForUserID     *string        `gorm:"column:vote_for_user_id;type:uuid" json:"vote_for_user_id,omitempty"`
	VotedAt           *time.Time     `gorm:"column:voted_at" json:"voted_at,omitempty"`
	IsWinner          bool           `gorm:"column:is_winner;not null;default:false" json:"is_winner"`
	LeaveRequested    bool           `gorm:"column:leave_requested;not null;default:false" json:"leave_requested"`
	LeaveApprovedBy   pq.StringArray `gorm:"column:leave_approved_by;type:text[]" json:"leave_approved_by,omitempty"`
	JoinedAt          time.Time      `gorm:"column:joined_at;not null" json:"joined_at"`
}

func (Participant) TableName() string {
	return "match_participants"
}

func (p Participant) HasVoted() bool {
	return p.VoteForUserID != nil
}

func (p Participant) ApprovedBy(userID string) bool {
	for _, id := range p.LeaveApprovedBy {
		if id == userID {
			return true
		}
	}
	return false
}

func ballots(participants []Participant) []tally.Ballot {
	out := make([]tally.Ballot, len(participants))
	for i, p := range participants {
		out[i] = tally.Ballot{UserID: p.UserID, VoteFor: p.VoteForUserID}
	}
	return out
}

func tiers(participants []Participant) []payout.Tier {
	out := make([]payout.Tier, len(participants))
	for i, p := range participants {
		out[i] = p.Tier
	}
	return out
}

func findParticipant(participants []Participant, userID string) (*Participant, bool) {
	for i := range participants {
		if participants[i].UserID == userID {
			return &participants[i], true
		}
	}
	return nil, false
}

func userIDs(participants []Participant) []string {
	out := make([]string, len(participants))
	for i, p := range participants {
		out[i] = p.UserID
	}
	return out
}

type CreateMatchRequest struct {
	CreatorID     string `json:"creator_id"`
	ActivityType  string `json:"activity_type"`
	CustomRules   string `json:"custom_rules"`
	StakeAmount   int64  `json:"stake_amount"`
	IsPremiumOnly bool   `json:"is_premium_only"`
}

type JoinMatchRequest struct {
	MatchID string `json:"match_id"`
	UserID  string `json:"user_id"`
}

type VoteRequest struct {
	MatchID  string `json:"match_id"`
	VoterID  string `json:"voter_id"`
	TargetID string `json:"target_id"`
}

type EvidenceRequest struct {
	MatchID     string
	UserID      string
	FileName    string
	ContentType string
	Size        int64
}

// Result describes what a lifecycle operation did. Applied is false when the
// operation found nothing to do.
type Result struct {
	MatchID string         `json:"match_id"`
	From    Status         `json:"from"`
	To      Status         `json:"to"`
	Applied bool           `json:"applied"`
	Tally   *tally.Result  `json:"tally,omitempty"`
	Quote   *payout.Quote  `json:"quote,omitempty"`
	Shares  []payout.Share `json:"shares,omitempty"`
}

func noop(m *Match) *Result {
	return &Result{MatchID: m.ID, From: m.Status, To: m.Status}
}
