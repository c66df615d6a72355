package match

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"

	"wager_service/internal/collab"
	"wager_service/internal/evidence"
	"wager_service/internal/ledger"
	"wager_service/internal/metrics"
	"wager_service/internal/payout"
	"wager_service/internal/tally"
	apperrors "wager_service/pkg/errors"
	"wager_service/pkg/logger"
)

// Ledger is the part of the wallet ledger the engine posts through. Post runs
// inside the engine's transaction; Observe is called after it commits.
type Ledger interface {
	Post(ctx context.Context, tx *gorm.DB, postings ...ledger.Posting) ([]*ledger.Transaction, error)
	Observe(entries []*ledger.Transaction)
}

type PayoutCalculator interface {
	ComputePayout(pot int64, tiers []payout.Tier, winner string) (payout.Quote, error)
}

type Notifier interface {
	MatchStarted(ctx context.Context, matchID string, recipients []string)
	VoteReminder(ctx context.Context, matchID string, recipients []string)
	MatchDisputed(ctx context.Context, matchID string, recipients []string)
	MatchPaidOut(ctx context.Context, matchID string, recipients []string, shares []payout.Share)
	MatchCancelled(ctx context.Context, matchID string, recipients []string)
}

// Subscriptions reports the tier a user holds right now. It is read when the
// user stakes and frozen on the participant.
type Subscriptions interface {
	Tier(ctx context.Context, userID string) (payout.Tier, error)
}

type EvidenceStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

type Settings struct {
	FeeSinkUserID       string
	StartTimeout        time.Duration
	VotingWindow        time.Duration
	DisputeWindow       time.Duration
	MaxActivityDuration time.Duration
	ReminderWindow      time.Duration
	MaxStake            int64
}

func DefaultSettings() Settings {
	return Settings{
		FeeSinkUserID:       "00000000-0000-0000-0000-0000000000fe",
		StartTimeout:        30 * time.Minute,
		VotingWindow:        24 * time.Hour,
		DisputeWindow:       24 * time.Hour,
		MaxActivityDuration: 24 * time.Hour,
		ReminderWindow:      time.Hour,
		MaxStake:            1_000_000,
	}
}

type Option func(*Engine)

func WithEvidenceStore(s EvidenceStore) Option {
	return func(e *Engine) { e.evidence = s }
}

func WithSubscriptions(s Subscriptions) Option {
	return func(e *Engine) { e.subscriptions = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine drives matches through their lifecycle. Every transition runs in one
// database transaction that locks the match row, moves funds through the
// ledger and flips the status with a compare-and-set, so a transition
// commits exactly once however many workers attempt it.
type Engine struct {
	db       *gorm.DB
	repo     Repository
	ledger   Ledger
	calc     PayoutCalculator
	notifier Notifier
	evidence EvidenceStore
	metrics  *metrics.Metrics
	settings Settings
	now      func() time.Time

	subscriptions Subscriptions
}

func NewEngine(db *gorm.DB, repo Repository, ldg Ledger, calc PayoutCalculator, notifier Notifier, settings Settings, opts ...Option) *Engine {
	e := &Engine{
		db:       db,
		repo:     repo,
		ledger:   ldg,
		calc:     calc,
		notifier: notifier,
		settings: settings,
		now:      time.Now,

		subscriptions: collab.StaticSubscriptions{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Settings() Settings {
	return e.settings
}

func (e *Engine) CreateMatch(ctx context.Context, req CreateMatchRequest) (*Match, error) {
	if req.CreatorID == "" {
		return nil, apperrors.Validation("creator id is required")
	}
	if req.StakeAmount <= 0 {
		return nil, apperrors.Validation("stake amount must be positive")
	}
	if e.settings.MaxStake > 0 && req.StakeAmount > e.settings.MaxStake {
		return nil, apperrors.Validation(fmt.Sprintf("stake amount must not exceed %d", e.settings.MaxStake))
	}
	tier, err := e.tierOf(ctx, req.CreatorID)
	if err != nil {
		return nil, err
	}
	if req.IsPremiumOnly && !tier.IsPremium() {
		return nil, apperrors.Validation("premium-only matches require a premium subscription")
	}
	activity := slug.Make(req.ActivityType)
	if activity == "" {
		return nil, apperrors.Validation("activity type is required")
	}

	now := e.now()
	m := &Match{
		ID:            uuid.NewString(),
		CreatorID:     req.CreatorID,
		ActivityType:  activity,
		CustomRules:   req.CustomRules,
		StakeAmount:   req.StakeAmount,
		TotalPot:      req.StakeAmount,
		IsPremiumOnly: req.IsPremiumOnly,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var entries []*ledger.Transaction
	var participant *Participant
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.repo.Create(ctx, tx, m); err != nil {
			return err
		}
		var err error
		participant, entries, err = e.stake(ctx, tx, m, req.CreatorID, tier, now)
		return err
	})
	if err != nil {
		e.recordFailure("create", m.ID, err)
		return nil, err
	}
	e.ledger.Observe(entries)
	m.Participants = []Participant{*participant}

	logger.Info("Match created", "match_id", m.ID, "creator_id", m.CreatorID, "stake", m.StakeAmount, "activity", m.ActivityType)
	return m, nil
}

func (e *Engine) JoinMatch(ctx context.Context, req JoinMatchRequest) (*Match, error) {
	if req.UserID == "" {
		return nil, apperrors.Validation("user id is required")
	}
	tier, err := e.tierOf(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var entries []*ledger.Transaction
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := e.lock(ctx, tx, req.MatchID)
		if err != nil {
			return err
		}
		if m.Status != StatusPending {
			return apperrors.Validation(fmt.Sprintf("match is %s and no longer accepts participants", m.Status))
		}
		if m.IsPremiumOnly && !tier.IsPremium() {
			return apperrors.Validation("match is premium-only")
		}
		ps, err := e.repo.Participants(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		if _, ok := findParticipant(ps, req.UserID); ok {
			return apperrors.Validation("user already joined this match")
		}
		if err := checkPot(m, ps); err != nil {
			return err
		}
		if m.TotalPot > math.MaxInt64-m.StakeAmount {
			return apperrors.Validation("match pot is full")
		}

		_, entries, err = e.stake(ctx, tx, m, req.UserID, tier, now)
		if err != nil {
			return err
		}
		return e.repo.UpdateFields(ctx, tx, m.ID, map[string]interface{}{"total_pot": m.TotalPot + m.StakeAmount})
	})
	if err != nil {
		e.recordFailure("join", req.MatchID, err)
		return nil, err
	}
	e.ledger.Observe(entries)

	logger.Info("Participant joined match", "match_id", req.MatchID, "user_id", req.UserID)
	return e.Get(ctx, req.MatchID)
}

// stake debits the user's stake and adds them as a participant. The
// withdrawable part of the debit is kept so a refund restores the same split.
func (e *Engine) stake(ctx context.Context, tx *gorm.DB, m *Match, userID string, tier payout.Tier, now time.Time) (*Participant, []*ledger.Transaction, error) {
	entries, err := e.ledger.Post(ctx, tx, ledger.DebitPosting(userID, m.StakeAmount, ledger.KindStake, m.ID))
	if err != nil {
		return nil, nil, err
	}
	p := &Participant{
		ID:                uuid.NewString(),
		MatchID:           m.ID,
		UserID:            userID,
		StakeAmount:       m.StakeAmount,
		StakeWithdrawable: -entries[0].WithdrawableAmount,
		Tier:              tier,
		JoinedAt:          now,
	}
	if err := e.repo.AddParticipant(ctx, tx, p); err != nil {
		return nil, nil, err
	}
	return p, entries, nil
}

// CheckStart activates a pending match once it has two participants, or
// cancels and refunds it once it has waited longer than the start timeout.
func (e *Engine) CheckStart(ctx context.Context, matchID string, now time.Time) (*Result, error) {
	var res *Result
	var ps []Participant
	var entries []*ledger.Transaction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := e.lock(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if err := expectStatus(m, StatusPending); err != nil {
			return err
		}
		ps, err = e.repo.Participants(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		if err := checkPot(m, ps); err != nil {
			return err
		}

		switch {
		case len(ps) >= 2:
			res = &Result{MatchID: m.ID, From: StatusPending, To: StatusActive, Applied: true}
			return e.casStatus(ctx, tx, m.ID, StatusPending, StatusActive, map[string]interface{}{"started_at": now})
		case now.Sub(m.CreatedAt) > e.settings.StartTimeout:
			entries, err = e.ledger.Post(ctx, tx, refundPostings(m.ID, ps)...)
			if err != nil {
				return err
			}
			res = &Result{MatchID: m.ID, From: StatusPending, To: StatusCancelled, Applied: true}
			return e.casStatus(ctx, tx, m.ID, StatusPending, StatusCancelled, map[string]interface{}{"completed_at": now})
		default:
			res = noop(m)
			return nil
		}
	})
	if err != nil {
		e.recordFailure("start", matchID, err)
		return nil, err
	}
	if !res.Applied {
		return res, nil
	}

	e.ledger.Observe(entries)
	e.committed(res)
	if res.To == StatusActive {
		e.notifier.MatchStarted(ctx, matchID, userIDs(ps))
	} else {
		e.notifier.MatchCancelled(ctx, matchID, userIDs(ps))
	}
	return res, nil
}

// BeginVoting opens voting on an active match. requesterID is empty when the
// scheduler opens voting after the maximum activity duration.
func (e *Engine) BeginVoting(ctx context.Context, matchID, requesterID string, now time.Time) (*Result, error) {
	var res *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := e.lock(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if requesterID != "" {
			ps, err := e.repo.Participants(ctx, tx, m.ID)
			if err != nil {
				return err
			}
			if _, ok := findParticipant(ps, requesterID); !ok {
				return apperrors.Validation("only participants can start voting")
			}
		}
		if err := expectStatus(m, StatusActive); err != nil {
			return err
		}
		res = &Result{MatchID: m.ID, From: StatusActive, To: StatusVoting, Applied: true}
		return e.casStatus(ctx, tx, m.ID, StatusActive, StatusVoting, map[string]interface{}{
			"voting_deadline": now.Add(e.settings.VotingWindow),
		})
	})
	if err != nil {
		e.recordFailure("voting", matchID, err)
		return nil, err
	}
	e.committed(res)
	return res, nil
}

// SubmitVote records or overwrites the voter's choice. When it was the last
// missing vote the match is settled right away.
func (e *Engine) SubmitVote(ctx context.Context, req VoteRequest) (*Result, error) {
	now := e.now()
	allVoted := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := e.lockShared(ctx, tx, req.MatchID)
		if err != nil {
			return err
		}
		if m.Status != StatusVoting {
			return apperrors.Validation(fmt.Sprintf("match is %s, voting is not open", m.Status))
		}
		if m.VotingDeadline != nil && !now.Before(*m.VotingDeadline) {
			return apperrors.Validation("voting deadline has passed")
		}
		ps, err := e.repo.Participants(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		voter, ok := findParticipant(ps, req.VoterID)
		if !ok {
			return apperrors.Validation("voter is not a participant")
		}
		if _, ok := findParticipant(ps, req.TargetID); !ok {
			return apperrors.Validation("vote target is not a participant")
		}
		if err := e.repo.RecordVote(ctx, tx, m.ID, req.VoterID, req.TargetID, now); err != nil {
			return err
		}

		target := req.TargetID
		voter.VoteForUserID = &target
		allVoted = true
		for _, p := range ps {
			if !p.HasVoted() {
				allVoted = false
			}
		}
		return nil
	})
	if err != nil {
		e.recordFailure("vote", req.MatchID, err)
		return nil, err
	}

	res := &Result{MatchID: req.MatchID, From: StatusVoting, To: StatusVoting, Applied: true}
	if !allVoted {
		return res, nil
	}
	settled, err := e.Settle(ctx, req.MatchID, now)
	if err != nil {
		if !apperrors.IsConflict(err) {
			logger.Warn("Settlement after final vote failed, leaving it to the scheduler", "match_id", req.MatchID, "error", err)
		}
		return res, nil
	}
	return settled, nil
}

// Settle tallies a voting match. A single winner is paid out; a tie moves
// the match to disputed without moving funds; an incomplete tally is a no-op.
func (e *Engine) Settle(ctx context.Context, matchID string, now time.Time) (*Result, error) {
	var res *Result
	var ps []Participant
	var entries []*ledger.Transaction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := e.lock(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if err := expectStatus(m, StatusVoting); err != nil {
			return err
		}
		ps, err = e.repo.Participants(ctx, tx, m.ID)
		if err != nil {
			return err
		}

		deadlinePassed := m.VotingDeadline != nil && !now.Before(*m.VotingDeadline)
		t := tally.Tally(ballots(ps), deadlinePassed)
		switch t.Outcome {
		case tally.OutcomeWinner:
			res, entries, err = e.payWinners(ctx, tx, m, ps, []string{t.Winner}, ResolutionVote, now)
		case tally.OutcomeTie:
			res = &Result{MatchID: m.ID, From: StatusVoting, To: StatusDisputed, Applied: true}
			err = e.casStatus(ctx, tx, m.ID, StatusVoting, StatusDisputed, map[string]interface{}{
				"dispute_deadline": now.Add(e.settings.DisputeWindow),
			})
		default:
			res = noop(m)
		}
		if res != nil {
			res.Tally = &t
		}
		return err
	})
	if err != nil {
		e.recordFailure("settle", matchID, err)
		return nil, err
	}
	if !res.Applied {
		return res, nil
	}

	e.ledger.Observe(entries)
	e.committed(res)
	if res.To == StatusDisputed {
		logger.Info("Match disputed after tied vote", "match_id", matchID, "tied", res.Tally.Tied)
		e.notifier.MatchDisputed(ctx, matchID, userIDs(ps))
	} else {
		e.notifier.MatchPaidOut(ctx, matchID, userIDs(ps), res.Shares)
	}
	return res, nil
}

// ResolveDispute completes a disputed match with the winner chosen by
// evidence review.
func (e *Engine) ResolveDispute(ctx context.Context, matchID, winnerID string) (*Result, error) {
	now := e.now()
	var res *Result
	var ps []Participant
	var entries []*ledger.Transaction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := e.lock(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if err := expectStatus(m, StatusDisputed); err != nil {
			return err
		}
		ps, err = e.repo.Participants(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		if _, ok := findParticipant(ps, winnerID); !ok {
			return apperrors.Validation("winner is not a participant")
		}
		res, entries, err = e.payWinners(ctx, tx, m, ps, []string{winnerID}, ResolutionEvidenceReview, now)
		return err
	})
	if err != nil {
		e.recordFailure("resolve", matchID, err)
		return nil, err
	}

	e.ledger.Observe(entries)
	e.committed(res)
	e.notifier.MatchPaidOut(ctx, matchID, userIDs(ps), res.Shares)
	return res, nil
}

// ExpireDispute settles a dispute nobody resolved before its deadline. The
// payout is split evenly among the participants sharing the top vote count.
func (e *Engine) ExpireDispute(ctx context.Context, matchID string, now time.Time) (*Result, error) {
	var res *Result
	var ps []Participant
	var entries []*ledger.Transaction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := e.lock(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if err := expectStatus(m, StatusDisputed); err != nil {
			return err
		}
		if m.DisputeDeadline != nil && now.Before(*m.DisputeDeadline) {
			res = noop(m)
			return nil
		}
		ps, err = e.repo.Participants(ctx, tx, m.ID)
		if err != nil {
			return err
		}

		t := tally.Tally(ballots(ps), true)
		winners := t.Tied
		if t.Outcome == tally.OutcomeWinner {
			winners = []string{t.Winner}
		}
		res, entries, err = e.payWinners(ctx, tx, m, ps, winners, ResolutionDisputeExpiry, now)
		if res != nil {
			res.Tally = &t
		}
		return err
	})
	if err != nil {
		e.recordFailure("dispute-expiry", matchID, err)
		return nil, err
	}
	if !res.Applied {
		return res, nil
	}

	e.ledger.Observe(entries)
	e.committed(res)
	e.notifier.MatchPaidOut(ctx, matchID, userIDs(ps), res.Shares)
	return res, nil
}

// payWinners credits the payout to the winners and the fee to the fee sink,
// flags the winners and completes the match, all in tx.
func (e *Engine) payWinners(ctx context.Context, tx *gorm.DB, m *Match, ps []Participant, winners []string, resolution Resolution, now time.Time) (*Result, []*ledger.Transaction, error) {
	if err := checkPot(m, ps); err != nil {
		return nil, nil, err
	}
	if len(winners) == 0 {
		return nil, nil, apperrors.Invariant(fmt.Sprintf("match %s has no winner to pay", m.ID))
	}

	winner := ""
	if len(winners) == 1 {
		winner = winners[0]
	}
	// With several winners the fee comes off the whole pot first and only the
	// payout is split.
	quote, err := e.calc.ComputePayout(m.TotalPot, tiers(ps), winner)
	if err != nil {
		return nil, nil, err
	}
	shares := []payout.Share{{UserID: winner, Amount: quote.Payout}}
	if winner == "" {
		shares, err = payout.SplitEven(quote.Payout, winners)
		if err != nil {
			return nil, nil, err
		}
	}

	var paid int64
	postings := make([]ledger.Posting, 0, len(shares)+1)
	for _, s := range shares {
		paid += s.Amount
		if s.Amount > 0 {
			postings = append(postings, ledger.CreditPosting(s.UserID, s.Amount, ledger.KindPayout, m.ID, true))
		}
	}
	if quote.Fee > 0 {
		postings = append(postings, ledger.CreditPosting(e.settings.FeeSinkUserID, quote.Fee, ledger.KindFee, m.ID, false))
	}
	if err := payout.Verify(m.TotalPot, paid, quote.Fee); err != nil {
		return nil, nil, err
	}

	entries, err := e.ledger.Post(ctx, tx, postings...)
	if err != nil {
		return nil, nil, err
	}
	if err := e.repo.MarkWinners(ctx, tx, m.ID, winners); err != nil {
		return nil, nil, err
	}
	err = e.casStatus(ctx, tx, m.ID, m.Status, StatusCompleted, map[string]interface{}{
		"completed_at": now,
		"resolution":   resolution,
	})
	if err != nil {
		return nil, nil, err
	}
	return &Result{MatchID: m.ID, From: m.Status, To: StatusCompleted, Applied: true, Quote: &quote, Shares: shares}, entries, nil
}

// SubmitEvidence uploads a disputed match participant's evidence and records
// its reference on the match.
func (e *Engine) SubmitEvidence(ctx context.Context, req EvidenceRequest, body io.Reader) (*Match, error) {
	if e.evidence == nil {
		return nil, apperrors.Validation("evidence uploads are not configured")
	}
	m, err := e.Get(ctx, req.MatchID)
	if err != nil {
		return nil, err
	}
	if err := canSubmitEvidence(m, m.Participants, req.UserID); err != nil {
		return nil, err
	}

	key := evidence.Key(m.ID, req.UserID, req.FileName)
	ref, err := e.evidence.Put(ctx, key, body, req.ContentType)
	if err != nil {
		return nil, apperrors.External(err, "failed to store evidence")
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := e.lock(ctx, tx, req.MatchID)
		if err != nil {
			return err
		}
		ps, err := e.repo.Participants(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		if err := canSubmitEvidence(m, ps, req.UserID); err != nil {
			return err
		}
		return e.repo.AppendEvidence(ctx, tx, m.ID, ref)
	})
	if err != nil {
		logger.Warn("Evidence stored but not attached to match", "match_id", req.MatchID, "reference", ref, "error", err)
		return nil, err
	}

	logger.Info("Dispute evidence submitted", "match_id", req.MatchID, "user_id", req.UserID, "reference", ref)
	return e.Get(ctx, req.MatchID)
}

func canSubmitEvidence(m *Match, ps []Participant, userID string) error {
	if m.Status != StatusDisputed {
		return apperrors.Validation("evidence can only be submitted for disputed matches")
	}
	if _, ok := findParticipant(ps, userID); !ok {
		return apperrors.Validation("only participants can submit evidence")
	}
	return nil
}

// RequestLeave asks the other participants to let the user out of a match
// that has not reached voting. A sole participant leaves immediately and the
// match is cancelled.
func (e *Engine) RequestLeave(ctx context.Context, matchID, userID string) (*Result, error) {
	now := e.now()
	var res *Result
	var ps []Participant
	var entries []*ledger.Transaction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := e.lock(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if err := canLeave(m); err != nil {
			return err
		}
		ps, err = e.repo.Participants(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		p, ok := findParticipant(ps, userID)
		if !ok {
			return apperrors.Validation("user is not a participant")
		}
		if len(ps) == 1 {
			res, entries, err = e.removeParticipant(ctx, tx, m, ps, p, now)
			return err
		}
		res = noop(m)
		if p.LeaveRequested {
			return nil
		}
		return e.repo.UpdateLeave(ctx, tx, p.ID, true, nil)
	})
	if err != nil {
		e.recordFailure("leave", matchID, err)
		return nil, err
	}
	e.afterLeave(ctx, res, entries, ps)
	return res, nil
}

// ApproveLeave records approverID's consent to requesterID leaving. Once every
// other participant has approved, the requester is removed and refunded.
func (e *Engine) ApproveLeave(ctx context.Context, matchID, requesterID, approverID string) (*Result, error) {
	now := e.now()
	var res *Result
	var ps []Participant
	var entries []*ledger.Transaction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := e.lock(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if err := canLeave(m); err != nil {
			return err
		}
		ps, err = e.repo.Participants(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		requester, ok := findParticipant(ps, requesterID)
		if !ok || !requester.LeaveRequested {
			return apperrors.Validation("no pending leave request for this user")
		}
		if _, ok := findParticipant(ps, approverID); !ok || approverID == requesterID {
			return apperrors.Validation("only other participants can approve a leave request")
		}

		if !requester.ApprovedBy(approverID) {
			requester.LeaveApprovedBy = append(requester.LeaveApprovedBy, approverID)
		}
		if !approvedByAll(ps, requester) {
			res = noop(m)
			return e.repo.UpdateLeave(ctx, tx, requester.ID, true, requester.LeaveApprovedBy)
		}
		res, entries, err = e.removeParticipant(ctx, tx, m, ps, requester, now)
		return err
	})
	if err != nil {
		e.recordFailure("leave-approve", matchID, err)
		return nil, err
	}
	e.afterLeave(ctx, res, entries, ps)
	return res, nil
}

// removeParticipant refunds p and drops them from the match. The match is
// cancelled when nobody is left or when an active match falls below two
// participants, in which case the others are refunded as well.
func (e *Engine) removeParticipant(ctx context.Context, tx *gorm.DB, m *Match, ps []Participant, p *Participant, now time.Time) (*Result, []*ledger.Transaction, error) {
	if err := checkPot(m, ps); err != nil {
		return nil, nil, err
	}
	remaining := make([]Participant, 0, len(ps)-1)
	for _, other := range ps {
		if other.ID != p.ID {
			remaining = append(remaining, other)
		}
	}

	refunds := refundPostings(m.ID, []Participant{*p})
	cancel := len(remaining) == 0 || (m.Status == StatusActive && len(remaining) < 2)
	if cancel {
		refunds = append(refunds, refundPostings(m.ID, remaining)...)
	}
	entries, err := e.ledger.Post(ctx, tx, refunds...)
	if err != nil {
		return nil, nil, err
	}
	if err := e.repo.RemoveParticipant(ctx, tx, p.ID); err != nil {
		return nil, nil, err
	}

	if cancel {
		err = e.casStatus(ctx, tx, m.ID, m.Status, StatusCancelled, map[string]interface{}{"completed_at": now})
		return &Result{MatchID: m.ID, From: m.Status, To: StatusCancelled, Applied: true}, entries, err
	}
	err = e.repo.UpdateFields(ctx, tx, m.ID, map[string]interface{}{"total_pot": m.TotalPot - p.StakeAmount})
	return &Result{MatchID: m.ID, From: m.Status, To: m.Status, Applied: true}, entries, err
}

func (e *Engine) afterLeave(ctx context.Context, res *Result, entries []*ledger.Transaction, ps []Participant) {
	if !res.Applied {
		return
	}
	e.ledger.Observe(entries)
	if res.To == StatusCancelled {
		e.committed(res)
		e.notifier.MatchCancelled(ctx, res.MatchID, userIDs(ps))
	}
}

func canLeave(m *Match) error {
	if m.Status != StatusPending && m.Status != StatusActive {
		return apperrors.Validation(fmt.Sprintf("cannot leave a %s match", m.Status))
	}
	return nil
}

func approvedByAll(ps []Participant, requester *Participant) bool {
	for _, p := range ps {
		if p.UserID != requester.UserID && !requester.ApprovedBy(p.UserID) {
			return false
		}
	}
	return true
}

// SendVoteReminder reminds participants who have not voted that the deadline
// is near. Each match gets at most one reminder.
func (e *Engine) SendVoteReminder(ctx context.Context, matchID string, now time.Time) (*Result, error) {
	var res *Result
	var pending []string
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := e.lock(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if err := expectStatus(m, StatusVoting); err != nil {
			return err
		}
		if m.VotingDeadline == nil || !now.Before(*m.VotingDeadline) || m.VotingDeadline.Sub(now) > e.settings.ReminderWindow {
			res = noop(m)
			return nil
		}
		claimed, err := e.repo.ClaimReminder(ctx, tx, m.ID, now)
		if err != nil {
			return err
		}
		if !claimed {
			return apperrors.Conflict("vote reminder already sent")
		}
		ps, err := e.repo.Participants(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		for _, p := range ps {
			if !p.HasVoted() {
				pending = append(pending, p.UserID)
			}
		}
		res = &Result{MatchID: m.ID, From: StatusVoting, To: StatusVoting, Applied: true}
		return nil
	})
	if err != nil {
		e.recordFailure("reminder", matchID, err)
		return nil, err
	}
	if res.Applied && len(pending) > 0 {
		e.notifier.VoteReminder(ctx, matchID, pending)
	}
	return res, nil
}

func (e *Engine) Get(ctx context.Context, matchID string) (*Match, error) {
	m, err := e.repo.Get(ctx, matchID)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return m, nil
}

func (e *Engine) ListForUser(ctx context.Context, userID string, status Status) ([]Match, error) {
	if status != "" && !status.Valid() {
		return nil, apperrors.Validation(fmt.Sprintf("unknown status %q", status))
	}
	return e.repo.ListForUser(ctx, userID, status)
}

func (e *Engine) lock(ctx context.Context, tx *gorm.DB, matchID string) (*Match, error) {
	m, err := e.repo.Lock(ctx, tx, matchID)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return m, nil
}

func (e *Engine) lockShared(ctx context.Context, tx *gorm.DB, matchID string) (*Match, error) {
	m, err := e.repo.LockShared(ctx, tx, matchID)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return m, nil
}

func (e *Engine) casStatus(ctx context.Context, tx *gorm.DB, matchID string, from, to Status, fields map[string]interface{}) error {
	return mapRepoError(e.repo.CompareAndSetStatus(ctx, tx, matchID, from, to, fields))
}

func (e *Engine) committed(res *Result) {
	e.metrics.Transition(string(res.From), string(res.To))
	logger.Info("Match transition committed", "match_id", res.MatchID, "from", res.From, "to", res.To)
}

func (e *Engine) recordFailure(op, matchID string, err error) {
	switch {
	case apperrors.IsConflict(err):
		e.metrics.Conflict(op)
		logger.Debug("Match transition already applied", "operation", op, "match_id", matchID, "error", err)
	case apperrors.IsInvariant(err):
		e.metrics.Invariant("match")
		e.metrics.Failure(op, apperrors.ErrCodeInvariantViolation)
		logger.Error("Invariant violation, transition aborted", "operation", op, "match_id", matchID, "error", err, "escalate", true)
	case apperrors.IsValidation(err), apperrors.IsNotFound(err):
		logger.Debug("Match operation rejected", "operation", op, "match_id", matchID, "error", err)
	default:
		e.metrics.Failure(op, apperrors.CodeOf(err))
		logger.Error("Match operation failed", "operation", op, "match_id", matchID, "error", err)
	}
}

func expectStatus(m *Match, want Status) error {
	if m.Status != want {
		return apperrors.Conflict(fmt.Sprintf("match %s is %s, expected %s", m.ID, m.Status, want))
	}
	return nil
}

// checkPot verifies the escrow invariant: the pot holds exactly one stake per
// participant until it is paid out.
func checkPot(m *Match, ps []Participant) error {
	if m.TotalPot != m.StakeAmount*int64(len(ps)) {
		return apperrors.Invariant(fmt.Sprintf("match %s pot %d != stake %d x %d participants",
			m.ID, m.TotalPot, m.StakeAmount, len(ps)))
	}
	return nil
}

func refundPostings(matchID string, ps []Participant) []ledger.Posting {
	out := make([]ledger.Posting, 0, len(ps))
	for _, p := range ps {
		posting := ledger.CreditPosting(p.UserID, p.StakeAmount, ledger.KindRefund, matchID, false)
		posting.WithdrawableAmount = p.StakeWithdrawable
		out = append(out, posting)
	}
	return out
}

// tierOf looks up the user's subscription tier. It runs before the staking
// transaction opens.
func (e *Engine) tierOf(ctx context.Context, userID string) (payout.Tier, error) {
	tier, err := e.subscriptions.Tier(ctx, userID)
	if err != nil {
		return "", apperrors.External(err, "subscription lookup failed")
	}
	if tier == "" {
		return payout.TierFree, nil
	}
	if !tier.Valid() {
		return "", apperrors.External(fmt.Errorf("unknown tier %q for user %s", tier, userID), "subscription lookup failed")
	}
	return tier, nil
}

func mapRepoError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMatchNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "match not found")
	case errors.Is(err, ErrStatusChanged):
		return apperrors.Wrap(err, apperrors.ErrCodeConcurrencyConflict, "match status changed concurrently")
	case errors.Is(err, ErrParticipantNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "participant not found")
	}
	return err
}
