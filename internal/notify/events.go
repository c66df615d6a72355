// Package notify delivers match lifecycle events to participants. Delivery is
// best effort: a failed publish is logged and counted, never returned to the
// settlement that produced it.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"wager_service/internal/metrics"
	"wager_service/internal/payout"
	"wager_service/pkg/logger"
)

type EventType string

const (
	EventMatchStarted   EventType = "match.started"
	EventVoteReminder   EventType = "match.vote_reminder"
	EventMatchDisputed  EventType = "match.disputed"
	EventMatchPaidOut   EventType = "match.paid_out"
	EventMatchCancelled EventType = "match.cancelled"
)

type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	MatchID    string         `json:"match_id"`
	Recipients []string       `json:"recipients"`
	WinnerID   string         `json:"winner_id,omitempty"`
	Amount     int64          `json:"amount,omitempty"`
	Shares     []payout.Share `json:"shares,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type Dispatcher struct {
	pub     Publisher
	metrics *metrics.Metrics
}

func NewDispatcher(pub Publisher, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{pub: pub, metrics: m}
}

func (d *Dispatcher) MatchStarted(ctx context.Context, matchID string, recipients []string) {
	d.send(ctx, Event{Type: EventMatchStarted, MatchID: matchID, Recipients: recipients})
}

func (d *Dispatcher) VoteReminder(ctx context.Context, matchID string, recipients []string) {
	d.send(ctx, Event{Type: EventVoteReminder, MatchID: matchID, Recipients: recipients})
}

func (d *Dispatcher) MatchDisputed(ctx context.Context, matchID string, recipients []string) {
	d.send(ctx, Event{Type: EventMatchDisputed, MatchID: matchID, Recipients: recipients})
}

// MatchPaidOut announces the winners. A single share carries the winner and
// amount at the top level as well.
func (d *Dispatcher) MatchPaidOut(ctx context.Context, matchID string, recipients []string, shares []payout.Share) {
	evt := Event{Type: EventMatchPaidOut, MatchID: matchID, Recipients: recipients, Shares: shares}
	for _, s := range shares {
		evt.Amount += s.Amount
	}
	if len(shares) == 1 {
		evt.WinnerID = shares[0].UserID
	}
	d.send(ctx, evt)
}

func (d *Dispatcher) MatchCancelled(ctx context.Context, matchID string, recipients []string) {
	d.send(ctx, Event{Type: EventMatchCancelled, MatchID: matchID, Recipients: recipients})
}

func (d *Dispatcher) send(ctx context.Context, evt Event) {
	if d == nil || d.pub == nil {
		return
	}
	evt.ID = uuid.NewString()
	evt.OccurredAt = time.Now().UTC()
	if err := d.pub.Publish(ctx, evt); err != nil {
		d.metrics.NotificationFailed(string(evt.Type))
		logger.Warn("Failed to publish event", "type", evt.Type, "match_id", evt.MatchID, "error", err)
	}
}
