package notify

import (
	"context"
	"errors"

	"wager_service/pkg/logger"
)

// Multi publishes every event to each of its publishers, even when an earlier
// one fails.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to the application log. Used when no broker is
// configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, evt Event) error {
	logger.Info("Match event", "id", evt.ID, "type", evt.Type, "match_id", evt.MatchID,
		"recipients", evt.Recipients, "amount", evt.Amount)
	return nil
}
