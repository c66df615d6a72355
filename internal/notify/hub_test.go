package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wager_service/internal/metrics"
	"wager_service/internal/payout"
)

func TestHubDeliversToRecipientsOnly(t *testing.T) {
	hub := NewHub()
	alice, unsubAlice := hub.Subscribe("alice")
	defer unsubAlice()
	bob, unsubBob := hub.Subscribe("bob")
	defer unsubBob()

	require.NoError(t, hub.Publish(context.Background(), Event{Type: EventMatchStarted, MatchID: "m1", Recipients: []string{"alice"}}))

	select {
	case evt := <-alice:
		assert.Equal(t, "m1", evt.MatchID)
	case <-time.After(time.Second):
		t.Fatal("alice did not receive the event")
	}
	select {
	case evt := <-bob:
		t.Fatalf("bob received %v", evt)
	default:
	}
}

func TestHubDoesNotBlockOnFullSubscriber(t *testing.T) {
	hub := NewHub()
	_, unsub := hub.Subscribe("alice")
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			_ = hub.Publish(context.Background(), Event{Recipients: []string{"alice"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	ch, unsub := hub.Subscribe("alice")
	unsub()
	unsub()

	_, open := <-ch
	assert.False(t, open)
	assert.NoError(t, hub.Publish(context.Background(), Event{Recipients: []string{"alice"}}))
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Event) error {
	return errors.New("broker down")
}

type recordingPublisher struct {
	events []Event
}

func (r *recordingPublisher) Publish(_ context.Context, evt Event) error {
	r.events = append(r.events, evt)
	return nil
}

func TestDispatcherSwallowsPublishErrors(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	rec := &recordingPublisher{}
	d := NewDispatcher(Multi{failingPublisher{}, rec}, m)

	d.MatchCancelled(context.Background(), "m1", []string{"alice"})

	require.Len(t, rec.events, 1)
	assert.Equal(t, EventMatchCancelled, rec.events[0].Type)
	assert.NotEmpty(t, rec.events[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationFailures.WithLabelValues(string(EventMatchCancelled))))
}

func TestDispatcherPaidOut(t *testing.T) {
	rec := &recordingPublisher{}
	d := NewDispatcher(rec, nil)

	d.MatchPaidOut(context.Background(), "m1", []string{"a", "b"}, []payout.Share{{UserID: "a", Amount: 294}})
	d.MatchPaidOut(context.Background(), "m2", []string{"a", "b"}, []payout.Share{{UserID: "a", Amount: 99}, {UserID: "b", Amount: 98}})

	require.Len(t, rec.events, 2)
	assert.Equal(t, "a", rec.events[0].WinnerID)
	assert.Equal(t, int64(294), rec.events[0].Amount)
	assert.Empty(t, rec.events[1].WinnerID)
	assert.Equal(t, int64(197), rec.events[1].Amount)
}

func TestNilDispatcherIsNoop(t *testing.T) {
	var d *Dispatcher
	assert.NotPanics(t, func() {
		d.MatchStarted(context.Background(), "m1", nil)
	})
}
