package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"wager_service/pkg/logger"
)

const (
	StreamName    = "WAGER_EVENTS"
	SubjectPrefix = "wager.events"

	SignatureHeader = "Wager-Signature"
)

// JetStreamPublisher publishes events to wager.events.{event_type}. The event
// id doubles as the JetStream message id so retried publishes are deduplicated.
type JetStreamPublisher struct {
	js     jetstream.JetStream
	signer *Signer
}

// NewJetStreamPublisher returns a publisher. signer may be nil.
func NewJetStreamPublisher(js jetstream.JetStream, signer *Signer) *JetStreamPublisher {
	return &JetStreamPublisher{js: js, signer: signer}
}

func (p *JetStreamPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &nats.Msg{
		Subject: Subject(evt.Type),
		Data:    data,
		Header:  nats.Header{},
	}
	if p.signer != nil {
		sig, err := p.signer.Sign(data)
		if err != nil {
			return err
		}
		msg.Header.Set(SignatureHeader, sig)
	}

	_, err = p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(evt.ID))
	return err
}

func Subject(t EventType) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, t)
}

// EnsureStream creates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create event stream: %w", err)
	}
	logger.Info("Ensured event stream", "stream", StreamName)
	return nil
}
