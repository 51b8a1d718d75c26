package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/minutemart/order-api/internal/platform/textutil"
)

// PubSubSender publishes messages to a Pub/Sub topic instead of calling the
// notification service directly. The topic consumer is responsible for
// rendering and delivery; the idempotency key rides along as an attribute so
// consumers can deduplicate redeliveries.
type PubSubSender struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ Sender = (*PubSubSender)(nil)

// NewPubSubSender constructs a Pub/Sub backed sender.
func NewPubSubSender(topic *pubsub.Topic) (*PubSubSender, error) {
	if topic == nil {
		return nil, errors.New("notifications: pubsub topic is required")
	}
	return &PubSubSender{topic: topic, marshal: json.Marshal}, nil
}

// Send publishes the message and waits for the broker acknowledgement.
func (s *PubSubSender) Send(ctx context.Context, msg Message) error {
	if s == nil || s.topic == nil {
		return errors.New("notifications: pubsub sender not initialised")
	}

	data, err := s.marshal(msg)
	if err != nil {
		return fmt.Errorf("notifications: publish: %w", err)
	}

	attrs := textutil.NormalizeStringMap(map[string]string{
		"template":       msg.Template,
		"channel":        msg.Channel,
		"orderNr":        msg.OrderNr,
		"idempotencyKey": msg.IdempotencyKey(),
	})

	result := s.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("notifications: publish %s: %w", msg.OrderNr, err)
	}
	return nil
}
