package notifications

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPubSubSenderPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-notifications")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	sender, err := NewPubSubSender(topic)
	if err != nil {
		t.Fatalf("NewPubSubSender: %v", err)
	}

	msg := Message{
		Template:     "order_confirmed",
		Channel:      "push",
		OrderNr:      "MM-1001",
		CustomerCode: "cust-1",
		Data:         map[string]any{"total": "120.50"},
	}
	if err := sender.Send(ctx, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload Message
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderNr != msg.OrderNr || payload.Template != msg.Template {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["idempotencyKey"]; attr != msg.IdempotencyKey() {
		t.Fatalf("expected idempotency key attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["orderNr"]; attr != "MM-1001" {
		t.Fatalf("expected orderNr attribute, got %q", attr)
	}
}

func TestNewPubSubSenderRequiresTopic(t *testing.T) {
	if _, err := NewPubSubSender(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
