package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/radio-control/beaconnode/internal/messaging"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	broker := NewBroker()
	node := broker.Connect("node")
	operator := broker.Connect("operator")
	ctx := context.Background()

	var got []messaging.Message
	if err := node.Subscribe(ctx, "cc", messaging.ExactlyOnce, func(_ context.Context, msg messaging.Message) {
		got = append(got, msg)
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := operator.Publish(ctx, "cc", messaging.ExactlyOnce, []byte("1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := operator.Publish(ctx, "cc/other", messaging.ExactlyOnce, []byte("2")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(got) != 1 || got[0].Topic != "cc" || string(got[0].Payload) != "1" {
		t.Errorf("delivered %+v", got)
	}
	if n := len(broker.Messages()); n != 2 {
		t.Errorf("broker logged %d messages, want 2", n)
	}
	if msgs := broker.MessagesOn("cc/other"); len(msgs) != 1 || msgs[0].ClientID != "operator" {
		t.Errorf("MessagesOn = %+v", msgs)
	}
}

func TestHandlerMayPublish(t *testing.T) {
	broker := NewBroker()
	node := broker.Connect("node")
	ctx := context.Background()

	calls := 0
	handler := func(ctx context.Context, msg messaging.Message) {
		calls++
		if string(msg.Payload) == "1" {
			_ = node.Publish(ctx, "cc/me", messaging.ExactlyOnce, []byte("4"))
		}
	}
	if err := node.Subscribe(ctx, "cc/me", messaging.ExactlyOnce, handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := node.Publish(ctx, "cc/me", messaging.ExactlyOnce, []byte("1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2 (command and echoed ack)", calls)
	}
}

func TestFailPublishes(t *testing.T) {
	broker := NewBroker()
	conn := broker.Connect("node")
	boom := errors.New("broker unreachable")
	conn.FailPublishes(boom)

	if err := conn.Publish(context.Background(), "cc", messaging.ExactlyOnce, nil); !errors.Is(err, boom) {
		t.Errorf("Publish error = %v, want %v", err, boom)
	}
	if len(broker.Messages()) != 0 {
		t.Error("failed publish must not be logged")
	}

	conn.FailPublishes(nil)
	if err := conn.Publish(context.Background(), "cc", messaging.ExactlyOnce, nil); err != nil {
		t.Errorf("Publish after restore = %v", err)
	}
}

func TestCloseDropsSubscriptions(t *testing.T) {
	broker := NewBroker()
	conn := broker.Connect("node")
	ctx := context.Background()

	_ = conn.Subscribe(ctx, "cc", messaging.ExactlyOnce, func(context.Context, messaging.Message) {})
	if broker.Subscribers("cc") != 1 {
		t.Fatalf("Subscribers = %d, want 1", broker.Subscribers("cc"))
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if broker.Subscribers("cc") != 0 {
		t.Errorf("Subscribers after close = %d", broker.Subscribers("cc"))
	}
	if err := conn.Publish(ctx, "cc", messaging.ExactlyOnce, nil); !errors.Is(err, messaging.ErrClosed) {
		t.Errorf("Publish after close = %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	conn := NewBroker().Connect("node")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := conn.Publish(ctx, "cc", messaging.ExactlyOnce, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Publish = %v, want context.Canceled", err)
	}
}
