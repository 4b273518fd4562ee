package stream

import (
	"testing"
	"time"
)

func TestTopicPublishReachesSubscribers(t *testing.T) {
	topic := NewTopic("acct1:futu:stream-quote", 4)
	defer topic.Close()

	_, ch1, err := topic.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, ch2, err := topic.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	delivered, err := topic.Publish(Message{Payload: "700.HK"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("expected delivery to 2 subscribers, got %d", delivered)
	}

	for _, ch := range []<-chan Message{ch1, ch2} {
		select {
		case msg := <-ch:
			if msg.Payload != "700.HK" {
				t.Fatalf("unexpected payload: %v", msg.Payload)
			}
			if msg.Topic != "acct1:futu:stream-quote" {
				t.Fatalf("topic not stamped: %s", msg.Topic)
			}
			if msg.Timestamp.IsZero() {
				t.Fatal("timestamp not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}
}

// A full subscriber buffer must not block the publisher; the message is
// dropped for that subscriber and counted.
func TestTopicSlowSubscriberDrops(t *testing.T) {
	topic := NewTopic("drops", 1)
	defer topic.Close()

	if _, _, err := topic.Subscribe(); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := topic.Publish(Message{Payload: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	delivered, err := topic.Publish(Message{Payload: 2})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("expected drop for full subscriber, delivered %d", delivered)
	}

	stats := topic.Stats()
	if stats.MessagesSent != 1 || stats.MessagesDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestTopicCloseIdempotent(t *testing.T) {
	topic := NewTopic("closing", 2)
	_, ch, err := topic.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	topic.Close()
	topic.Close()
	topic.Close()

	if _, open := <-ch; open {
		t.Fatal("subscriber channel should be closed")
	}
	if _, err := topic.Publish(Message{}); err != ErrTopicClosed {
		t.Fatalf("expected ErrTopicClosed, got %v", err)
	}
	if _, _, err := topic.Subscribe(); err != ErrTopicClosed {
		t.Fatalf("expected ErrTopicClosed on subscribe, got %v", err)
	}
}

func TestTopicUnsubscribe(t *testing.T) {
	topic := NewTopic("unsub", 2)
	defer topic.Close()

	id, ch, err := topic.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	topic.Unsubscribe(id)
	topic.Unsubscribe(id) // unknown id ignored

	if _, open := <-ch; open {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if delivered, _ := topic.Publish(Message{Payload: "x"}); delivered != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", delivered)
	}
}

func TestHubLazyTopics(t *testing.T) {
	hub := NewHub(4)
	defer hub.Close()

	a := hub.Topic("acct1:futu:stream-quote")
	b := hub.Topic("acct1:futu:stream-quote")
	if a != b {
		t.Fatal("same key must return the same topic")
	}
	if hub.Len() != 1 {
		t.Fatalf("expected one topic, got %d", hub.Len())
	}

	hub.Topic("acct2:ibkr:stream-crypto")
	if hub.Len() != 2 {
		t.Fatalf("expected two topics, got %d", hub.Len())
	}
}

func TestHubCloseTerminatesTopics(t *testing.T) {
	hub := NewHub(4)
	topic := hub.Topic("k")
	_, ch, err := topic.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	hub.Close()
	hub.Close()

	if _, open := <-ch; open {
		t.Fatal("hub close must close subscriber channels")
	}
	if hub.Topic("k") != nil {
		t.Fatal("closed hub must not hand out topics")
	}
}

func TestHubRemove(t *testing.T) {
	hub := NewHub(4)
	defer hub.Close()

	topic := hub.Topic("gone")
	_, ch, err := topic.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	hub.Remove("gone")

	if _, open := <-ch; open {
		t.Fatal("removed topic must close subscriber channels")
	}
	if hub.Len() != 0 {
		t.Fatalf("expected empty hub, got %d", hub.Len())
	}
}
