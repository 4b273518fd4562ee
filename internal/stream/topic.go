// Package stream provides the in-process broadcast fabric: named topics
// that fan quote payloads out to subscriber channels. Publishing never
// blocks; a subscriber that cannot keep up loses messages and the drop is
// counted.
package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"quoteflow/logger"
)

// ErrTopicClosed is returned by Publish and Subscribe after Close.
var ErrTopicClosed = errors.New("topic closed")

// Message is one broadcast payload.
type Message struct {
	Topic      string      `json:"topic"`
	Provider   string      `json:"provider"`
	Capability string      `json:"capability"`
	Payload    interface{} `json:"payload"`
	Timestamp  time.Time   `json:"timestamp"`
}

// TopicStats counts traffic through one topic since creation.
type TopicStats struct {
	MessagesSent    int64
	MessagesDropped int64
	Subscribers     int
}

// Topic fans messages out to its subscribers. Close is idempotent and
// terminates every subscriber channel exactly once.
type Topic struct {
	name   string
	buffer int

	mu        sync.RWMutex
	subs      map[string]chan Message
	stats     TopicStats
	closed    bool
	closeOnce sync.Once

	log *logger.Log
}

// NewTopic creates a topic whose subscriber channels hold up to buffer
// messages each.
func NewTopic(name string, buffer int) *Topic {
	if buffer <= 0 {
		buffer = 1
	}
	return &Topic{
		name:   name,
		buffer: buffer,
		subs:   make(map[string]chan Message),
		log:    logger.GetLogger(),
	}
}

// Name returns the topic's key.
func (t *Topic) Name() string {
	return t.name
}

// Subscribe registers a new consumer and returns its id and receive
// channel. The channel is closed when the consumer unsubscribes or the
// topic closes.
func (t *Topic) Subscribe() (string, <-chan Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", nil, ErrTopicClosed
	}

	id := uuid.New().String()
	ch := make(chan Message, t.buffer)
	t.subs[id] = ch
	t.stats.Subscribers = len(t.subs)
	return id, ch, nil
}

// Unsubscribe removes a consumer and closes its channel. Unknown ids are
// ignored.
func (t *Topic) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.subs[id]
	if !ok {
		return
	}
	delete(t.subs, id)
	close(ch)
	t.stats.Subscribers = len(t.subs)
}

// Publish delivers msg to every subscriber without blocking. It returns
// the number of subscribers that received the message; slow subscribers
// are skipped and counted as drops.
func (t *Topic) Publish(msg Message) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrTopicClosed
	}

	if msg.Topic == "" {
		msg.Topic = t.name
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	delivered := 0
	for _, ch := range t.subs {
		select {
		case ch <- msg:
			delivered++
			t.stats.MessagesSent++
		default:
			t.stats.MessagesDropped++
		}
	}
	return delivered, nil
}

// Close terminates the topic. All subscriber channels are closed exactly
// once; later Publish and Subscribe calls fail with ErrTopicClosed.
func (t *Topic) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		t.stats.Subscribers = 0

		t.log.WithComponent("stream").WithFields(logger.Fields{
			"topic":            t.name,
			"messages_sent":    t.stats.MessagesSent,
			"messages_dropped": t.stats.MessagesDropped,
		}).Info("topic closed")
	})
}

// Stats returns a snapshot of the topic counters.
func (t *Topic) Stats() TopicStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}
