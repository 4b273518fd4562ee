package stream

import (
	"sync"

	"quoteflow/logger"
)

// Hub owns the set of live topics, one per broadcast key. Topics are
// created lazily on first use and torn down together at shutdown.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*Topic
	buffer int
	closed bool
	log    *logger.Log
}

// NewHub creates a hub whose topics use the given subscriber buffer size.
func NewHub(buffer int) *Hub {
	return &Hub{
		topics: make(map[string]*Topic),
		buffer: buffer,
		log:    logger.GetLogger(),
	}
}

// Topic returns the live topic for key, creating it if needed. A closed
// hub returns nil.
func (h *Hub) Topic(key string) *Topic {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	t, ok := h.topics[key]
	if !ok {
		t = NewTopic(key, h.buffer)
		h.topics[key] = t
	}
	return t
}

// Remove closes and forgets the topic for key, if any.
func (h *Hub) Remove(key string) {
	h.mu.Lock()
	t, ok := h.topics[key]
	if ok {
		delete(h.topics, key)
	}
	h.mu.Unlock()

	if ok {
		t.Close()
	}
}

// Close tears down every topic. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	topics := make([]*Topic, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}
	h.topics = make(map[string]*Topic)
	h.mu.Unlock()

	for _, t := range topics {
		t.Close()
	}
	h.log.WithComponent("stream").Info("all topics closed")
}

// Len reports the number of live topics.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}
