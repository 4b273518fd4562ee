package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryItem struct {
	data      []byte
	expiresAt time.Time
}

func (m memoryItem) expired(now time.Time) bool {
	return !m.expiresAt.IsZero() && now.After(m.expiresAt)
}

// MemoryWarmStore is a process-local WarmStore used in tests and when no
// Redis address is configured. Expiry is lazy.
type MemoryWarmStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
}

// NewMemoryWarmStore creates an empty in-memory warm tier.
func NewMemoryWarmStore() *MemoryWarmStore {
	return &MemoryWarmStore{items: make(map[string]memoryItem)}
}

func (m *MemoryWarmStore) get(key string) (memoryItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if item.expired(time.Now()) {
		delete(m.items, key)
		return memoryItem{}, false
	}
	return item, true
}

func (m *MemoryWarmStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(item.data))
	copy(out, item.data)
	return out, nil
}

func (m *MemoryWarmStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = newItem(value, ttl)
	return nil
}

func (m *MemoryWarmStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.get(key); ok {
		return false, nil
	}
	m.items[key] = newItem(value, ttl)
	return true, nil
}

func (m *MemoryWarmStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryWarmStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.get(key)
	return ok, nil
}

func (m *MemoryWarmStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.get(key)
	if !ok || item.expiresAt.IsZero() {
		return 0, nil
	}
	remaining := time.Until(item.expiresAt)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (m *MemoryWarmStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.get(key)
	if !ok {
		return false, nil
	}
	item.expiresAt = time.Now().Add(ttl)
	m.items[key] = item
	return true, nil
}

func (m *MemoryWarmStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	return m.addDelta(key, delta)
}

func (m *MemoryWarmStore) DecrBy(_ context.Context, key string, delta int64) (int64, error) {
	return m.addDelta(key, -delta)
}

func (m *MemoryWarmStore) addDelta(key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if item, ok := m.get(key); ok {
		parsed, err := strconv.ParseInt(string(item.data), 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current += delta
	existing := m.items[key]
	existing.data = []byte(strconv.FormatInt(current, 10))
	m.items[key] = existing
	return current, nil
}

func (m *MemoryWarmStore) MGet(_ context.Context, keys []string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, key := range keys {
		if item, ok := m.get(key); ok {
			data := make([]byte, len(item.data))
			copy(data, item.data)
			out[i] = data
		}
	}
	return out, nil
}

func (m *MemoryWarmStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]memoryItem)
	return nil
}

func newItem(value []byte, ttl time.Duration) memoryItem {
	data := make([]byte, len(value))
	copy(data, value)
	item := memoryItem{data: data}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}
	return item
}
