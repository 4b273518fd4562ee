// Package cache is the tiered stream cache: a bounded in-process hot tier
// in front of a warm Redis tier. Writes land warm-then-hot so the durable
// tier is never behind the local one; reads go hot-then-warm and
// repopulate the hot tier on a warm hit.
//
// Hot-tier policy: entries are evicted by LRU when the tier is at
// capacity, and expired lazily when a read finds their deadline passed.
// No background sweeper runs against the hot tier.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"quoteflow/config"
	"quoteflow/logger"
	"quoteflow/models"
)

type hotEntry struct {
	data      []byte
	expiresAt time.Time
}

func (e hotEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Stats counts tier traffic since creation or the last ResetStats.
type Stats struct {
	HotHits   int64 `json:"hot_hits"`
	WarmHits  int64 `json:"warm_hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Deletes   int64 `json:"deletes"`
	Evictions int64 `json:"evictions"`
}

// Store is the tiered cache. Safe for concurrent use.
type Store struct {
	cfg  config.CacheConfig
	warm WarmStore
	hot  *lru.Cache[string, hotEntry]

	statsMu sync.Mutex
	stats   Stats

	log *logger.Log
}

// NewStore builds a tiered store over the given warm tier.
func NewStore(cfg config.CacheConfig, warm WarmStore) (*Store, error) {
	if warm == nil {
		return nil, fmt.Errorf("cache: warm store is required")
	}
	size := cfg.HotSize
	if size <= 0 {
		size = 1000
	}

	s := &Store{cfg: cfg, warm: warm, log: logger.GetLogger()}
	hot, err := lru.New[string, hotEntry](size)
	if err != nil {
		return nil, fmt.Errorf("cache: hot tier: %w", err)
	}
	s.hot = hot

	s.log.WithComponent("cache").WithFields(logger.Fields{
		"hot_size":              size,
		"hot_ttl":               cfg.HotTTL.String(),
		"compression_threshold": cfg.CompressionThreshold,
		"key_prefix":            cfg.KeyPrefix,
	}).Info("tiered cache initialized")
	return s, nil
}

// StorageKey is the fully qualified key used in the warm tier.
func (s *Store) StorageKey(key string) string {
	if s.cfg.KeyPrefix == "" {
		return key
	}
	return s.cfg.KeyPrefix + ":" + key
}

// Set writes value to the warm tier first, then the hot tier. A ttl of
// zero stores without expiry.
func (s *Store) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := encodeValue(value, s.cfg.CompressionThreshold)
	if err != nil {
		return err
	}

	sk := s.StorageKey(key)
	if err := s.warm.Set(ctx, sk, data, ttl); err != nil {
		return fmt.Errorf("cache: warm set %s: %w", key, err)
	}
	s.populateHot(sk, data, ttl)

	s.statsMu.Lock()
	s.stats.Sets++
	s.statsMu.Unlock()
	logger.IncrementCacheWrite(len(data))
	return nil
}

// Get reads key into dest. Hot tier first; a warm hit repopulates the hot
// tier. Returns ErrNotFound for absent or expired keys.
func (s *Store) Get(ctx context.Context, key string, dest interface{}) error {
	sk := s.StorageKey(key)
	now := time.Now()

	if entry, ok := s.hot.Get(sk); ok {
		if entry.expired(now) {
			s.hot.Remove(sk)
		} else {
			s.statsMu.Lock()
			s.stats.HotHits++
			s.statsMu.Unlock()
			return decodeValue(entry.data, dest)
		}
	}

	data, err := s.warm.Get(ctx, sk)
	if err == ErrNotFound {
		s.statsMu.Lock()
		s.stats.Misses++
		s.statsMu.Unlock()
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("cache: warm get %s: %w", key, err)
	}

	remaining, ttlErr := s.warm.TTL(ctx, sk)
	if ttlErr != nil {
		remaining = 0
	}
	s.populateHot(sk, data, remaining)

	s.statsMu.Lock()
	s.stats.WarmHits++
	s.statsMu.Unlock()
	return decodeValue(data, dest)
}

// populateHot stores data in the hot tier with a deadline of hot_ttl,
// capped by the warm entry's remaining ttl so the hot tier never outlives
// the warm one.
func (s *Store) populateHot(sk string, data []byte, warmTTL time.Duration) {
	ttl := s.cfg.HotTTL
	if warmTTL > 0 && (ttl <= 0 || warmTTL < ttl) {
		ttl = warmTTL
	}
	var deadline time.Time
	if ttl > 0 {
		deadline = time.Now().Add(ttl)
	}
	// Add reports capacity-driven eviction of the oldest entry;
	// deliberate removals and purges stay out of the eviction counter.
	if evicted := s.hot.Add(sk, hotEntry{data: data, expiresAt: deadline}); evicted {
		s.statsMu.Lock()
		s.stats.Evictions++
		s.statsMu.Unlock()
	}
}

// Locate reports which tier currently holds key without touching the
// recency order or the hit counters.
func (s *Store) Locate(ctx context.Context, key string) (models.CacheTier, error) {
	sk := s.StorageKey(key)
	if entry, ok := s.hot.Peek(sk); ok && !entry.expired(time.Now()) {
		return models.TierHot, nil
	}
	ok, err := s.warm.Exists(ctx, sk)
	if err != nil {
		return models.TierNone, err
	}
	if ok {
		return models.TierWarm, nil
	}
	return models.TierNone, nil
}

// Delete removes key from both tiers. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	sk := s.StorageKey(key)
	s.hot.Remove(sk)
	if err := s.warm.Delete(ctx, sk); err != nil {
		return fmt.Errorf("cache: warm delete %s: %w", key, err)
	}
	s.statsMu.Lock()
	s.stats.Deletes++
	s.statsMu.Unlock()
	return nil
}

// Exists reports whether key is present in either tier.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	sk := s.StorageKey(key)
	if entry, ok := s.hot.Get(sk); ok && !entry.expired(time.Now()) {
		return true, nil
	}
	return s.warm.Exists(ctx, sk)
}

// TTL reports the remaining lifetime of key in the warm tier. Zero means
// missing or no expiry.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.warm.TTL(ctx, s.StorageKey(key))
}

// Expire resets the warm-tier lifetime of key and drops the hot copy so
// the next read picks up the new deadline.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	sk := s.StorageKey(key)
	s.hot.Remove(sk)
	return s.warm.Expire(ctx, sk, ttl)
}

// Increment adds delta to the warm-tier counter at key. Counters bypass
// the hot tier; any cached copy is dropped.
func (s *Store) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	sk := s.StorageKey(key)
	s.hot.Remove(sk)
	return s.warm.IncrBy(ctx, sk, delta)
}

// Decrement subtracts delta from the warm-tier counter at key.
func (s *Store) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	sk := s.StorageKey(key)
	s.hot.Remove(sk)
	return s.warm.DecrBy(ctx, sk, delta)
}

// SetIfNotExists writes value only when key is absent from the warm tier.
// Reports whether the write happened.
func (s *Store) SetIfNotExists(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := encodeValue(value, s.cfg.CompressionThreshold)
	if err != nil {
		return false, err
	}
	sk := s.StorageKey(key)
	set, err := s.warm.SetNX(ctx, sk, data, ttl)
	if err != nil {
		return false, fmt.Errorf("cache: warm setnx %s: %w", key, err)
	}
	if set {
		s.populateHot(sk, data, ttl)
		s.statsMu.Lock()
		s.stats.Sets++
		s.statsMu.Unlock()
		logger.IncrementCacheWrite(len(data))
	}
	return set, nil
}

// GetOrSet reads key; on a miss it runs loader, stores the result with ttl
// and decodes the freshly stored bytes into dest.
func (s *Store) GetOrSet(ctx context.Context, key string, dest interface{}, ttl time.Duration, loader func(ctx context.Context) (interface{}, error)) error {
	err := s.Get(ctx, key, dest)
	if err == nil {
		return nil
	}
	if err != ErrNotFound {
		return err
	}

	value, err := loader(ctx)
	if err != nil {
		return err
	}
	if err := s.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return s.Get(ctx, key, dest)
}

// MGet reads many keys in one warm round trip. The result is positional:
// misses decode to nil RawMessages in out, which must be a slice of
// json.RawMessage-compatible destinations supplied by decodeInto.
func (s *Store) MGet(ctx context.Context, keys []string, decodeInto func(i int, data []byte) error) error {
	if len(keys) == 0 {
		return nil
	}

	sks := make([]string, len(keys))
	pending := make([]int, 0, len(keys))
	now := time.Now()
	for i, key := range keys {
		sks[i] = s.StorageKey(key)
		if entry, ok := s.hot.Get(sks[i]); ok && !entry.expired(now) {
			s.statsMu.Lock()
			s.stats.HotHits++
			s.statsMu.Unlock()
			if err := decodeInto(i, entry.data); err != nil {
				return err
			}
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return nil
	}

	warmKeys := make([]string, len(pending))
	for j, i := range pending {
		warmKeys[j] = sks[i]
	}
	vals, err := s.warm.MGet(ctx, warmKeys)
	if err != nil {
		return fmt.Errorf("cache: warm mget: %w", err)
	}
	for j, i := range pending {
		data := vals[j]
		s.statsMu.Lock()
		if data == nil {
			s.stats.Misses++
		} else {
			s.stats.WarmHits++
		}
		s.statsMu.Unlock()
		if data == nil {
			continue
		}
		remaining, terr := s.warm.TTL(ctx, sks[i])
		if terr != nil {
			remaining = 0
		}
		s.populateHot(sks[i], data, remaining)
		if err := decodeInto(i, data); err != nil {
			return err
		}
	}
	return nil
}

// MSet writes many key/value pairs with a shared ttl via the single-key
// path so both tiers stay aligned.
func (s *Store) MSet(ctx context.Context, values map[string]interface{}, ttl time.Duration) error {
	for key, value := range values {
		if err := s.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of the tier counters.
func (s *Store) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// ResetStats zeroes the tier counters.
func (s *Store) ResetStats() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats = Stats{}
}

// Close purges the hot tier and releases the warm connection.
func (s *Store) Close() error {
	s.hot.Purge()
	return s.warm.Close()
}
