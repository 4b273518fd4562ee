package orchestrator

import (
	"context"
	"time"

	"quoteflow/cache"
	"quoteflow/models"
)

// Uniform cache primitives. Every call funnels through the same tiered
// store the strategy path uses, so callers see one consistent view.

func (o *Orchestrator) Get(ctx context.Context, key string, dest interface{}) error {
	return o.store.Get(ctx, key, dest)
}

func (o *Orchestrator) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return o.store.Set(ctx, key, value, ttl)
}

func (o *Orchestrator) Delete(ctx context.Context, key string) error {
	return o.store.Delete(ctx, key)
}

func (o *Orchestrator) Exists(ctx context.Context, key string) (bool, error) {
	return o.store.Exists(ctx, key)
}

func (o *Orchestrator) TTL(ctx context.Context, key string) (time.Duration, error) {
	return o.store.TTL(ctx, key)
}

func (o *Orchestrator) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return o.store.Expire(ctx, key, ttl)
}

func (o *Orchestrator) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return o.store.Increment(ctx, key, delta)
}

func (o *Orchestrator) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return o.store.Decrement(ctx, key, delta)
}

func (o *Orchestrator) GetOrSet(ctx context.Context, key string, dest interface{}, ttl time.Duration, loader func(ctx context.Context) (interface{}, error)) error {
	return o.store.GetOrSet(ctx, key, dest, ttl, loader)
}

func (o *Orchestrator) SetIfNotExists(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return o.store.SetIfNotExists(ctx, key, value, ttl)
}

func (o *Orchestrator) MSet(ctx context.Context, values map[string]interface{}, ttl time.Duration) error {
	return o.store.MSet(ctx, values, ttl)
}

func (o *Orchestrator) MGet(ctx context.Context, keys []string, decodeInto func(i int, data []byte) error) error {
	return o.store.MGet(ctx, keys, decodeInto)
}

// Entry returns the full cached view of key: value, remaining lifetime,
// fully qualified storage key and the tier the entry lives in.
func (o *Orchestrator) Entry(ctx context.Context, key string, strategy models.Strategy) (models.CacheEntry, error) {
	entry := models.CacheEntry{
		Key:        key,
		Strategy:   strategy,
		StorageKey: o.store.StorageKey(key),
	}

	tier, err := o.store.Locate(ctx, key)
	if err != nil {
		return entry, err
	}
	entry.Tier = tier
	if tier == models.TierNone {
		return entry, cache.ErrNotFound
	}

	if err := o.store.Get(ctx, key, &entry.Value); err != nil {
		return entry, err
	}
	if remaining, err := o.store.TTL(ctx, key); err == nil {
		entry.TTLRemaining = remaining
	}
	return entry, nil
}

// CacheStats exposes the underlying tier counters.
func (o *Orchestrator) CacheStats() cache.Stats {
	return o.store.Stats()
}

// BatchRecommendations exposes the batch optimizer's suggested chunk
// size and its running memory statistics.
func (o *Orchestrator) BatchRecommendations() (int, models.MemoryStats) {
	return o.batcher.Recommendations()
}
