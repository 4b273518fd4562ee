// Package orchestrator is the get-or-fetch façade over the tiered cache.
// Callers pick a caching strategy per request; the orchestrator turns it
// into a TTL, consults the cache, falls back to the caller's fetch
// function and writes the result through. Its boundary is
// guaranteed-result: fetch failures come back inside the Result, never
// as a raised error.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quoteflow/cache"
	appconfig "quoteflow/config"
	"quoteflow/internal/batch"
	"quoteflow/internal/ttl"
	"quoteflow/logger"
	"quoteflow/models"
)

// FetchFunc loads the value from the source of truth on a cache miss.
type FetchFunc func(ctx context.Context) (interface{}, error)

// Metadata carries the market context that modulates MARKET_AWARE TTLs.
type Metadata struct {
	MarketStatus models.MarketStatus
	Freshness    models.Freshness
}

// Request is one orchestrated read.
type Request struct {
	CacheKey string
	Strategy models.Strategy
	Symbols  []string
	Fetch    FetchFunc
	Metadata *Metadata
}

// Result is the guaranteed answer for one request. Err carries the fetch
// failure message when Data is nil.
type Result struct {
	Data         interface{}     `json:"data"`
	Hit          bool            `json:"hit"`
	Strategy     models.Strategy `json:"strategy"`
	StorageKey   string          `json:"storage_key"`
	TTLRemaining time.Duration   `json:"ttl_remaining"`
	Err          string          `json:"error,omitempty"`
}

// Stats counts orchestrated traffic per strategy.
type Stats struct {
	Hits       int64            `json:"hits"`
	Misses     int64            `json:"misses"`
	Fetches    int64            `json:"fetches"`
	FetchFails int64            `json:"fetch_fails"`
	Refreshes  int64            `json:"refreshes"`
	Strategies map[string]int64 `json:"strategies"`
}

// Orchestrator routes reads through the tiered cache. Safe for
// concurrent use.
type Orchestrator struct {
	config  *appconfig.Config
	store   *cache.Store
	batcher *batch.Optimizer

	statsMu sync.Mutex
	stats   Stats

	refreshMu sync.Mutex
	refreshes map[string]bool
	wg        sync.WaitGroup

	log *logger.Log
}

// New builds an orchestrator over the given tiered store.
func New(cfg *appconfig.Config, store *cache.Store) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("orchestrator requires config")
	}
	if store == nil {
		return nil, fmt.Errorf("orchestrator requires a cache store")
	}
	return &Orchestrator{
		config:    cfg,
		store:     store,
		batcher:   batch.NewOptimizer(cfg.Batch.MaxBatchSize, int64(cfg.Batch.MemoryCeilingMB)*1024*1024),
		stats:     Stats{Strategies: make(map[string]int64)},
		refreshes: make(map[string]bool),
		log:       logger.GetLogger(),
	}, nil
}

// Orchestrate serves one request. NO_CACHE always fetches and never
// persists; every other strategy reads through the cache with its
// strategy TTL and triggers a background refresh when the entry is near
// expiry.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) Result {
	result := Result{Strategy: req.Strategy}

	if req.CacheKey == "" && req.Strategy != models.StrategyNoCache {
		result.Err = "cache key is required"
		return result
	}
	if req.Fetch == nil {
		result.Err = "fetch function is required"
		return result
	}
	if !req.Strategy.Valid() {
		result.Err = fmt.Sprintf("unknown strategy %q", req.Strategy)
		return result
	}
	o.countStrategy(req.Strategy)

	if req.Strategy == models.StrategyNoCache {
		data, err := req.Fetch(ctx)
		o.countFetch(err)
		if err != nil {
			result.Err = err.Error()
			return result
		}
		result.Data = data
		return result
	}

	result.StorageKey = o.store.StorageKey(req.CacheKey)
	effectiveTTL := o.ttlFor(req)

	var cached interface{}
	err := o.store.Get(ctx, req.CacheKey, &cached)
	if err == nil {
		result.Data = cached
		result.Hit = true
		if remaining, terr := o.store.TTL(ctx, req.CacheKey); terr == nil {
			result.TTLRemaining = remaining
			o.maybeRefresh(req, effectiveTTL, remaining)
		}
		o.countHit()
		return result
	}
	if err != cache.ErrNotFound {
		o.log.WithComponent("orchestrator").WithError(err).WithFields(logger.Fields{
			"cache_key": req.CacheKey,
		}).Warn("cache read failed, falling back to fetch")
	}
	o.countMiss()

	data, ferr := req.Fetch(ctx)
	o.countFetch(ferr)
	if ferr != nil {
		result.Err = ferr.Error()
		return result
	}
	result.Data = data

	if serr := o.store.Set(ctx, req.CacheKey, data, effectiveTTL); serr != nil {
		// The caller still gets its data; the write failure is logged
		// and the next read will fetch again.
		o.log.WithComponent("orchestrator").WithError(serr).WithFields(logger.Fields{
			"cache_key": req.CacheKey,
		}).Warn("write-through failed")
	} else {
		result.TTLRemaining = effectiveTTL
	}
	return result
}

// BatchOrchestrate serves requests in order through the batch optimizer
// so large request sets are processed in bounded chunks. Outcomes are
// independent: a failing request yields its own error Result and the
// rest proceed.
func (o *Orchestrator) BatchOrchestrate(ctx context.Context, reqs []Request) []Result {
	run, err := batch.OptimizeBatch(ctx, o.batcher, reqs, func(ctx context.Context, chunk []Request) ([]Result, error) {
		out := make([]Result, len(chunk))
		for i, req := range chunk {
			out[i] = o.Orchestrate(ctx, req)
		}
		return out, nil
	}, nil)

	results := run.Successful
	// Cancellation mid-run leaves unserved requests; answer them with
	// the cancellation error so the result stays positional.
	for len(results) < len(reqs) {
		r := Result{Strategy: reqs[len(results)].Strategy}
		if err != nil {
			r.Err = err.Error()
		}
		results = append(results, r)
	}
	return results
}

// ttlFor maps the strategy to its TTL. MARKET_AWARE is modulated by the
// TTL engine when market metadata is present.
func (o *Orchestrator) ttlFor(req Request) time.Duration {
	cfg := o.config.Orchestrator
	switch req.Strategy {
	case models.StrategyStrongTimeliness:
		return orDefault(cfg.StrongTimelinessTTL, 5*time.Second)
	case models.StrategyMarketAware:
		base := orDefault(cfg.MarketAwareTTL, 60*time.Second)
		if req.Metadata != nil {
			computed := ttl.Compute(base, req.Metadata.MarketStatus, req.Metadata.Freshness)
			return computed.TTL
		}
		return base
	case models.StrategyAdaptive:
		return orDefault(cfg.AdaptiveTTL, 120*time.Second)
	case models.StrategyWeakTimeliness:
		return orDefault(cfg.WeakTimelinessTTL, 300*time.Second)
	default:
		return 0
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// maybeRefresh refetches an entry asynchronously once it has lived past
// refresh_ratio of its TTL. At most one refresh per key is in flight.
func (o *Orchestrator) maybeRefresh(req Request, effectiveTTL, remaining time.Duration) {
	ratio := o.config.Orchestrator.RefreshRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.8
	}
	if effectiveTTL <= 0 || remaining <= 0 {
		return
	}
	age := effectiveTTL - remaining
	if float64(age) < float64(effectiveTTL)*ratio {
		return
	}

	o.refreshMu.Lock()
	if o.refreshes[req.CacheKey] {
		o.refreshMu.Unlock()
		return
	}
	o.refreshes[req.CacheKey] = true
	o.refreshMu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.refreshMu.Lock()
			delete(o.refreshes, req.CacheKey)
			o.refreshMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		data, err := req.Fetch(ctx)
		if err != nil {
			o.log.WithComponent("orchestrator").WithError(err).WithFields(logger.Fields{
				"cache_key": req.CacheKey,
			}).Warn("background refresh fetch failed")
			return
		}
		if err := o.store.Set(ctx, req.CacheKey, data, effectiveTTL); err != nil {
			o.log.WithComponent("orchestrator").WithError(err).WithFields(logger.Fields{
				"cache_key": req.CacheKey,
			}).Warn("background refresh write failed")
			return
		}
		o.statsMu.Lock()
		o.stats.Refreshes++
		o.statsMu.Unlock()
	}()
}

// Wait blocks until in-flight background refreshes finish. Used at
// shutdown and in tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) countStrategy(s models.Strategy) {
	o.statsMu.Lock()
	o.stats.Strategies[string(s)]++
	o.statsMu.Unlock()
}

func (o *Orchestrator) countHit() {
	o.statsMu.Lock()
	o.stats.Hits++
	o.statsMu.Unlock()
}

func (o *Orchestrator) countMiss() {
	o.statsMu.Lock()
	o.stats.Misses++
	o.statsMu.Unlock()
}

func (o *Orchestrator) countFetch(err error) {
	o.statsMu.Lock()
	o.stats.Fetches++
	if err != nil {
		o.stats.FetchFails++
	}
	o.statsMu.Unlock()
}

// Stats returns a snapshot of the counters.
func (o *Orchestrator) Stats() Stats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	out := o.stats
	out.Strategies = make(map[string]int64, len(o.stats.Strategies))
	for k, v := range o.stats.Strategies {
		out.Strategies[k] = v
	}
	return out
}

// ResetStats zeroes the counters.
func (o *Orchestrator) ResetStats() {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.stats = Stats{Strategies: make(map[string]int64)}
}
