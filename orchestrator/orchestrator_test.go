package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"quoteflow/cache"
	appconfig "quoteflow/config"
	"quoteflow/models"
)

func testOrchestratorConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Cache.HotSize = 16
	cfg.Cache.HotTTL = time.Minute
	cfg.Cache.CompressionThreshold = 1024
	cfg.Cache.KeyPrefix = "quoteflow"
	cfg.Orchestrator.RefreshRatio = 0.8
	cfg.Orchestrator.StrongTimelinessTTL = 5 * time.Second
	cfg.Orchestrator.MarketAwareTTL = 60 * time.Second
	cfg.Orchestrator.AdaptiveTTL = 120 * time.Second
	cfg.Orchestrator.WeakTimelinessTTL = 300 * time.Second
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *appconfig.Config) (*Orchestrator, *cache.MemoryWarmStore) {
	t.Helper()
	if cfg == nil {
		cfg = testOrchestratorConfig()
	}
	warm := cache.NewMemoryWarmStore()
	store, err := cache.NewStore(cfg.Cache, warm)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	o, err := New(cfg, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, warm
}

func countingFetch(value interface{}) (FetchFunc, *atomic.Int64) {
	var calls atomic.Int64
	return func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return value, nil
	}, &calls
}

func TestOrchestrateMissThenHit(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	fetch, calls := countingFetch("v1")

	req := Request{CacheKey: "quote:700.HK", Strategy: models.StrategyWeakTimeliness, Fetch: fetch}

	first := o.Orchestrate(context.Background(), req)
	if first.Err != "" || first.Hit || first.Data != "v1" {
		t.Fatalf("first call should miss and fetch: %+v", first)
	}
	if first.TTLRemaining != 300*time.Second {
		t.Fatalf("expected weak timeliness ttl, got %v", first.TTLRemaining)
	}
	if first.StorageKey != "quoteflow:quote:700.HK" {
		t.Fatalf("unexpected storage key: %s", first.StorageKey)
	}

	second := o.Orchestrate(context.Background(), req)
	if !second.Hit || second.Data != "v1" {
		t.Fatalf("second call should hit: %+v", second)
	}
	if second.TTLRemaining <= 0 || second.TTLRemaining > 300*time.Second {
		t.Fatalf("unexpected remaining ttl: %v", second.TTLRemaining)
	}
	if calls.Load() != 1 {
		t.Fatalf("fetch should run once, ran %d times", calls.Load())
	}

	stats := o.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Strategies["WEAK_TIMELINESS"] != 2 {
		t.Fatalf("strategy count wrong: %+v", stats.Strategies)
	}
}

// NO_CACHE never persists to either tier, always fetches and reports
// ttlRemaining zero.
func TestOrchestrateNoCacheNeverPersists(t *testing.T) {
	o, warm := newTestOrchestrator(t, nil)
	fetch, calls := countingFetch("live")

	req := Request{CacheKey: "quote:700.HK", Strategy: models.StrategyNoCache, Fetch: fetch}
	for i := 0; i < 3; i++ {
		result := o.Orchestrate(context.Background(), req)
		if result.Err != "" || result.Hit || result.Data != "live" {
			t.Fatalf("call %d: %+v", i, result)
		}
		if result.TTLRemaining != 0 {
			t.Fatalf("NO_CACHE must report zero ttl: %v", result.TTLRemaining)
		}
	}
	if calls.Load() != 3 {
		t.Fatalf("NO_CACHE must fetch every time: %d", calls.Load())
	}
	if ok, _ := warm.Exists(context.Background(), "quoteflow:quote:700.HK"); ok {
		t.Fatal("NO_CACHE must never write the warm tier")
	}
}

// The orchestrator boundary is guaranteed-result: fetch failure comes
// back inside the Result.
func TestOrchestrateFetchFailure(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	req := Request{
		CacheKey: "quote:700.HK",
		Strategy: models.StrategyStrongTimeliness,
		Fetch: func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("provider unavailable")
		},
	}
	result := o.Orchestrate(context.Background(), req)
	if result.Data != nil || result.Hit {
		t.Fatalf("failed fetch must yield empty result: %+v", result)
	}
	if result.Err != "provider unavailable" {
		t.Fatalf("unexpected error text: %s", result.Err)
	}

	if stats := o.Stats(); stats.FetchFails != 1 {
		t.Fatalf("fetch failure not counted: %+v", stats)
	}
}

func TestOrchestrateValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	fetch, _ := countingFetch("v")

	if r := o.Orchestrate(context.Background(), Request{Strategy: models.StrategyAdaptive, Fetch: fetch}); r.Err == "" {
		t.Fatal("missing cache key must be rejected")
	}
	if r := o.Orchestrate(context.Background(), Request{CacheKey: "k", Strategy: models.StrategyAdaptive}); r.Err == "" {
		t.Fatal("missing fetch must be rejected")
	}
	if r := o.Orchestrate(context.Background(), Request{CacheKey: "k", Strategy: "SOMETHING", Fetch: fetch}); r.Err == "" {
		t.Fatal("unknown strategy must be rejected")
	}
}

// MARKET_AWARE with market-open real-time metadata shortens the TTL
// below the configured base.
func TestOrchestrateMarketAwareModulation(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	fetch, _ := countingFetch("v")

	result := o.Orchestrate(context.Background(), Request{
		CacheKey: "quote:700.HK",
		Strategy: models.StrategyMarketAware,
		Fetch:    fetch,
		Metadata: &Metadata{MarketStatus: models.MarketOpen, Freshness: models.FreshnessRealTime},
	})
	if result.Err != "" {
		t.Fatalf("orchestrate: %s", result.Err)
	}
	if result.TTLRemaining >= 60*time.Second {
		t.Fatalf("market-open real-time must shorten ttl: %v", result.TTLRemaining)
	}
	if result.TTLRemaining != 15*time.Second {
		t.Fatalf("expected 60s x 0.5 x 0.5 = 15s, got %v", result.TTLRemaining)
	}
}

func TestOrchestrateBackgroundRefresh(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.Orchestrator.StrongTimelinessTTL = 100 * time.Millisecond
	o, _ := newTestOrchestrator(t, cfg)
	fetch, calls := countingFetch("v")

	req := Request{CacheKey: "quote:700.HK", Strategy: models.StrategyStrongTimeliness, Fetch: fetch}
	if r := o.Orchestrate(context.Background(), req); r.Err != "" {
		t.Fatalf("seed: %s", r.Err)
	}

	// Let the entry age past 80% of its 100ms TTL, then hit it.
	time.Sleep(90 * time.Millisecond)
	result := o.Orchestrate(context.Background(), req)
	if !result.Hit {
		t.Fatalf("expected hit before expiry: %+v", result)
	}

	o.Wait()
	if calls.Load() != 2 {
		t.Fatalf("near-expiry hit must refetch in the background: %d", calls.Load())
	}
	if stats := o.Stats(); stats.Refreshes != 1 {
		t.Fatalf("refresh not counted: %+v", stats)
	}
}

func TestBatchOrchestrateOrderAndIndependence(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	good, _ := countingFetch("ok")

	reqs := []Request{
		{CacheKey: "a", Strategy: models.StrategyAdaptive, Fetch: good},
		{CacheKey: "b", Strategy: models.StrategyAdaptive, Fetch: func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("boom")
		}},
		{CacheKey: "c", Strategy: models.StrategyAdaptive, Fetch: good},
	}
	results := o.BatchOrchestrate(context.Background(), reqs)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Data != "ok" || results[2].Data != "ok" {
		t.Fatalf("neighbors must succeed: %+v", results)
	}
	if results[1].Err != "boom" || results[1].Data != nil {
		t.Fatalf("failed request must be isolated: %+v", results[1])
	}
}

func TestOrchestratorPrimitivesDelegate(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	if err := o.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var out string
	if err := o.Get(ctx, "k", &out); err != nil || out != "v" {
		t.Fatalf("get: %v %q", err, out)
	}
	if ok, _ := o.Exists(ctx, "k"); !ok {
		t.Fatal("exists should see the primitive write")
	}
	if n, err := o.Increment(ctx, "n", 2); err != nil || n != 2 {
		t.Fatalf("increment: %v %d", err, n)
	}
	if err := o.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := o.Get(ctx, "k", &out); err != cache.ErrNotFound {
		t.Fatalf("expected miss after delete: %v", err)
	}
}

func TestOrchestratorEntry(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	if _, err := o.Entry(ctx, "quote:700.HK", models.StrategyAdaptive); err != cache.ErrNotFound {
		t.Fatalf("absent entry must report ErrNotFound: %v", err)
	}

	if err := o.Set(ctx, "quote:700.HK", "v1", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	entry, err := o.Entry(ctx, "quote:700.HK", models.StrategyAdaptive)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry.Value != "v1" || entry.Tier != models.TierHot {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.StorageKey != "quoteflow:quote:700.HK" {
		t.Fatalf("unexpected storage key: %s", entry.StorageKey)
	}
	if entry.TTLRemaining <= 0 || entry.TTLRemaining > time.Minute {
		t.Fatalf("unexpected remaining ttl: %v", entry.TTLRemaining)
	}
}

func TestOrchestratorResetStats(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	fetch, _ := countingFetch("v")
	o.Orchestrate(context.Background(), Request{CacheKey: "k", Strategy: models.StrategyAdaptive, Fetch: fetch})

	o.ResetStats()
	stats := o.Stats()
	if stats.Hits != 0 || stats.Misses != 0 || stats.Fetches != 0 || len(stats.Strategies) != 0 {
		t.Fatalf("stats not reset: %+v", stats)
	}
}
