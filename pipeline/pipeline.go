// Package pipeline drives each quote batch through transform, symbol
// normalization, cache write and broadcast. Every stage runs under its
// own deadline; a stage that overruns is abandoned and its late result
// ignored. Business errors are counted and surfaced to the caller raw —
// classification happens at the outer boundary, not here.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "quoteflow/config"
	"quoteflow/internal/capability"
	"quoteflow/logger"
	"quoteflow/models"
)

// Batch stages. Failed(stage) is terminal from any of them.
const (
	StageReceived          = "received"
	StageTransformed       = "transformed"
	StageSymbolsNormalized = "symbols_normalized"
	StageCached            = "cached"
	StageBroadcast         = "broadcast"
	StageDone              = "done"
)

// Stage timeout messages surfaced to callers.
const (
	errTransformTimeout = "数据转换超时"
	errSymbolTimeout    = "符号标准化超时"
	errCacheTimeout     = "数据缓存超时"
	errBroadcastTimeout = "数据广播超时"
)

// SinkFunc delivers pipeline output records and their symbols to a
// downstream sink.
type SinkFunc func(ctx context.Context, records []interface{}, symbols []string) error

// Callbacks are the pipeline's collaborators. Transformer, resolver and
// both sinks are required; OnError is optional.
type Callbacks struct {
	Transformer    models.Transformer
	SymbolResolver models.SymbolResolver
	CacheData      SinkFunc
	BroadcastData  SinkFunc
	OnError        func(stage string, err error)
}

type stats struct {
	totalProcessed  atomic.Int64
	totalSymbols    atomic.Int64
	totalTimeMs     atomic.Int64
	totalErrors     atomic.Int64
	lastProcessedMu sync.Mutex
	lastProcessedAt time.Time
}

// Stats is the externally visible statistics snapshot.
type Stats struct {
	TotalProcessed          int64     `json:"total_processed"`
	TotalSymbolsProcessed   int64     `json:"total_symbols_processed"`
	TotalProcessingTimeMs   int64     `json:"total_processing_time_ms"`
	AverageProcessingTimeMs float64   `json:"average_processing_time_ms"`
	TotalErrors             int64     `json:"total_errors"`
	ErrorRate               float64   `json:"error_rate"`
	LastProcessedAt         time.Time `json:"last_processed_at"`
}

// Pipeline processes quote batches. Safe for concurrent use; batches
// from different providers share nothing but the statistics counters.
type Pipeline struct {
	config    *appconfig.Config
	callbacks Callbacks
	stats     stats
	log       *logger.Log
}

// NewPipeline validates the collaborator set once, at construction.
// Missing required callbacks are a configuration error, not a runtime
// fallback.
func NewPipeline(cfg *appconfig.Config, callbacks Callbacks) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline requires config")
	}
	if callbacks.Transformer == nil {
		return nil, fmt.Errorf("pipeline configuration error: transformer is required")
	}
	if callbacks.SymbolResolver == nil {
		return nil, fmt.Errorf("pipeline configuration error: symbol resolver is required")
	}
	if callbacks.CacheData == nil {
		return nil, fmt.Errorf("pipeline configuration error: cache sink is required")
	}
	if callbacks.BroadcastData == nil {
		return nil, fmt.Errorf("pipeline configuration error: broadcast sink is required")
	}
	return &Pipeline{
		config:    cfg,
		callbacks: callbacks,
		log:       logger.GetLogger(),
	}, nil
}

// Process runs one batch through the full stage sequence. All quotes in
// a batch share a provider and capability. An empty transform payload
// stops the run early: counted as processed, no cache write, no
// broadcast.
func (p *Pipeline) Process(ctx context.Context, quotes []models.QuoteRecord) error {
	if len(quotes) == 0 {
		return nil
	}
	start := time.Now()
	provider := quotes[0].ProviderName
	cap := quotes[0].Capability

	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"provider":   provider,
		"capability": cap,
		"quotes":     len(quotes),
	})

	symbols := dedupeSymbols(quotes)
	ruleType := capability.MapCapability(cap)

	rawData := make([]map[string]interface{}, len(quotes))
	for i, q := range quotes {
		rawData[i] = q.RawData
	}

	var transformDur, cacheDur, broadcastDur time.Duration

	// Transform.
	transformStart := time.Now()
	result, err := runStage(ctx, p.transformTimeout(), errTransformTimeout, func(sctx context.Context) (*models.TransformResult, error) {
		return p.callbacks.Transformer.Transform(sctx, models.TransformRequest{
			Provider: provider,
			APIType:  "stream",
			RuleType: ruleType,
			RawData:  rawData,
		})
	})
	transformDur = time.Since(transformStart)
	if err != nil {
		return p.fail(log, StageTransformed, err)
	}

	records := normalizeRecords(result)
	if len(records) == 0 {
		p.recordSuccess(len(symbols), time.Since(start))
		log.Info("transform produced no payload, run stopped early")
		p.emitMetrics(provider, cap, len(quotes), len(symbols), time.Since(start), transformDur, 0, 0)
		return nil
	}

	// Symbol normalization shares the transform deadline class.
	resolved, err := runStage(ctx, p.transformTimeout(), errSymbolTimeout, func(sctx context.Context) ([]string, error) {
		return p.callbacks.SymbolResolver.EnsureSymbolConsistency(sctx, symbols, provider)
	})
	if err != nil {
		return p.fail(log, StageSymbolsNormalized, err)
	}

	// Cache write must succeed before broadcast is attempted. Sink
	// failures are treated as transient and retried within the stage
	// deadline.
	cacheStart := time.Now()
	_, err = runStage(ctx, p.cacheTimeout(), errCacheTimeout, func(sctx context.Context) (struct{}, error) {
		return struct{}{}, p.withRetry(sctx, func() error {
			return p.callbacks.CacheData(sctx, records, resolved)
		})
	})
	cacheDur = time.Since(cacheStart)
	if err != nil {
		return p.fail(log, StageCached, err)
	}

	broadcastStart := time.Now()
	_, err = runStage(ctx, p.broadcastTimeout(), errBroadcastTimeout, func(sctx context.Context) (struct{}, error) {
		return struct{}{}, p.withRetry(sctx, func() error {
			return p.callbacks.BroadcastData(sctx, records, resolved)
		})
	})
	broadcastDur = time.Since(broadcastStart)
	if err != nil {
		return p.fail(log, StageBroadcast, err)
	}
	logger.IncrementBroadcast(len(records))

	total := time.Since(start)
	p.recordSuccess(len(resolved), total)

	log.WithFields(logger.Fields{
		"stage":   StageDone,
		"records": len(records),
		"symbols": len(resolved),
	}).Debug("batch processed")
	p.emitMetrics(provider, cap, len(quotes), len(resolved), total, transformDur, cacheDur, broadcastDur)
	return nil
}

// fail records the error against the run, notifies the error callback
// and re-raises. The pipeline never swallows business errors.
func (p *Pipeline) fail(log *logger.Entry, stage string, err error) error {
	p.stats.totalErrors.Add(1)
	if p.callbacks.OnError != nil {
		p.callbacks.OnError(stage, err)
	}
	log.WithError(err).WithFields(logger.Fields{"stage": stage}).Error("pipeline stage failed")
	return fmt.Errorf("pipeline failed at %s: %w", stage, err)
}

func (p *Pipeline) recordSuccess(symbolCount int, elapsed time.Duration) {
	p.stats.totalProcessed.Add(1)
	p.stats.totalSymbols.Add(int64(symbolCount))
	p.stats.totalTimeMs.Add(elapsed.Milliseconds())
	p.stats.lastProcessedMu.Lock()
	p.stats.lastProcessedAt = time.Now()
	p.stats.lastProcessedMu.Unlock()
}

func (p *Pipeline) emitMetrics(provider, cap string, quotes, symbols int, total, transform, cacheDur, broadcast time.Duration) {
	metrics := models.PipelineMetrics{
		Provider:     provider,
		Capability:   cap,
		QuotesCount:  quotes,
		SymbolsCount: symbols,
		Total:        total,
		Transform:    transform,
		Cache:        cacheDur,
		Broadcast:    broadcast,
	}
	p.log.LogMetric("pipeline", "batch_duration_ms", metrics.Total.Milliseconds(), "timer", logger.Fields{
		"provider":     metrics.Provider,
		"capability":   metrics.Capability,
		"quotes":       metrics.QuotesCount,
		"symbols":      metrics.SymbolsCount,
		"transform_ms": metrics.Transform.Milliseconds(),
		"cache_ms":     metrics.Cache.Milliseconds(),
		"broadcast_ms": metrics.Broadcast.Milliseconds(),
	})
}

// Stats returns a snapshot with the derived averages computed at read
// time.
func (p *Pipeline) Stats() Stats {
	processed := p.stats.totalProcessed.Load()
	errs := p.stats.totalErrors.Load()
	totalMs := p.stats.totalTimeMs.Load()

	out := Stats{
		TotalProcessed:        processed,
		TotalSymbolsProcessed: p.stats.totalSymbols.Load(),
		TotalProcessingTimeMs: totalMs,
		TotalErrors:           errs,
	}
	if processed > 0 {
		out.AverageProcessingTimeMs = float64(totalMs) / float64(processed)
	}
	if processed+errs > 0 {
		out.ErrorRate = float64(errs) / float64(processed+errs) * 100
	}
	p.stats.lastProcessedMu.Lock()
	out.LastProcessedAt = p.stats.lastProcessedAt
	p.stats.lastProcessedMu.Unlock()
	return out
}

// ResetStats zeroes every counter.
func (p *Pipeline) ResetStats() {
	p.stats.totalProcessed.Store(0)
	p.stats.totalSymbols.Store(0)
	p.stats.totalTimeMs.Store(0)
	p.stats.totalErrors.Store(0)
	p.stats.lastProcessedMu.Lock()
	p.stats.lastProcessedAt = time.Time{}
	p.stats.lastProcessedMu.Unlock()
}

// withRetry re-runs fn on failure up to retry_attempts times, backing
// off linearly from retry_base_delay. Cancellation of the stage context
// ends the retries with the last error.
func (p *Pipeline) withRetry(ctx context.Context, fn func() error) error {
	attempts := p.config.Pipeline.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.config.Pipeline.RetryBaseDelay

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(base * time.Duration(i+1)):
		}
	}
	return err
}

func (p *Pipeline) transformTimeout() time.Duration {
	if t := p.config.Pipeline.TransformTimeout; t > 0 {
		return t
	}
	return 5 * time.Second
}

func (p *Pipeline) cacheTimeout() time.Duration {
	if t := p.config.Pipeline.CacheTimeout; t > 0 {
		return t
	}
	return 3 * time.Second
}

func (p *Pipeline) broadcastTimeout() time.Duration {
	if t := p.config.Pipeline.BroadcastTimeout; t > 0 {
		return t
	}
	return 2 * time.Second
}

// runStage races fn against the stage deadline. The result channel is
// buffered so an abandoned stage's late completion is dropped, not
// leaked into a blocked goroutine.
func runStage[T any](ctx context.Context, timeout time.Duration, timeoutMsg string, fn func(ctx context.Context) (T, error)) (T, error) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		val, err := fn(sctx)
		ch <- outcome{val: val, err: err}
	}()

	select {
	case out := <-ch:
		return out.val, out.err
	case <-sctx.Done():
		var zero T
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return zero, errors.New(timeoutMsg)
		}
		return zero, sctx.Err()
	}
}

// dedupeSymbols collects the batch's symbols in first-appearance order
// with duplicates removed.
func dedupeSymbols(quotes []models.QuoteRecord) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, q := range quotes {
		for _, s := range q.Symbols {
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// normalizeRecords turns the transformer's payload into a slice: nil and
// empty collections become empty, a single object becomes a one-element
// slice.
func normalizeRecords(result *models.TransformResult) []interface{} {
	if result == nil || result.TransformedData == nil {
		return nil
	}
	switch data := result.TransformedData.(type) {
	case []interface{}:
		return data
	case []map[string]interface{}:
		out := make([]interface{}, len(data))
		for i, v := range data {
			out[i] = v
		}
		return out
	case map[string]interface{}:
		if len(data) == 0 {
			return nil
		}
		return []interface{}{data}
	default:
		return []interface{}{data}
	}
}
