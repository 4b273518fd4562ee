package batch

import (
	"context"
	"errors"
	"testing"
)

func TestOptimizeBatchChunking(t *testing.T) {
	opt := NewOptimizer(10, 0)
	items := make([]int, 95)
	for i := range items {
		items[i] = i
	}

	calls := 0
	result, err := OptimizeBatch(context.Background(), opt, items, func(ctx context.Context, chunk []int) ([]int, error) {
		calls++
		if len(chunk) > 10 {
			t.Fatalf("chunk larger than max: %d", len(chunk))
		}
		out := make([]int, len(chunk))
		for i, v := range chunk {
			out[i] = v * 2
		}
		return out, nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 95 items in chunks of 10 is ceil(95/10) = 10 calls.
	if calls != 10 {
		t.Fatalf("expected 10 processor calls, got %d", calls)
	}
	if len(result.Successful) != 95 || len(result.Failed) != 0 {
		t.Fatalf("expected 95 successes, got %d/%d", len(result.Successful), len(result.Failed))
	}
	if result.Successful[0] != 0 || result.Successful[94] != 188 {
		t.Fatalf("order not preserved: %v ... %v", result.Successful[0], result.Successful[94])
	}
	if result.Metrics.TotalItems != 95 || result.Metrics.SuccessCount != 95 {
		t.Fatalf("metrics mismatch: %+v", result.Metrics)
	}
}

func TestOptimizeBatchEmptyInput(t *testing.T) {
	opt := NewOptimizer(10, 0)
	called := false
	result, err := OptimizeBatch(context.Background(), opt, nil, func(ctx context.Context, chunk []string) ([]string, error) {
		called = true
		return chunk, nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatal("processor must not run for empty input")
	}
	if result.Metrics.TotalItems != 0 {
		t.Fatalf("expected zero metrics, got %+v", result.Metrics)
	}
}

// One failing chunk must not sink the chunks around it, and every input
// item must land in exactly one of the two result buckets.
func TestOptimizeBatchChunkFailureIsolation(t *testing.T) {
	opt := NewOptimizer(5, 0)
	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}

	chunkIndex := 0
	result, err := OptimizeBatch(context.Background(), opt, items, func(ctx context.Context, chunk []int) ([]int, error) {
		chunkIndex++
		if chunkIndex == 2 {
			return nil, errors.New("chunk exploded")
		}
		return chunk, nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Successful) != 15 {
		t.Fatalf("expected 15 successes, got %d", len(result.Successful))
	}
	if len(result.Failed) != 5 {
		t.Fatalf("expected 5 failures, got %d", len(result.Failed))
	}
	if len(result.Successful)+len(result.Failed) != len(items) {
		t.Fatalf("items lost: %d + %d != %d", len(result.Successful), len(result.Failed), len(items))
	}
	for _, f := range result.Failed {
		if f.Error != "chunk exploded" {
			t.Fatalf("unexpected failure reason: %s", f.Error)
		}
		if f.Item < 5 || f.Item >= 10 {
			t.Fatalf("wrong item marked failed: %d", f.Item)
		}
	}
}

func TestOptimizeBatchOptionsOverride(t *testing.T) {
	opt := NewOptimizer(100, 0)
	items := []int{1, 2, 3, 4, 5, 6, 7}

	calls := 0
	_, err := OptimizeBatch(context.Background(), opt, items, func(ctx context.Context, chunk []int) ([]int, error) {
		calls++
		return chunk, nil
	}, &Options{MaxBatchSize: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls for 7 items with max 3, got %d", calls)
	}
}

func TestOptimizeBatchContextCancel(t *testing.T) {
	opt := NewOptimizer(1, 0)
	ctx, cancel := context.WithCancel(context.Background())

	items := []int{1, 2, 3, 4}
	calls := 0
	_, err := OptimizeBatch(ctx, opt, items, func(ctx context.Context, chunk []int) ([]int, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return chunk, nil
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected processing to stop after cancel, got %d calls", calls)
	}
}

func TestOptimizerStatsAndReset(t *testing.T) {
	opt := NewOptimizer(10, 0)
	items := []string{"700.HK", "AAPL.US", "BABA.US"}

	_, err := OptimizeBatch(context.Background(), opt, items, func(ctx context.Context, chunk []string) ([]string, error) {
		return chunk, nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := opt.Stats()
	if stats.OperationCount != 1 {
		t.Fatalf("expected one recorded run, got %d", stats.OperationCount)
	}
	if stats.AverageItemSize <= 0 {
		t.Fatalf("expected positive item size estimate, got %f", stats.AverageItemSize)
	}

	opt.ResetStats()
	if s := opt.Stats(); s.OperationCount != 0 || s.TotalAllocated != 0 {
		t.Fatalf("stats not reset: %+v", s)
	}
}

func TestOptimizerRecommendations(t *testing.T) {
	// A tiny ceiling forces the recommendation below the configured max.
	opt := NewOptimizer(100, 64)
	items := make([]int, 50)
	_, err := OptimizeBatch(context.Background(), opt, items, func(ctx context.Context, chunk []int) ([]int, error) {
		return chunk, nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recommended, stats := opt.Recommendations()
	if recommended < 1 || recommended > 100 {
		t.Fatalf("recommendation out of range: %d", recommended)
	}
	if stats.OperationCount != 1 {
		t.Fatalf("expected stats snapshot, got %+v", stats)
	}
}

func TestOptimizerCleanupIdempotent(t *testing.T) {
	opt := NewOptimizer(10, 0)
	opt.Cleanup()
	first := opt.Stats().LastCleanup
	if first.IsZero() {
		t.Fatal("cleanup must stamp LastCleanup")
	}
	opt.Cleanup()
	opt.Cleanup()
	if opt.Stats().LastCleanup.Before(first) {
		t.Fatal("cleanup timestamp went backwards")
	}
}
