// Package batch splits arbitrary item collections into bounded chunks so
// downstream processors never hold more than a slice of the input in
// memory at once. Chunk failures are isolated: one bad chunk marks its own
// items failed and the run continues.
package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"quoteflow/logger"
	"quoteflow/models"
)

// DefaultMaxBatchSize caps chunk length when the caller does not override it.
const DefaultMaxBatchSize = 100

// Processor handles one chunk of items and returns one result per item.
type Processor[T, R any] func(ctx context.Context, chunk []T) ([]R, error)

// FailedItem pairs an input item with the error text that sank its chunk.
type FailedItem[T any] struct {
	Item  T      `json:"item"`
	Error string `json:"error"`
}

// Result is the outcome of one OptimizeBatch run.
type Result[T, R any] struct {
	Successful []R             `json:"successful"`
	Failed     []FailedItem[T] `json:"failed"`
	Metrics    models.BatchRun `json:"metrics"`
}

// Options tune a single OptimizeBatch call.
type Options struct {
	MaxBatchSize int
}

// Optimizer owns the running memory statistics shared across batch runs.
// Stats survive individual runs and reset only via ResetStats.
type Optimizer struct {
	mu              sync.Mutex
	stats           models.MemoryStats
	maxBatchSize    int
	memoryCeiling   int64
	bufferPool      *sync.Pool
	proc            *process.Process
	log             *logger.Log
	cleanedUp       bool
	recommendedSize int
}

// NewOptimizer creates an optimizer with the given default chunk size and
// memory ceiling in bytes. A zero maxBatchSize falls back to the default.
func NewOptimizer(maxBatchSize int, memoryCeiling int64) *Optimizer {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Optimizer{
		maxBatchSize:  maxBatchSize,
		memoryCeiling: memoryCeiling,
		bufferPool: &sync.Pool{
			New: func() interface{} { return new(bytes.Buffer) },
		},
		proc:            proc,
		log:             logger.GetLogger(),
		recommendedSize: maxBatchSize,
	}
}

// OptimizeBatch chunks items and invokes processor once per chunk. A chunk
// error marks every item of that chunk failed with the error's message and
// the run continues; the whole-run error return is reserved for context
// cancellation. Empty input short-circuits without calling processor.
func OptimizeBatch[T, R any](ctx context.Context, o *Optimizer, items []T, processor Processor[T, R], opts *Options) (Result[T, R], error) {
	var result Result[T, R]
	start := time.Now()

	if len(items) == 0 {
		return result, nil
	}

	size := o.chunkSize(opts)
	for begin := 0; begin < len(items); begin += size {
		if err := ctx.Err(); err != nil {
			result.Metrics = buildRun(len(items), len(result.Successful), len(result.Failed), start)
			return result, err
		}

		end := begin + size
		if end > len(items) {
			end = len(items)
		}
		chunk := items[begin:end]

		out, err := processor(ctx, chunk)
		if err != nil {
			for _, item := range chunk {
				result.Failed = append(result.Failed, FailedItem[T]{Item: item, Error: err.Error()})
			}
			continue
		}
		result.Successful = append(result.Successful, out...)
	}

	result.Metrics = buildRun(len(items), len(result.Successful), len(result.Failed), start)
	o.recordRun(items, result.Metrics)
	return result, nil
}

func buildRun(total, success, failure int, start time.Time) models.BatchRun {
	return models.BatchRun{
		TotalItems:       total,
		SuccessCount:     success,
		FailureCount:     failure,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
}

func (o *Optimizer) chunkSize(opts *Options) int {
	if opts != nil && opts.MaxBatchSize > 0 {
		return opts.MaxBatchSize
	}
	return o.maxBatchSize
}

// recordRun folds one run into the running memory statistics. Item sizes
// are estimated from the JSON encoding of the input slice; stats paths
// never fail the caller.
func (o *Optimizer) recordRun(items interface{}, run models.BatchRun) {
	allocated := o.estimateSize(items)
	perItem := float64(0)
	if run.TotalItems > 0 {
		perItem = float64(allocated) / float64(run.TotalItems)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.stats.OperationCount++
	o.stats.TotalAllocated += allocated
	prev := o.stats.AverageItemSize
	o.stats.AverageItemSize = prev + (perItem-prev)/float64(o.stats.OperationCount)

	if o.proc != nil {
		if mi, err := o.proc.MemoryInfo(); err == nil && mi != nil {
			o.stats.CurrentUsage = int64(mi.RSS)
			if o.stats.CurrentUsage > o.stats.PeakUsage {
				o.stats.PeakUsage = o.stats.CurrentUsage
			}
		}
	}

	o.updateRecommendationLocked()
}

func (o *Optimizer) estimateSize(items interface{}) int64 {
	o.mu.Lock()
	pool := o.bufferPool
	o.mu.Unlock()

	buf := pool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.Put(buf)

	if err := json.NewEncoder(buf).Encode(items); err != nil {
		return 0
	}
	return int64(buf.Len())
}

func (o *Optimizer) updateRecommendationLocked() {
	if o.memoryCeiling <= 0 || o.stats.AverageItemSize <= 0 {
		o.recommendedSize = o.maxBatchSize
		return
	}
	fit := int(float64(o.memoryCeiling) / o.stats.AverageItemSize)
	if fit < 1 {
		fit = 1
	}
	if fit > o.maxBatchSize {
		fit = o.maxBatchSize
	}
	o.recommendedSize = fit
}

// Recommendations reports the chunk size the running statistics suggest
// for future calls, alongside a snapshot of the statistics themselves.
func (o *Optimizer) Recommendations() (int, models.MemoryStats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recommendedSize, o.stats
}

// Stats returns a copy of the running memory statistics.
func (o *Optimizer) Stats() models.MemoryStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// ResetStats zeroes every running counter.
func (o *Optimizer) ResetStats() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats = models.MemoryStats{}
	o.recommendedSize = o.maxBatchSize
}

// Cleanup releases pooled buffers and stamps the statistics. Safe to call
// any number of times.
func (o *Optimizer) Cleanup() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.bufferPool = &sync.Pool{
		New: func() interface{} { return new(bytes.Buffer) },
	}
	o.stats.LastCleanup = time.Now()
	if !o.cleanedUp {
		o.cleanedUp = true
		o.log.WithComponent("batch_optimizer").Info("released pooled buffers")
	}
}
