package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsPipeline   int64
	errorsConnection int64
	warnsPipeline    int64
	warnsConnection  int64
	quoteReads       int64
	cacheWrites      int64
	broadcasts       int64
	channels         sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "pipeline") {
		atomic.AddInt64(&warnsPipeline, 1)
	} else if strings.Contains(component, "connection") {
		atomic.AddInt64(&warnsConnection, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "pipeline") {
		atomic.AddInt64(&errorsPipeline, 1)
	} else if strings.Contains(component, "connection") {
		atomic.AddInt64(&errorsConnection, 1)
	}
}

// IncrementQuoteRead records one inbound quote message of the given size.
func IncrementQuoteRead(size int) {
	atomic.AddInt64(&quoteReads, 1)
	recordChannel("quote_stream", size)
}

// IncrementCacheWrite records one write to the tiered cache.
func IncrementCacheWrite(size int) {
	atomic.AddInt64(&cacheWrites, 1)
	recordChannel("cache_write", size)
}

// IncrementBroadcast records one broadcast fan-out of the given size.
func IncrementBroadcast(size int) {
	atomic.AddInt64(&broadcasts, 1)
	recordChannel("broadcast", size)
}

// RecordChannelMessage records a message on an arbitrary named channel.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	memUsedMB := int64(0)
	if memStats != nil {
		memUsedMB = int64(memStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"errors_pipeline":   atomic.LoadInt64(&errorsPipeline),
		"errors_connection": atomic.LoadInt64(&errorsConnection),
		"warns_pipeline":    atomic.LoadInt64(&warnsPipeline),
		"warns_connection":  atomic.LoadInt64(&warnsConnection),
		"quote_reads":       atomic.LoadInt64(&quoteReads),
		"cache_writes":      atomic.LoadInt64(&cacheWrites),
		"broadcasts":        atomic.LoadInt64(&broadcasts),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         memUsedMB,
		"channels":          channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsedMB))},
		cwtypes.MetricDatum{MetricName: aws.String("PipelineErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsPipeline)))},
		cwtypes.MetricDatum{MetricName: aws.String("ConnectionErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsConnection)))},
		cwtypes.MetricDatum{MetricName: aws.String("QuoteReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&quoteReads)))},
		cwtypes.MetricDatum{MetricName: aws.String("CacheWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&cacheWrites)))},
		cwtypes.MetricDatum{MetricName: aws.String("Broadcasts"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&broadcasts)))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
