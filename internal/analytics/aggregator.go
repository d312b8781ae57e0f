package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/kafka"
)

// maxLatencySamples bounds the latency reservoir; older samples are
// overwritten.
const maxLatencySamples = 100000

type AggregatedStats struct {
	TotalAttributions  int64        `json:"total_attributions"`
	CacheHits          int64        `json:"cache_hits"`
	CacheMisses        int64        `json:"cache_misses"`
	ZeroResultCount    int64        `json:"zero_result_count"`
	TimeoutCount       int64        `json:"timeout_count"`
	ErrorCount         int64        `json:"error_count"`
	TotalSpans         int64        `json:"total_spans"`
	AvgSpansPerRequest float64      `json:"avg_spans_per_request"`
	AvgLatencyMs       float64      `json:"avg_latency_ms"`
	P50LatencyMs       int64        `json:"p50_latency_ms"`
	P95LatencyMs       int64        `json:"p95_latency_ms"`
	P99LatencyMs       int64        `json:"p99_latency_ms"`
	TopIndexes         []IndexCount `json:"top_indexes"`
	IndexStates        []IndexState `json:"index_states"`
	RequestsPerMinute  float64      `json:"requests_per_minute"`
}

type IndexCount struct {
	Index string `json:"index"`
	Count int64  `json:"count"`
}

type IndexState struct {
	Index     string    `json:"index"`
	State     string    `json:"state"`
	Documents int64     `json:"documents"`
	ChangedAt time.Time `json:"changed_at"`
}

// Aggregator folds attribution events into running statistics. Events come
// from a Kafka consumer, or directly through Track when the service runs
// without Kafka.
type Aggregator struct {
	mu                sync.RWMutex
	totalAttributions atomic.Int64
	cacheHits         atomic.Int64
	cacheMisses       atomic.Int64
	zeroResults       atomic.Int64
	timeouts          atomic.Int64
	errorsTotal       atomic.Int64
	totalSpans        atomic.Int64
	latencies         []int64
	next              int
	indexCounts       map[string]int64
	indexStates       map[string]IndexState
	startTime         time.Time

	consumer *kafka.Consumer
	logger   *slog.Logger
}

func NewAggregator(consumer *kafka.Consumer) *Aggregator {
	return &Aggregator{
		latencies:   make([]int64, 0, 10000),
		indexCounts: make(map[string]int64),
		indexStates: make(map[string]IndexState),
		startTime:   time.Now(),
		consumer:    consumer,
		logger:      slog.Default().With("component", "analytics-aggregator"),
	}
}

// SetConsumer attaches the Kafka consumer feeding the aggregator. The
// consumer is usually built with HandleEvent(a), so it cannot exist before
// the aggregator.
func (a *Aggregator) SetConsumer(consumer *kafka.Consumer) {
	a.consumer = consumer
}

// Start consumes events until ctx is cancelled. Without a consumer it only
// waits for ctx.
func (a *Aggregator) Start(ctx context.Context) error {
	a.logger.Info("analytics aggregator starting")
	if a.consumer == nil {
		<-ctx.Done()
		return nil
	}
	return a.consumer.Start(ctx)
}

func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		env, err := kafka.DecodeJSON[envelope](value)
		if err != nil {
			agg.logger.Error("failed to decode analytics event", "error", err)
			return kafka.ErrSkip
		}
		switch env.Type {
		case EventIndexState:
			event, err := kafka.DecodeJSON[IndexEvent](value)
			if err != nil {
				agg.logger.Error("failed to decode index event", "error", err)
				return kafka.ErrSkip
			}
			agg.recordIndexEvent(event)
		case EventAttribution, EventCacheHit, EventZeroResult:
			event, err := kafka.DecodeJSON[AttributionEvent](value)
			if err != nil {
				agg.logger.Error("failed to decode attribution event", "error", err)
				return kafka.ErrSkip
			}
			agg.recordAttributionEvent(event)
		default:
			agg.logger.Warn("unknown analytics event type", "type", env.Type)
		}
		return nil
	}
}

// Track records an event in-process.
func (a *Aggregator) Track(event any) {
	switch e := event.(type) {
	case AttributionEvent:
		a.recordAttributionEvent(e)
	case IndexEvent:
		a.recordIndexEvent(e)
	}
}

func (a *Aggregator) recordAttributionEvent(event AttributionEvent) {
	a.totalAttributions.Add(1)
	if event.CacheHit {
		a.cacheHits.Add(1)
	} else {
		a.cacheMisses.Add(1)
	}
	switch event.Outcome {
	case "timeout":
		a.timeouts.Add(1)
	case "error", "invalid":
		a.errorsTotal.Add(1)
	}
	if event.Outcome == "empty" || event.Type == EventZeroResult {
		a.zeroResults.Add(1)
	}
	a.totalSpans.Add(int64(event.Spans))

	a.mu.Lock()
	if len(a.latencies) < maxLatencySamples {
		a.latencies = append(a.latencies, event.LatencyMs)
	} else {
		a.latencies[a.next] = event.LatencyMs
		a.next = (a.next + 1) % maxLatencySamples
	}
	a.indexCounts[event.Index]++
	a.mu.Unlock()
}

func (a *Aggregator) recordIndexEvent(event IndexEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.indexStates[event.Index] = IndexState{
		Index:     event.Index,
		State:     event.State,
		Documents: event.Documents,
		ChangedAt: event.Timestamp,
	}
}

func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalAttributions: a.totalAttributions.Load(),
		CacheHits:         a.cacheHits.Load(),
		CacheMisses:       a.cacheMisses.Load(),
		ZeroResultCount:   a.zeroResults.Load(),
		TimeoutCount:      a.timeouts.Load(),
		ErrorCount:        a.errorsTotal.Load(),
		TotalSpans:        a.totalSpans.Load(),
	}
	if stats.TotalAttributions > 0 {
		stats.AvgSpansPerRequest = float64(stats.TotalSpans) / float64(stats.TotalAttributions)
	}
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	stats.TopIndexes = topN(a.indexCounts, 10)
	stats.IndexStates = make([]IndexState, 0, len(a.indexStates))
	for _, st := range a.indexStates {
		stats.IndexStates = append(stats.IndexStates, st)
	}
	sort.Slice(stats.IndexStates, func(i, j int) bool {
		return stats.IndexStates[i].Index < stats.IndexStates[j].Index
	})
	elapsed := time.Since(a.startTime).Minutes()
	if elapsed > 0 {
		stats.RequestsPerMinute = float64(stats.TotalAttributions) / elapsed
	}

	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func topN(counts map[string]int64, n int) []IndexCount {
	result := make([]IndexCount, 0, len(counts))
	for index, count := range counts {
		result = append(result, IndexCount{Index: index, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Index < result[j].Index
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
