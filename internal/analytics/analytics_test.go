package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/kafka"
)

func TestAggregatorStats(t *testing.T) {
	agg := NewAggregator(nil)
	agg.Track(AttributionEvent{Type: EventAttribution, Index: "tulu", Outcome: "ok", Spans: 3, LatencyMs: 10})
	agg.Track(AttributionEvent{Type: EventCacheHit, Index: "tulu", Outcome: "ok", Spans: 1, LatencyMs: 2, CacheHit: true})
	agg.Track(AttributionEvent{Type: EventZeroResult, Index: "olmo", Outcome: "empty", LatencyMs: 30})
	agg.Track(AttributionEvent{Type: EventAttribution, Index: "olmo", Outcome: "timeout", LatencyMs: 40})
	agg.Track(AttributionEvent{Type: EventAttribution, Index: "tulu", Outcome: "invalid", LatencyMs: 1})
	agg.Track(IndexEvent{Type: EventIndexState, Index: "tulu", State: "ready", Documents: 42})
	agg.Track("ignored")

	s := agg.Stats()
	assert.Equal(t, int64(5), s.TotalAttributions)
	assert.Equal(t, int64(1), s.CacheHits)
	assert.Equal(t, int64(4), s.CacheMisses)
	assert.Equal(t, int64(1), s.ZeroResultCount)
	assert.Equal(t, int64(1), s.TimeoutCount)
	assert.Equal(t, int64(1), s.ErrorCount)
	assert.Equal(t, int64(4), s.TotalSpans)
	assert.InDelta(t, 0.8, s.AvgSpansPerRequest, 1e-9)
	assert.InDelta(t, 16.6, s.AvgLatencyMs, 1e-9)
	assert.Equal(t, int64(10), s.P50LatencyMs)
	assert.Equal(t, int64(40), s.P99LatencyMs)
	assert.Equal(t, []IndexCount{{Index: "tulu", Count: 3}, {Index: "olmo", Count: 2}}, s.TopIndexes)
	require.Len(t, s.IndexStates, 1)
	assert.Equal(t, "ready", s.IndexStates[0].State)
	assert.Equal(t, int64(42), s.IndexStates[0].Documents)
}

func TestAggregatorEmptyStats(t *testing.T) {
	s := NewAggregator(nil).Stats()
	assert.Zero(t, s.TotalAttributions)
	assert.Zero(t, s.AvgLatencyMs)
	assert.Empty(t, s.TopIndexes)
	assert.NotNil(t, s.IndexStates)
}

func TestHandleEvent(t *testing.T) {
	agg := NewAggregator(nil)
	handle := HandleEvent(agg)
	ctx := context.Background()

	attr, err := json.Marshal(AttributionEvent{Type: EventAttribution, Index: "tulu", Outcome: "ok", Spans: 2})
	require.NoError(t, err)
	state, err := json.Marshal(IndexEvent{Type: EventIndexState, Index: "tulu", State: "corrupt"})
	require.NoError(t, err)

	require.NoError(t, handle(ctx, []byte("tulu"), attr))
	require.NoError(t, handle(ctx, []byte("tulu"), state))
	require.NoError(t, handle(ctx, nil, []byte(`{"type":"something_else"}`)))
	assert.ErrorIs(t, handle(ctx, nil, []byte("{")), kafka.ErrSkip)

	s := agg.Stats()
	assert.Equal(t, int64(1), s.TotalAttributions)
	assert.Equal(t, int64(2), s.TotalSpans)
	require.Len(t, s.IndexStates, 1)
	assert.Equal(t, "corrupt", s.IndexStates[0].State)
}

func TestAggregatorStartWithoutConsumer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewAggregator(nil).Start(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}

func TestPercentile(t *testing.T) {
	sorted := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, int64(6), percentile(sorted, 50))
	assert.Equal(t, int64(10), percentile(sorted, 99))
	assert.Zero(t, percentile(nil, 50))
}

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	err     error
}

func (p *fakePublisher) Publish(ctx context.Context, e kafka.Event) error {
	return p.PublishBatch(ctx, []kafka.Event{e})
}

func (p *fakePublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]kafka.Event(nil), events...))
	return p.err
}

func (p *fakePublisher) events() []kafka.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []kafka.Event
	for _, b := range p.batches {
		out = append(out, b...)
	}
	return out
}

func TestCollectorFlushesOnClose(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, 10)
	c.Start(context.Background())

	c.Track(AttributionEvent{Index: "tulu"})
	c.Track(IndexEvent{Index: "olmo"})
	c.Track("raw")
	c.Close()

	events := pub.events()
	require.Len(t, events, 3)
	assert.Equal(t, "tulu", events[0].Key)
	assert.Equal(t, "olmo", events[1].Key)
	assert.Equal(t, "analytics", events[2].Key)
}

func TestCollectorFlushesFullBatch(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, 10)
	c.batchSize = 2
	c.flushInterval = time.Hour
	c.Start(context.Background())
	defer c.Close()

	c.Track(AttributionEvent{Index: "a"})
	c.Track(AttributionEvent{Index: "b"})
	assert.Eventually(t, func() bool { return len(pub.events()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestCollectorDrainsOnCancel(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	c := NewCollector(pub, 10)
	c.flushInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	c.Track(AttributionEvent{Index: "a"})
	c.Track(AttributionEvent{Index: "b"})
	c.Start(ctx)
	cancel()
	<-c.done
	assert.Len(t, pub.events(), 2)
}

func TestCollectorDropsWhenFull(t *testing.T) {
	c := NewCollector(&fakePublisher{}, 1)
	c.Track(AttributionEvent{Index: "a"})
	c.Track(AttributionEvent{Index: "b"})
	assert.Equal(t, 1, c.Buffered())
}

type fakeLister struct {
	snapshots []AggregatedStats
	err       error
	limit     int
}

func (l *fakeLister) ListSnapshots(_ context.Context, limit int) ([]AggregatedStats, error) {
	l.limit = limit
	return l.snapshots, l.err
}

func TestHandlerStats(t *testing.T) {
	agg := NewAggregator(nil)
	agg.Track(AttributionEvent{Index: "tulu", Outcome: "ok"})
	lister := &fakeLister{snapshots: []AggregatedStats{{TotalAttributions: 7}}}
	h := NewHandler(agg, lister)

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var live AggregatedStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &live))
	assert.Equal(t, int64(1), live.TotalAttributions)

	rec = httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics?history=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var history []AggregatedStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Equal(t, int64(7), history[0].TotalAttributions)
	assert.Equal(t, 5, lister.limit)
}

func TestHandlerHistoryErrors(t *testing.T) {
	agg := NewAggregator(nil)
	tests := []struct {
		name    string
		history SnapshotLister
		query   string
		code    int
	}{
		{name: "not a number", history: &fakeLister{}, query: "history=abc", code: http.StatusBadRequest},
		{name: "too large", history: &fakeLister{}, query: "history=5000", code: http.StatusBadRequest},
		{name: "disabled", history: nil, query: "history=1", code: http.StatusNotFound},
		{name: "store failure", history: &fakeLister{err: errors.New("db down")}, query: "history=1", code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHandler(agg, tt.history).Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics?"+tt.query, nil))
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestTeeForwardsToEveryTracker(t *testing.T) {
	a, b := NewAggregator(nil), NewAggregator(nil)
	Tee{a, b}.Track(AttributionEvent{Index: "tulu"})
	assert.Equal(t, int64(1), a.Stats().TotalAttributions)
	assert.Equal(t, int64(1), b.Stats().TotalAttributions)
}
