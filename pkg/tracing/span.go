// Package tracing records per-request span trees through Go contexts. The
// attribution pipeline opens one child span per stage; a sampled tree is
// logged as a single structured record when its root finishes.
package tracing

import (
	"context"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"
	"time"
)

type spanKey struct{}

// Span is a timed operation within a trace. Children may be added
// concurrently by pipeline stages running in parallel.
type Span struct {
	Name    string
	TraceID string
	Start   time.Time

	mu       sync.Mutex
	duration time.Duration
	ended    bool
	children []*Span
	attrs    map[string]any
	sampled  bool
}

// Sampler decides which root spans are logged.
type Sampler struct {
	enabled bool
	rate    float64
}

// NewSampler returns a sampler logging the given fraction of traces, clamped
// to [0,1]. A disabled sampler never logs.
func NewSampler(enabled bool, rate float64) *Sampler {
	return &Sampler{enabled: enabled, rate: min(max(rate, 0), 1)}
}

// Sample reports whether a new trace should be logged. A nil sampler never
// samples.
func (s *Sampler) Sample() bool {
	if s == nil || !s.enabled || s.rate == 0 {
		return false
	}
	return s.rate >= 1 || rand.Float64() < s.rate
}

func newSpan(name, traceID string, sampled bool) *Span {
	return &Span{Name: name, TraceID: traceID, Start: time.Now(), sampled: sampled}
}

// StartSpan creates a sampled root span and stores it in the returned
// context.
func StartSpan(ctx context.Context, name string, traceID string) (context.Context, *Span) {
	span := newSpan(name, traceID, true)
	return context.WithValue(ctx, spanKey{}, span), span
}

// StartSampledSpan creates a root span that is only logged when s selects it.
func StartSampledSpan(ctx context.Context, s *Sampler, name string, traceID string) (context.Context, *Span) {
	span := newSpan(name, traceID, s.Sample())
	return context.WithValue(ctx, spanKey{}, span), span
}

// StartChildSpan creates a span under the one in ctx. Without a parent the
// span is detached and never logged.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent := SpanFromContext(ctx)
	if parent == nil {
		span := newSpan(name, "", false)
		return context.WithValue(ctx, spanKey{}, span), span
	}
	child := newSpan(name, parent.TraceID, parent.sampled)
	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.mu.Unlock()
	return context.WithValue(ctx, spanKey{}, child), child
}

// End fixes the span duration. Later calls are no-ops.
func (s *Span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.duration = time.Since(s.Start)
		s.ended = true
	}
}

func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs == nil {
		s.attrs = make(map[string]any)
	}
	s.attrs[key] = value
}

// Attr returns the attribute set under key.
func (s *Span) Attr(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	return v, ok
}

// Children returns a snapshot of the direct children.
func (s *Span) Children() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.children)
}

// Sampled reports whether the span's trace will be logged.
func (s *Span) Sampled() bool {
	return s.sampled
}

// SpanFromContext returns the current span of ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(spanKey{}).(*Span)
	return span
}

// Finish ends the span and, when sampled, logs the whole tree as one record.
func (s *Span) Finish(logger *slog.Logger) {
	s.End()
	if !s.sampled {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("trace", "trace_id", s.TraceID, "span", s)
}

// LogValue renders the span as a group of its timing, attributes and
// children. Children are keyed by position and name so siblings with equal
// names stay distinct.
func (s *Span) LogValue() slog.Value {
	s.mu.Lock()
	attrs := []slog.Attr{
		slog.String("name", s.Name),
		slog.Float64("ms", float64(s.duration.Microseconds())/1000),
	}
	for _, k := range slices.Sorted(maps.Keys(s.attrs)) {
		attrs = append(attrs, slog.Any(k, s.attrs[k]))
	}
	children := slices.Clone(s.children)
	s.mu.Unlock()

	for i, c := range children {
		attrs = append(attrs, slog.Any(strconv.Itoa(i)+"_"+c.Name, c))
	}
	return slog.GroupValue(attrs...)
}
