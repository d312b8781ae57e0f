package attribution

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/tracing"
)

// IndexSource resolves index names to loaded indexes.
type IndexSource interface {
	Get(name string) (*corpus.Index, error)
	MarkCorrupt(name string, idx *corpus.Index, cause error)
}

// Tracker receives analytics events.
type Tracker interface {
	Track(event any)
}

// Service runs attributions against named indexes. It holds no per-request
// state; every call is a pure function of the index snapshot and the request.
type Service struct {
	indexes  IndexSource
	finder   *Finder
	resolver *resolver
	defaults Params
	timeout  time.Duration
	metrics  *metrics.Metrics
	tracker  Tracker
	logger   *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMetrics records attribution metrics.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithTracker emits an analytics event per attribution.
func WithTracker(t Tracker) ServiceOption {
	return func(s *Service) { s.tracker = t }
}

// WithOverlay supplements document metadata from an external store.
func WithOverlay(o DocumentOverlay) ServiceOption {
	return func(s *Service) { s.resolver.overlay = o }
}

// WithLogger sets a custom logger.
// Default is slog.Default() with component "attribution".
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
			s.resolver.logger = l
		}
	}
}

// NewService creates a Service using the request defaults and tuning from
// cfg. The caller owns finder and must release it after the service is done.
func NewService(indexes IndexSource, finder *Finder, cfg config.AttributionConfig, opts ...ServiceOption) (*Service, error) {
	defaults := DefaultParams(cfg)
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid attribution defaults: %w", err)
	}
	log := slog.Default().With("component", "attribution")
	s := &Service{
		indexes: indexes,
		finder:  finder,
		resolver: &resolver{
			concurrency: cfg.ResolverConcurrency,
			oversample:  cfg.LocateOversample,
			logger:      log,
		},
		defaults: defaults,
		timeout:  cfg.RequestTimeout,
		logger:   log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Defaults returns the configured request defaults.
func (s *Service) Defaults() Params {
	return s.defaults
}

// Params resolves and validates a request against the configured defaults.
func (s *Service) Params(req *Request) (Params, error) {
	return req.Resolve(s.defaults)
}

// Attribute resolves the named index and attributes text under p. It enforces
// the configured deadline unless ctx already carries a shorter one. On any
// error no partial result is returned.
func (s *Service) Attribute(ctx context.Context, index string, text string, p Params) (*Result, error) {
	start := time.Now()
	idx, err := s.indexes.Get(index)
	if err != nil {
		return nil, err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	ctx, span := tracing.StartChildSpan(ctx, "attribution")
	span.SetAttr("index", index)
	res, err := s.Compute(ctx, idx, text, p)
	span.End()

	latency := time.Since(start)
	outcome := outcomeOf(res, err)
	if s.metrics != nil {
		s.metrics.AttributionRequestsTotal.WithLabelValues(index, outcome).Inc()
		s.metrics.AttributionLatency.WithLabelValues(index, "miss").Observe(latency.Seconds())
	}
	log := logger.FromContext(ctx).With("component", "attribution")

	if err != nil {
		if IsCorruption(err) {
			s.indexes.MarkCorrupt(index, idx, err)
			err = fmt.Errorf("%w: index %s: %w", apperrors.ErrInternal, index, err)
		}
		log.Error("attribution failed",
			"index", index,
			"outcome", outcome,
			"latency_ms", latency.Milliseconds(),
			"error", err,
		)
		s.track(ctx, index, text, nil, outcome, latency)
		return nil, err
	}

	top, nested := res.SpanCount()
	if s.metrics != nil {
		s.metrics.SpansPerResponse.WithLabelValues(index).Observe(float64(top))
	}
	span.SetAttr("spans", top)
	log.Info("attribution completed",
		"index", index,
		"response_chars", len([]rune(text)),
		"spans", top,
		"nested_spans", nested,
		"documents", len(res.Documents),
		"latency_ms", latency.Milliseconds(),
	)
	s.track(ctx, index, text, res, outcome, latency)
	return res, nil
}

// Compute runs the attribution pipeline on idx. It is deterministic: the
// same index and inputs always produce the same result.
func (s *Service) Compute(ctx context.Context, idx *corpus.Index, text string, p Params) (*Result, error) {
	if idx == nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInternal, ErrNilIndex)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := checkDeadline(ctx, "start"); err != nil {
		return nil, err
	}
	q := newQueryText(text)
	empty := &Result{Index: idx.Name(), Spans: []Span{}, Documents: []ResultDocument{}}
	if q.Len() == 0 || q.Len() < p.MinimumSpanLength {
		return empty, nil
	}

	var cands []candidate
	err := s.stage(ctx, "find", func(ctx context.Context) error {
		var err error
		cands, err = s.finder.find(ctx, idx, q, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	cands = filterCandidates(cands, p)
	if len(cands) == 0 {
		return empty, nil
	}

	var sel []selection
	err = s.stage(ctx, "rank", func(ctx context.Context) error {
		ranked, err := rankCandidates(cands, p.SpanRankingMethod)
		if err != nil {
			return err
		}
		sel, err = selectSpans(ctx, ranked, q.Len(), p.MaximumSpanDensity)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(sel) == 0 {
		return empty, nil
	}

	var top [][]DocumentMatch
	var nested [][][]DocumentMatch
	err = s.stage(ctx, "resolve", func(ctx context.Context) error {
		var err error
		top, nested, err = s.resolver.resolve(ctx, idx, sel, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := checkDeadline(ctx, "assembly"); err != nil {
		return nil, err
	}
	return assemble(idx.Name(), q, sel, top, nested), nil
}

// stage runs fn as a traced and timed pipeline stage.
func (s *Service) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := tracing.StartChildSpan(ctx, name)
	err := fn(ctx)
	span.End()
	if s.metrics != nil {
		s.metrics.AttributionStageLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	s.logger.Debug("attribution stage done", "stage", name, "duration", time.Since(start), "error", err)
	return err
}

func (s *Service) track(ctx context.Context, index, text string, res *Result, outcome string, latency time.Duration) {
	if s.tracker == nil {
		return
	}
	ev := analytics.AttributionEvent{
		Type:          analytics.EventAttribution,
		Index:         index,
		ResponseChars: len([]rune(text)),
		Outcome:       outcome,
		LatencyMs:     latency.Milliseconds(),
		Timestamp:     time.Now().UTC(),
		RequestID:     logger.RequestID(ctx),
	}
	if res != nil {
		ev.Spans, ev.NestedSpans = res.SpanCount()
		ev.Documents = len(res.Documents)
		if ev.Spans == 0 {
			ev.Type = analytics.EventZeroResult
		}
	}
	s.tracker.Track(ev)
}

func outcomeOf(res *Result, err error) string {
	var verr *ValidationError
	switch {
	case err == nil && len(res.Spans) == 0:
		return "empty"
	case err == nil:
		return "ok"
	case errors.As(err, &verr):
		return "invalid"
	case errors.Is(err, apperrors.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// assemble builds the result from accepted spans and their documents. Top
// level spans keep rank order; nested spans are ordered by start offset.
// Documents are deduplicated across spans, scored by the sum of their
// per-span scores and ordered by descending score, then id. Span indices and
// span texts of a document are each kept unique.
func assemble(index string, q *queryText, sel []selection, top [][]DocumentMatch, nested [][][]DocumentMatch) *Result {
	res := &Result{Index: index, Spans: make([]Span, len(sel))}
	for i, s := range sel {
		span := Span{
			StartIndex: s.start,
			EndIndex:   s.end,
			Text:       q.substr(s.start, s.end),
			Frequency:  s.count,
			Documents:  top[i],
		}
		order := make([]int, len(s.nested))
		for j := range order {
			order[j] = j
		}
		slices.SortFunc(order, func(a, b int) int {
			return cmp.Compare(s.nested[a].start, s.nested[b].start)
		})
		for _, j := range order {
			n := s.nested[j]
			span.NestedSpans = append(span.NestedSpans, Span{
				StartIndex: n.start,
				EndIndex:   n.end,
				Text:       q.substr(n.start, n.end),
				Frequency:  n.count,
				Documents:  nested[i][j],
			})
		}
		res.Spans[i] = span
	}

	byID := make(map[int64]int)
	add := func(m DocumentMatch, spanIdx int, text string) {
		k, ok := byID[m.DocumentID]
		if !ok {
			byID[m.DocumentID] = len(res.Documents)
			res.Documents = append(res.Documents, ResultDocument{
				DocumentID:             m.DocumentID,
				RelevanceScore:         m.RelevanceScore,
				CorrespondingSpans:     []int{spanIdx},
				CorrespondingSpanTexts: []string{text},
				Snippets:               []string{m.TextSnippet},
				TextLong:               m.TextLong,
				Document:               m.Document,
			})
			return
		}
		d := &res.Documents[k]
		d.RelevanceScore = roundScore(d.RelevanceScore + m.RelevanceScore)
		if !slices.Contains(d.CorrespondingSpanTexts, text) {
			d.CorrespondingSpanTexts = append(d.CorrespondingSpanTexts, text)
		}
		if !slices.Contains(d.CorrespondingSpans, spanIdx) {
			d.CorrespondingSpans = append(d.CorrespondingSpans, spanIdx)
		}
		if !slices.Contains(d.Snippets, m.TextSnippet) {
			d.Snippets = append(d.Snippets, m.TextSnippet)
		}
	}
	for i, span := range res.Spans {
		for _, m := range span.Documents {
			add(m, i, span.Text)
		}
		for _, n := range span.NestedSpans {
			for _, m := range n.Documents {
				add(m, i, n.Text)
			}
		}
	}
	if res.Documents == nil {
		res.Documents = []ResultDocument{}
	}
	slices.SortStableFunc(res.Documents, func(a, b ResultDocument) int {
		if c := cmp.Compare(b.RelevanceScore, a.RelevanceScore); c != 0 {
			return c
		}
		return cmp.Compare(a.DocumentID, b.DocumentID)
	})
	return res
}
