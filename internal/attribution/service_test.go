package attribution

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rivo/uniseg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/corpus"
	apperrors "github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/errors"
)

type recordingTracker struct {
	mu     sync.Mutex
	events []analytics.AttributionEvent
}

func (r *recordingTracker) Track(event any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := event.(analytics.AttributionEvent); ok {
		r.events = append(r.events, ev)
	}
}

var foxCorpus = []string{
	"the quick brown fox jumps over the lazy dog",
	"a quick brown fox is rare",
	"lazy afternoons are long",
}

func TestNestedSpansReferToParent(t *testing.T) {
	idx := buildIndex(t, "fox", foxCorpus...)
	svc := newTestService(t, newStaticSource(idx), 4)
	p := withParams(func(p *Params) { p.MaximumSpanDensity = 1 })

	res, err := svc.Compute(context.Background(), idx, "the quick brown fox naps", p)
	require.NoError(t, err)
	require.Len(t, res.Spans, 1)

	top := res.Spans[0]
	assert.Equal(t, "the quick brown fox", top.Text)
	assert.Equal(t, 0, top.StartIndex)
	assert.Equal(t, 19, top.EndIndex)
	assert.Equal(t, int64(1), top.Frequency)
	require.Len(t, top.NestedSpans, 1)
	assert.Equal(t, "quick brown fox", top.NestedSpans[0].Text)
	assert.Equal(t, int64(2), top.NestedSpans[0].Frequency)

	require.Len(t, res.Documents, 2)
	assert.Equal(t, int64(0), res.Documents[0].DocumentID)
	assert.Equal(t, []int{0}, res.Documents[0].CorrespondingSpans)
	assert.Equal(t, []string{"the quick brown fox", "quick brown fox"}, res.Documents[0].CorrespondingSpanTexts)
	assert.Equal(t, int64(1), res.Documents[1].DocumentID)
	assert.Equal(t, []int{0}, res.Documents[1].CorrespondingSpans)
	assert.Equal(t, []string{"quick brown fox"}, res.Documents[1].CorrespondingSpanTexts)
	assert.Greater(t, res.Documents[0].RelevanceScore, res.Documents[1].RelevanceScore)
}

func TestUnrelatedCorpusYieldsEmptyResult(t *testing.T) {
	idx := buildIndex(t, "lorem", "Lorem ipsum dolor sit amet, consectetur adipiscing elit")
	svc := newTestService(t, newStaticSource(idx), 4)
	p := withParams(func(p *Params) {
		p.MinimumSpanLength = 3
		p.MaximumSpanDensity = 1
	})

	res, err := svc.Attribute(context.Background(), "lorem", "The quick brown fox jumps over the lazy dog.", p)
	require.NoError(t, err)
	assert.Equal(t, "lorem", res.Index)
	assert.Empty(t, res.Spans)
	assert.NotNil(t, res.Spans)
	assert.Empty(t, res.Documents)
	assert.NotNil(t, res.Documents)
}

func TestRareSpanRanksAheadOfCommon(t *testing.T) {
	docs := make([]string, 0, 501)
	for i := 0; i < 500; i++ {
		docs = append(docs, fmt.Sprintf("entry %d shares a common phrase here", i))
	}
	docs = append(docs, "only one has a unique marker text")
	idx := buildIndex(t, "tulu-3-8b", docs...)
	svc := newTestService(t, newStaticSource(idx), 4)
	p := withParams(func(p *Params) {
		p.MaximumFrequency = 1000
		p.MaximumSpanDensity = 1
	})

	res, err := svc.Attribute(context.Background(), "tulu-3-8b", "common phrase here. unique marker text", p)
	require.NoError(t, err)
	require.Len(t, res.Spans, 2)
	assert.Equal(t, "unique marker text", res.Spans[0].Text)
	assert.Equal(t, int64(1), res.Spans[0].Frequency)
	assert.Equal(t, 20, res.Spans[0].StartIndex)
	assert.Equal(t, "common phrase here", res.Spans[1].Text)
	assert.Equal(t, int64(500), res.Spans[1].Frequency)
	assert.Len(t, res.Spans[1].Documents, 10)
	require.Len(t, res.Spans[0].Documents, 1)
	assert.Equal(t, int64(500), res.Spans[0].Documents[0].DocumentID)
}

func TestBoundaryParameters(t *testing.T) {
	idx := buildIndex(t, "fox", foxCorpus...)
	svc := newTestService(t, newStaticSource(idx), 2)
	text := "the quick brown fox naps"

	t.Run("zero density", func(t *testing.T) {
		res, err := svc.Compute(context.Background(), idx, text, withParams(func(p *Params) { p.MaximumSpanDensity = 0 }))
		require.NoError(t, err)
		assert.Empty(t, res.Spans)
	})
	t.Run("zero frequency", func(t *testing.T) {
		res, err := svc.Compute(context.Background(), idx, text, withParams(func(p *Params) {
			p.MaximumSpanDensity = 1
			p.MaximumFrequency = 0
		}))
		require.NoError(t, err)
		assert.Empty(t, res.Spans)
	})
	t.Run("query shorter than minimum length", func(t *testing.T) {
		res, err := svc.Compute(context.Background(), idx, "fox", withParams(func(p *Params) { p.MaximumSpanDensity = 1 }))
		require.NoError(t, err)
		assert.Empty(t, res.Spans)
	})
	t.Run("empty query", func(t *testing.T) {
		res, err := svc.Compute(context.Background(), idx, "", withParams(func(p *Params) { p.MinimumSpanLength = 0 }))
		require.NoError(t, err)
		assert.Empty(t, res.Spans)
	})
	t.Run("zero documents per span", func(t *testing.T) {
		res, err := svc.Compute(context.Background(), idx, text, withParams(func(p *Params) {
			p.MaximumSpanDensity = 1
			p.MaximumDocumentsPerSpan = 0
		}))
		require.NoError(t, err)
		require.NotEmpty(t, res.Spans)
		for _, s := range res.Spans {
			assert.Empty(t, s.Documents)
		}
		assert.Empty(t, res.Documents)
	})
	t.Run("invalid params", func(t *testing.T) {
		_, err := svc.Compute(context.Background(), idx, text, withParams(func(p *Params) { p.MaximumSpanDensity = 2 }))
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestComputeNilIndex(t *testing.T) {
	svc := newTestService(t, newStaticSource(), 1)
	_, err := svc.Compute(context.Background(), nil, "anything at all", withParams(nil))
	assert.ErrorIs(t, err, ErrNilIndex)
	assert.ErrorIs(t, err, apperrors.ErrInternal)
}

func TestAttributeUnknownIndex(t *testing.T) {
	svc := newTestService(t, newStaticSource(), 1)
	_, err := svc.Attribute(context.Background(), "missing", "anything at all", withParams(nil))
	assert.ErrorIs(t, err, apperrors.ErrIndexNotFound)
	assert.Equal(t, 404, apperrors.HTTPStatusCode(err))
}

func TestAttributeExpiredDeadline(t *testing.T) {
	idx := buildIndex(t, "fox", foxCorpus...)
	tracker := &recordingTracker{}
	svc := newTestService(t, newStaticSource(idx), 2, WithTracker(tracker))

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	res, err := svc.Attribute(ctx, "fox", "the quick brown fox naps", withParams(nil))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.Equal(t, 408, apperrors.HTTPStatusCode(err))

	require.Len(t, tracker.events, 1)
	assert.Equal(t, "timeout", tracker.events[0].Outcome)
}

func TestAttributeTracksOutcome(t *testing.T) {
	idx := buildIndex(t, "fox", foxCorpus...)
	tracker := &recordingTracker{}
	svc := newTestService(t, newStaticSource(idx), 2, WithTracker(tracker))

	_, err := svc.Attribute(context.Background(), "fox", "the quick brown fox naps", withParams(func(p *Params) { p.MaximumSpanDensity = 1 }))
	require.NoError(t, err)
	_, err = svc.Attribute(context.Background(), "fox", "the quick brown fox naps", withParams(nil))
	require.NoError(t, err)

	require.Len(t, tracker.events, 2)
	assert.Equal(t, analytics.EventAttribution, tracker.events[0].Type)
	assert.Equal(t, "ok", tracker.events[0].Outcome)
	assert.Equal(t, 1, tracker.events[0].Spans)
	assert.Equal(t, 1, tracker.events[0].NestedSpans)
	assert.Equal(t, 2, tracker.events[0].Documents)
	assert.Equal(t, 24, tracker.events[0].ResponseChars)
	assert.Equal(t, analytics.EventZeroResult, tracker.events[1].Type)
	assert.Equal(t, "empty", tracker.events[1].Outcome)
}

type titleOverlay struct {
	err error
}

func (o titleOverlay) Apply(_ context.Context, _ string, docs []corpus.Document) ([]corpus.Document, error) {
	if o.err != nil {
		return nil, o.err
	}
	out := make([]corpus.Document, len(docs))
	for i, d := range docs {
		d.Title = fmt.Sprintf("doc-%d", d.ID)
		out[i] = d
	}
	return out, nil
}

func TestOverlayReplacesMetadata(t *testing.T) {
	idx := buildIndex(t, "fox", foxCorpus...)
	p := withParams(func(p *Params) { p.MaximumSpanDensity = 1 })

	svc := newTestService(t, newStaticSource(idx), 2, WithOverlay(titleOverlay{}))
	res, err := svc.Compute(context.Background(), idx, "the quick brown fox naps", p)
	require.NoError(t, err)
	assert.Equal(t, "doc-0", res.Spans[0].Documents[0].Document.Title)
	assert.Equal(t, "doc-1", res.Spans[0].NestedSpans[0].Documents[1].Document.Title)
	assert.Equal(t, "doc-0", res.Documents[0].Document.Title)

	failing := newTestService(t, newStaticSource(idx), 2, WithOverlay(titleOverlay{err: errors.New("db down")}))
	res, err = failing.Compute(context.Background(), idx, "the quick brown fox naps", p)
	require.NoError(t, err)
	assert.Empty(t, res.Spans[0].Documents[0].Document.Title)
	assert.Equal(t, "fixture", res.Spans[0].Documents[0].Document.Source)
}

// randomCorpus generates a deterministic corpus and a set of queries that
// mix fragments of corpus documents with unseen words.
func randomCorpus(t testing.TB) (*corpus.Index, []string) {
	t.Helper()
	vocab := strings.Fields("alpha beta gamma delta epsilon zeta eta theta iota kappa lambda mu " +
		"nu xi omicron pi rho sigma tau upsilon phi chi psi omega café naïve e\u0301te\u0301 über 東京 数据")
	rng := rand.New(rand.NewPCG(7, 11))
	words := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = vocab[rng.IntN(len(vocab))]
		}
		return out
	}

	docs := make([]string, 120)
	for i := range docs {
		docs[i] = strings.Join(words(8+rng.IntN(24)), " ")
	}
	idx := buildIndex(t, "random", docs...)

	queries := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		var parts []string
		for j := 0; j < 1+rng.IntN(3); j++ {
			src := strings.Fields(docs[rng.IntN(len(docs))])
			from := rng.IntN(len(src))
			to := min(len(src), from+2+rng.IntN(8))
			frag := append(words(rng.IntN(3)), src[from:to]...)
			frag = append(frag, "unseenword")
			parts = append(parts, strings.Join(frag, " "))
		}
		queries = append(queries, strings.Join(parts, ". "))
	}
	return idx, queries
}

func randomParams(rng *rand.Rand) Params {
	return withParams(func(p *Params) {
		p.MinimumSpanLength = []int{1, 3, 5, 12}[rng.IntN(4)]
		p.MaximumFrequency = []int64{1, 5, 50, 1000}[rng.IntN(4)]
		p.MaximumSpanDensity = []float64{0.05, 0.3, 1}[rng.IntN(3)]
		p.AllowSpansWithPartialWords = rng.IntN(2) == 0
		p.MaximumDocumentsPerSpan = []int{0, 1, 3, 10}[rng.IntN(4)]
	})
}

func checkSpan(t *testing.T, idx *corpus.Index, q *queryText, p Params, s Span) {
	t.Helper()
	assert.GreaterOrEqual(t, s.EndIndex-s.StartIndex, p.MinimumSpanLength, s.Text)
	assert.GreaterOrEqual(t, s.Frequency, int64(1), s.Text)
	assert.LessOrEqual(t, s.Frequency, p.MaximumFrequency, s.Text)
	assert.Equal(t, q.substr(s.StartIndex, s.EndIndex), s.Text)
	assert.Equal(t, idx.Count([]byte(s.Text)), s.Frequency, s.Text)
	assert.Equal(t, strings.TrimSpace(s.Text), s.Text)
	for _, d := range p.Delimiters {
		assert.NotContains(t, s.Text, d)
	}
	assert.LessOrEqual(t, len(s.Documents), p.MaximumDocumentsPerSpan)

	for _, m := range s.Documents {
		docText, err := idx.DocumentText(m.DocumentID)
		require.NoError(t, err)
		require.LessOrEqual(t, m.Offset+int64(len(s.Text)), int64(len(docText)))
		assert.Equal(t, s.Text, docText[m.Offset:m.Offset+int64(len(s.Text))])

		spanClusters := uniseg.GraphemeClusterCount(s.Text)
		for _, w := range []struct {
			text  string
			limit int
		}{
			{m.TextSnippet, p.MaximumContextLengthSnippet},
			{m.Text, p.MaximumContextLength},
			{m.TextLong, p.MaximumContextLengthLong},
		} {
			assert.True(t, utf8.ValidString(w.text))
			assert.Contains(t, docText, w.text)
			assert.LessOrEqual(t, uniseg.GraphemeClusterCount(w.text), w.limit)
			if spanClusters <= w.limit {
				assert.Contains(t, w.text, s.Text)
			}
		}
	}
}

func checkInvariants(t *testing.T, idx *corpus.Index, text string, p Params, res *Result) {
	t.Helper()
	q := newQueryText(text)
	covered := 0
	for i, s := range res.Spans {
		checkSpan(t, idx, q, p, s)
		covered += s.EndIndex - s.StartIndex
		for _, n := range s.NestedSpans {
			checkSpan(t, idx, q, p, n)
			assert.True(t, s.StartIndex <= n.StartIndex && n.EndIndex <= s.EndIndex,
				"nested %q outside %q", n.Text, s.Text)
		}
		for _, o := range res.Spans[i+1:] {
			assert.True(t, s.EndIndex <= o.StartIndex || o.EndIndex <= s.StartIndex,
				"%q overlaps %q", s.Text, o.Text)
		}
	}
	if q.Len() > 0 {
		assert.LessOrEqual(t, float64(covered)/float64(q.Len()), p.MaximumSpanDensity+1e-9)
	}
	for _, d := range res.Documents {
		for _, k := range d.CorrespondingSpans {
			assert.Less(t, k, len(res.Spans))
		}
	}
}

func TestResultInvariants(t *testing.T) {
	idx, queries := randomCorpus(t)
	svc := newTestService(t, newStaticSource(idx), 4)
	rng := rand.New(rand.NewPCG(3, 5))

	nonEmpty := 0
	for i, text := range queries {
		p := randomParams(rng)
		t.Run(fmt.Sprintf("query-%02d", i), func(t *testing.T) {
			res, err := svc.Compute(context.Background(), idx, text, p)
			require.NoError(t, err)
			if len(res.Spans) > 0 {
				nonEmpty++
			}
			checkInvariants(t, idx, text, p, res)
		})
	}
	assert.Positive(t, nonEmpty)
}

func TestContextWindowsWithDefaults(t *testing.T) {
	idx, queries := randomCorpus(t)
	svc := newTestService(t, newStaticSource(idx), 4)
	p := withParams(func(p *Params) {
		p.MinimumSpanLength = 5
		p.MaximumFrequency = 1000
		p.MaximumSpanDensity = 1
	})
	require.Equal(t, 250, p.MaximumContextLength)
	require.Equal(t, 250, p.MaximumContextLengthLong)
	require.Equal(t, 40, p.MaximumContextLengthSnippet)

	for _, text := range queries {
		res, err := svc.Compute(context.Background(), idx, text, p)
		require.NoError(t, err)
		checkInvariants(t, idx, text, p, res)
	}
}

func TestDeterministicAcrossPoolSizes(t *testing.T) {
	idx, queries := randomCorpus(t)
	src := newStaticSource(idx)
	serial := newTestService(t, src, 1)
	parallel := newTestService(t, src, 8)
	rng := rand.New(rand.NewPCG(9, 1))

	for _, text := range queries {
		p := randomParams(rng)
		a, err := serial.Compute(context.Background(), idx, text, p)
		require.NoError(t, err)
		b, err := parallel.Compute(context.Background(), idx, text, p)
		require.NoError(t, err)
		c, err := parallel.Compute(context.Background(), idx, text, p)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Equal(t, b, c)
	}
}

func BenchmarkCompute(b *testing.B) {
	idx, queries := randomCorpus(b)
	svc := newTestService(b, newStaticSource(idx), 8)
	p := withParams(func(p *Params) {
		p.MaximumFrequency = 1000
		p.MaximumSpanDensity = 1
	})
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := svc.Compute(ctx, idx, queries[i%len(queries)], p); err != nil {
			b.Fatal(err)
		}
	}
}
