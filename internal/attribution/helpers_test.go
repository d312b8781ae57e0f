package attribution

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/errors"
)

func buildIndex(t testing.TB, name string, docs ...string) *corpus.Index {
	t.Helper()
	b := corpus.NewBuilder()
	for i, d := range docs {
		_, err := b.AddDocument(d, corpus.Metadata{Source: "fixture", LineNum: int64(i)})
		require.NoError(t, err)
	}
	idx, err := b.Build(corpus.WithName(name))
	require.NoError(t, err)
	return idx
}

func testConfig() config.AttributionConfig {
	return config.AttributionConfig{
		RequestTimeout:              10 * time.Second,
		WorkerPoolSize:              4,
		ResolverConcurrency:         4,
		LocateOversample:            4,
		Delimiters:                  []string{"\n", "."},
		MinimumSpanLength:           5,
		MaximumFrequency:            10,
		MaximumSpanDensity:          0.05,
		SpanRankingMethod:           RankingFrequency,
		MaximumContextLength:        250,
		MaximumContextLengthLong:    250,
		MaximumContextLengthSnippet: 40,
		MaximumDocumentsPerSpan:     10,
	}
}

// staticSource serves a fixed set of indexes and records corruption reports.
type staticSource struct {
	mu      sync.Mutex
	indexes map[string]*corpus.Index
	corrupt []string
}

func newStaticSource(idxs ...*corpus.Index) *staticSource {
	s := &staticSource{indexes: map[string]*corpus.Index{}}
	for _, idx := range idxs {
		s.indexes[idx.Name()] = idx
	}
	return s
}

func (s *staticSource) Get(name string) (*corpus.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrIndexNotFound, 0, "unknown index %q", name)
	}
	return idx, nil
}

func (s *staticSource) MarkCorrupt(name string, _ *corpus.Index, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt = append(s.corrupt, name)
}

func newTestService(t testing.TB, src IndexSource, poolSize int, opts ...ServiceOption) *Service {
	t.Helper()
	finder, err := NewFinder(WithPoolSize(poolSize))
	require.NoError(t, err)
	t.Cleanup(finder.Release)
	svc, err := NewService(src, finder, testConfig(), opts...)
	require.NoError(t, err)
	return svc
}

// withParams returns the test defaults adjusted by fn.
func withParams(fn func(p *Params)) Params {
	p := DefaultParams(testConfig())
	if fn != nil {
		fn(&p)
	}
	return p
}
