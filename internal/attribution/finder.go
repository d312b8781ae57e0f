package attribution

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/corpus"
)

// candidate is a right-maximal match of the query starting at a given
// character offset.
type candidate struct {
	start int
	end   int
	count int64
	rng   corpus.Range
}

func (c candidate) length() int { return c.end - c.start }

// contains reports whether c's range fully contains o's.
func (c candidate) contains(o candidate) bool {
	return c.start <= o.start && o.end <= c.end
}

func (c candidate) overlaps(o candidate) bool {
	return c.start < o.end && o.start < c.end
}

// Finder enumerates match candidates. Growth from each start offset is an
// independent unit of work executed on a shared worker pool.
type Finder struct {
	pool   *ants.Pool
	logger *slog.Logger
}

// FinderOption configures a Finder.
type FinderOption func(*Finder) error

// WithPoolSize sets the worker pool size.
// Default is runtime.NumCPU(), with a minimum of 1.
func WithPoolSize(size int) FinderOption {
	return func(f *Finder) error {
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		if f.pool != nil {
			f.pool.Release()
		}
		f.pool = pool
		return nil
	}
}

// WithFinderLogger sets a custom logger.
// Default is slog.Default().
func WithFinderLogger(logger *slog.Logger) FinderOption {
	return func(f *Finder) error {
		if logger == nil {
			logger = slog.Default()
		}
		f.logger = logger
		return nil
	}
}

// NewFinder creates a Finder with its worker pool.
func NewFinder(opts ...FinderOption) (*Finder, error) {
	size := runtime.NumCPU()
	if size < 1 {
		size = 1
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("creating finder pool: %w", err)
	}
	f := &Finder{
		pool:   pool,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			f.Release()
			return nil, fmt.Errorf("configuring finder: %w", err)
		}
	}
	return f, nil
}

// Release stops the worker pool.
func (f *Finder) Release() {
	if f.pool != nil {
		f.pool.Release()
	}
}

// find returns the candidates of q in start order. For every allowed start
// the match is grown one character at a time until the corpus count would
// drop to zero; the candidate ends at the last allowed end reached. A
// candidate adds nothing over the candidate at the preceding start when both
// share an end and a count, so it is dropped.
func (f *Finder) find(ctx context.Context, idx *corpus.Index, q *queryText, p Params) ([]candidate, error) {
	type slot struct {
		seg segment
		pos int
	}
	var starts []slot
	for _, seg := range q.segments(p.Delimiters) {
		for i := seg.start; i < seg.end; i++ {
			if q.canStart(seg, i, p.AllowSpansWithPartialWords) {
				starts = append(starts, slot{seg: seg, pos: i})
			}
		}
	}
	if len(starts) == 0 {
		return nil, nil
	}

	results := make([]candidate, len(starts))
	found := make([]bool, len(starts))
	var wg sync.WaitGroup
	for n, s := range starts {
		wg.Add(1)
		err := f.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			results[n], found[n] = grow(ctx, idx, q, s.seg, s.pos, p.AllowSpansWithPartialWords)
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return nil, fmt.Errorf("submitting span search: %w", err)
		}
	}
	wg.Wait()
	if err := checkDeadline(ctx, "span search"); err != nil {
		return nil, err
	}

	out := make([]candidate, 0, len(starts))
	var prev candidate
	havePrev := false
	for n := range starts {
		c, ok := results[n], found[n]
		if ok && havePrev && prev.end == c.end && prev.count == c.count {
			prev = c
			continue
		}
		havePrev = ok
		if ok {
			prev = c
			out = append(out, c)
		}
	}
	f.logger.Debug("span candidates found",
		"index", idx.Name(),
		"starts", len(starts),
		"candidates", len(out),
	)
	return out, nil
}

// grow extends the match at start within seg.
func grow(ctx context.Context, idx *corpus.Index, q *queryText, seg segment, start int, partialWords bool) (candidate, bool) {
	r := idx.Full()
	best := candidate{start: start}
	ok := false
	for end := start + 1; end <= seg.end; end++ {
		if (end-start)%64 == 0 && ctx.Err() != nil {
			return candidate{}, false
		}
		next := idx.Narrow(r, q.bytes(start, end))
		if next.Count() == 0 {
			break
		}
		r = next
		if q.canEnd(seg, start, end, partialWords) {
			best.end = end
			best.count = r.Count()
			best.rng = r
			ok = true
		}
	}
	return best, ok
}
