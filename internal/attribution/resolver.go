package attribution

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/corpus"
)

// maxLocate caps the number of occurrences read from the suffix array per
// span.
const maxLocate = 10000

// DocumentOverlay supplements index metadata from an external store. It
// returns docs with any known fields replaced.
type DocumentOverlay interface {
	Apply(ctx context.Context, index string, docs []corpus.Document) ([]corpus.Document, error)
}

// resolver maps accepted spans to ranked documents with context windows.
type resolver struct {
	concurrency int
	oversample  int
	overlay     DocumentOverlay
	logger      *slog.Logger
}

// occurrence is the retained match of a span inside one document.
type occurrence struct {
	doc   int64
	pos   int64
	count int
}

// locateDocuments reads up to limit occurrences of c and groups them by
// document, keeping the lowest position per document. Output is by document
// id.
func locateDocuments(idx *corpus.Index, c candidate, limit int) ([]occurrence, error) {
	positions := idx.LocateRange(c.rng, limit)
	byDoc := make(map[int64]*occurrence, len(positions))
	order := make([]int64, 0, len(positions))
	for _, pos := range positions {
		doc, err := idx.DocumentAt(pos)
		if err != nil {
			return nil, fmt.Errorf("%w: occurrence at %d: %v", corpus.ErrCorrupt, pos, err)
		}
		if o, ok := byDoc[doc]; ok {
			o.count++
			continue
		}
		byDoc[doc] = &occurrence{doc: doc, pos: pos, count: 1}
		order = append(order, doc)
	}
	slices.Sort(order)
	out := make([]occurrence, 0, len(order))
	for _, doc := range order {
		out = append(out, *byDoc[doc])
	}
	return out, nil
}

// resolveSpan returns the ranked, truncated documents of one span.
func (r *resolver) resolveSpan(ctx context.Context, idx *corpus.Index, c candidate, p Params) ([]DocumentMatch, error) {
	if p.MaximumDocumentsPerSpan == 0 {
		return []DocumentMatch{}, nil
	}
	limit := p.MaximumDocumentsPerSpan * max(r.oversample, 1)
	if limit > maxLocate {
		limit = maxLocate
	}
	occs, err := locateDocuments(idx, c, limit)
	if err != nil {
		return nil, err
	}
	matches := make([]DocumentMatch, 0, len(occs))
	for _, o := range occs {
		matches = append(matches, DocumentMatch{
			DocumentID:     o.doc,
			Occurrences:    o.count,
			Offset:         o.pos,
			RelevanceScore: relevanceScore(c.length(), c.count, idx.DocCount(), o.count),
		})
	}
	matches = rankDocuments(matches, p.MaximumDocumentsPerSpan)

	matchBytes := int64(c.rng.Depth)
	for i := range matches {
		if err := checkDeadline(ctx, "context extraction"); err != nil {
			return nil, err
		}
		m := &matches[i]
		pos := m.Offset
		ctxs, err := buildContexts(idx, m.DocumentID, pos, pos+matchBytes, p)
		if err != nil {
			return nil, err
		}
		doc, err := idx.Document(m.DocumentID)
		if err != nil {
			return nil, err
		}
		start, _, err := idx.DocumentBounds(m.DocumentID)
		if err != nil {
			return nil, err
		}
		m.Offset = pos - start
		m.TextSnippet = ctxs.snippet
		m.Text = ctxs.medium
		m.TextLong = ctxs.long
		m.Document = doc
	}
	return matches, nil
}

// resolve fills the documents of every accepted and nested span. Spans
// are resolved concurrently; each writes only its own slot.
func (r *resolver) resolve(ctx context.Context, idx *corpus.Index, sel []selection, p Params) ([][]DocumentMatch, [][][]DocumentMatch, error) {
	top := make([][]DocumentMatch, len(sel))
	nested := make([][][]DocumentMatch, len(sel))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.concurrency, 1))
	for i := range sel {
		nested[i] = make([][]DocumentMatch, len(sel[i].nested))
		g.Go(func() error {
			docs, err := r.resolveSpan(gctx, idx, sel[i].candidate, p)
			if err != nil {
				return err
			}
			top[i] = docs
			return nil
		})
		for j := range sel[i].nested {
			g.Go(func() error {
				docs, err := r.resolveSpan(gctx, idx, sel[i].nested[j], p)
				if err != nil {
					return err
				}
				nested[i][j] = docs
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := checkDeadline(ctx, "document resolution"); err != nil {
		return nil, nil, err
	}
	if r.overlay != nil {
		r.applyOverlay(ctx, idx.Name(), top, nested)
	}
	return top, nested, nil
}

// applyOverlay replaces index metadata with overlay metadata where known.
// Overlay failures keep the index metadata.
func (r *resolver) applyOverlay(ctx context.Context, index string, top [][]DocumentMatch, nested [][][]DocumentMatch) {
	var refs []*DocumentMatch
	collect := func(ms []DocumentMatch) {
		for i := range ms {
			refs = append(refs, &ms[i])
		}
	}
	for i := range top {
		collect(top[i])
		for j := range nested[i] {
			collect(nested[i][j])
		}
	}
	if len(refs) == 0 {
		return
	}
	docs := make([]corpus.Document, len(refs))
	for i, m := range refs {
		docs[i] = m.Document
	}
	updated, err := r.overlay.Apply(ctx, index, docs)
	if err != nil || len(updated) != len(refs) {
		r.logger.Warn("document metadata overlay failed", "index", index, "error", err)
		return
	}
	for i, m := range refs {
		m.Document = updated[i]
	}
}
