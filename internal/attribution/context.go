package attribution

import (
	"fmt"
	"unicode/utf8"

	"github.com/rivo/uniseg"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/corpus"
	apperrors "github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/errors"
)

// maxClusterBytes bounds how far outside the match the window search reads
// per requested character. Longer clusters only shrink the window.
const maxClusterBytes = 32

// contexts holds the three context windows built around one occurrence.
type contexts struct {
	snippet string
	medium  string
	long    string
}

// clusterEnds returns the byte offsets just past each of the first n
// grapheme clusters of b. A negative n reads all of b.
func clusterEnds(b []byte, n int) []int {
	ends := make([]int, 0, 16)
	state := -1
	off := 0
	for len(b) > 0 && (n < 0 || len(ends) < n) {
		var cluster []byte
		cluster, b, _, state = uniseg.FirstGraphemeCluster(b, state)
		off += len(cluster)
		ends = append(ends, off)
	}
	return ends
}

// window returns the stream range of a context window of at most limit
// grapheme clusters around the match [ms, me) inside the document [ds, de).
// The match is kept whole when it fits, and the remaining budget is split
// evenly between both sides; budget a side cannot use because the document
// ends there goes to the other side. A match longer than limit is cut to its
// first limit clusters.
func window(idx *corpus.Index, ds, de, ms, me int64, limit int) (int64, int64) {
	if limit <= 0 {
		return ms, ms
	}
	matchEnds := clusterEnds(idx.Slice(ms, me), limit+1)
	if len(matchEnds) >= limit {
		return ms, ms + int64(matchEnds[limit-1])
	}
	rem := limit - len(matchEnds)

	leftFrom := ms - int64(rem*maxClusterBytes)
	if leftFrom < ds {
		leftFrom = ds
	}
	left := idx.Slice(leftFrom, ms)
	for len(left) > 0 && !utf8.RuneStart(left[0]) {
		left = left[1:]
		leftFrom++
	}
	leftEnds := clusterEnds(left, -1)
	if leftFrom > ds && len(leftEnds) > 0 {
		// The scan may have begun inside a cluster; its first cluster is
		// not trusted.
		cut := leftEnds[0]
		leftFrom += int64(cut)
		leftEnds = leftEnds[1:]
		for i := range leftEnds {
			leftEnds[i] -= cut
		}
	}
	leftAvail := len(leftEnds)

	rightTo := me + int64(rem*maxClusterBytes)
	if rightTo > de {
		rightTo = de
	}
	rightEnds := clusterEnds(idx.Slice(me, rightTo), rem)
	rightAvail := len(rightEnds)

	takeLeft := min(rem/2, leftAvail)
	takeRight := min(rem-rem/2, rightAvail)
	spare := rem - takeLeft - takeRight
	if extra := min(spare, leftAvail-takeLeft); extra > 0 {
		takeLeft += extra
		spare -= extra
	}
	if extra := min(spare, rightAvail-takeRight); extra > 0 {
		takeRight += extra
	}

	start := ms
	if takeLeft > 0 {
		// Boundaries of left are 0 and each cluster end; the last is ms.
		if takeLeft == leftAvail {
			start = leftFrom
		} else {
			start = leftFrom + int64(leftEnds[leftAvail-takeLeft-1])
		}
	}
	end := me
	if takeRight > 0 {
		end = me + int64(rightEnds[takeRight-1])
	}
	return start, end
}

// buildContexts extracts the snippet, medium and long windows for the match
// at [ms, me) in document doc.
func buildContexts(idx *corpus.Index, doc, ms, me int64, p Params) (contexts, error) {
	ds, de, err := idx.DocumentBounds(doc)
	if err != nil {
		return contexts{}, err
	}
	if ms < ds || me > de || me < ms {
		return contexts{}, fmt.Errorf("%w: match [%d,%d) outside document %d [%d,%d)",
			corpus.ErrCorrupt, ms, me, doc, ds, de)
	}
	extract := func(limit int) (string, error) {
		start, end := window(idx, ds, de, ms, me, limit)
		if start < ds || end > de || start > end {
			return "", fmt.Errorf("%w: context window [%d,%d) crosses document %d boundary",
				apperrors.ErrInternal, start, end, doc)
		}
		return string(idx.Slice(start, end)), nil
	}
	var c contexts
	if c.snippet, err = extract(p.MaximumContextLengthSnippet); err != nil {
		return contexts{}, err
	}
	if c.medium, err = extract(p.MaximumContextLength); err != nil {
		return contexts{}, err
	}
	if c.long, err = extract(p.MaximumContextLengthLong); err != nil {
		return contexts{}, err
	}
	return c, nil
}
