package attribution

import (
	"unicode"
	"unicode/utf8"
)

// queryText indexes a query string by code point. Character offsets used in
// spans are code point indices into the query.
type queryText struct {
	text  string
	raw   []byte
	runes []rune
	// offs[i] is the byte offset of rune i; offs[len(runes)] == len(text).
	offs []int
}

func newQueryText(text string) *queryText {
	n := utf8.RuneCountInString(text)
	q := &queryText{
		text:  text,
		raw:   []byte(text),
		runes: make([]rune, 0, n),
		offs:  make([]int, 0, n+1),
	}
	for i, r := range text {
		q.runes = append(q.runes, r)
		q.offs = append(q.offs, i)
	}
	q.offs = append(q.offs, len(text))
	return q
}

// Len returns the length in characters.
func (q *queryText) Len() int {
	return len(q.runes)
}

// bytes returns the UTF-8 bytes of characters [start, end). The slice
// aliases the query buffer.
func (q *queryText) bytes(start, end int) []byte {
	return q.raw[q.offs[start]:q.offs[end]]
}

// substr returns characters [start, end).
func (q *queryText) substr(start, end int) string {
	return q.text[q.offs[start]:q.offs[end]]
}

// segment is a half-open delimiter-free character range of the query.
type segment struct {
	start int
	end   int
}

// segments partitions the query on delimiters. At each position the longest
// matching delimiter is consumed; empty segments are dropped.
func (q *queryText) segments(delimiters []string) []segment {
	var out []segment
	segStart := 0
	i := 0
	for i < len(q.runes) {
		width := q.delimiterAt(i, delimiters)
		if width == 0 {
			i++
			continue
		}
		if i > segStart {
			out = append(out, segment{start: segStart, end: i})
		}
		i += width
		segStart = i
	}
	if len(q.runes) > segStart {
		out = append(out, segment{start: segStart, end: len(q.runes)})
	}
	return out
}

// delimiterAt returns the length in characters of the longest delimiter
// starting at character i, or 0.
func (q *queryText) delimiterAt(i int, delimiters []string) int {
	rest := q.text[q.offs[i]:]
	best := 0
	for _, d := range delimiters {
		if len(d) <= len(rest) && rest[:len(d)] == d {
			if n := utf8.RuneCountInString(d); n > best {
				best = n
			}
		}
	}
	return best
}

// isWordRune reports whether r is part of a word: letters, digits and
// combining marks.
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.M, r)
}

// wordBoundary reports whether character offset i inside seg does not split a
// word.
func (q *queryText) wordBoundary(seg segment, i int) bool {
	if i <= seg.start || i >= seg.end {
		return true
	}
	return !(isWordRune(q.runes[i-1]) && isWordRune(q.runes[i]))
}

// canStart reports whether a span may begin at character i.
func (q *queryText) canStart(seg segment, i int, partialWords bool) bool {
	if unicode.IsSpace(q.runes[i]) {
		return false
	}
	return partialWords || q.wordBoundary(seg, i)
}

// canEnd reports whether a span starting at start may end at character end.
func (q *queryText) canEnd(seg segment, start, end int, partialWords bool) bool {
	if end <= start || unicode.IsSpace(q.runes[end-1]) {
		return false
	}
	return partialWords || q.wordBoundary(seg, end)
}
