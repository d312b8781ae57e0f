package attribution

import "github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/corpus"

// Span is a matched range of the query text. Offsets are character
// offsets, half-open.
type Span struct {
	StartIndex  int             `json:"startIndex"`
	EndIndex    int             `json:"endIndex"`
	Text        string          `json:"text"`
	Frequency   int64           `json:"frequency"`
	Documents   []DocumentMatch `json:"documents"`
	NestedSpans []Span          `json:"nestedSpans,omitempty"`
}

// DocumentMatch is one document containing a span, with the context
// windows around the retained occurrence.
type DocumentMatch struct {
	DocumentID     int64           `json:"documentId"`
	Offset         int64           `json:"offset"`
	Occurrences    int             `json:"occurrences"`
	RelevanceScore float64         `json:"relevanceScore"`
	TextSnippet    string          `json:"textSnippet"`
	Text           string          `json:"text"`
	TextLong       string          `json:"textLong"`
	Document       corpus.Document `json:"-"`
}

// ResultDocument is a document referenced by one or more spans of a result.
// CorrespondingSpans holds indices into Result.Spans; a document found for a
// nested span refers to its top-level parent.
type ResultDocument struct {
	DocumentID             int64           `json:"documentId"`
	RelevanceScore         float64         `json:"relevanceScore"`
	CorrespondingSpans     []int           `json:"correspondingSpans"`
	CorrespondingSpanTexts []string        `json:"correspondingSpanTexts"`
	Snippets               []string        `json:"snippets"`
	TextLong               string          `json:"textLong"`
	Document               corpus.Document `json:"-"`
}

// Result is the outcome of one attribution.
type Result struct {
	Index     string           `json:"index"`
	Spans     []Span           `json:"spans"`
	Documents []ResultDocument `json:"documents"`
}

// SpanCount returns the number of top-level and nested spans.
func (r *Result) SpanCount() (top, nested int) {
	for _, s := range r.Spans {
		top++
		nested += len(s.NestedSpans)
	}
	return top, nested
}
