// Package response renders attribution results into the v1 and v2 wire
// formats served by the HTTP API and stored in the response cache.
package response

import (
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/attribution"
	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/corpus"
)

const (
	defaultDisplayName   = "Unknown Dataset"
	defaultSecondaryName = "web corpus"
	defaultSource        = "unknown"
	defaultUsage         = "Pre-training"
)

// V1Response is the flat v1 format: every top-level span with its documents
// inline.
type V1Response struct {
	Index string   `json:"index"`
	Spans []V1Span `json:"spans"`
}

type V1Span struct {
	Left      int          `json:"left"`
	Right     int          `json:"right"`
	Text      string       `json:"text"`
	Frequency int64        `json:"frequency"`
	Documents []V1Document `json:"documents"`
}

type V1Document struct {
	DocumentIndex  int64   `json:"documentIndex"`
	RelevanceScore float64 `json:"relevanceScore"`
	TextSnippet    string  `json:"textSnippet"`
	Text           string  `json:"text"`
	TextLong       string  `json:"textLong"`
	DisplayName    string  `json:"displayName"`
	SecondaryName  string  `json:"secondaryName"`
	Source         string  `json:"source"`
	SourceURL      string  `json:"sourceUrl"`
	Title          *string `json:"title"`
	Usage          string  `json:"usage"`
}

// V2Response separates spans from a deduplicated document list. Spans refer
// to documents by their string id.
type V2Response struct {
	Index     string       `json:"index"`
	Spans     []V2Span     `json:"spans"`
	Documents []V2Document `json:"documents"`
}

type V2Span struct {
	StartIndex  int            `json:"startIndex"`
	Text        string         `json:"text"`
	NestedSpans []V2NestedSpan `json:"nestedSpans"`
	Documents   []string       `json:"documents"`
}

type V2NestedSpan struct {
	StartIndex int      `json:"startIndex"`
	Text       string   `json:"text"`
	Documents  []string `json:"documents"`
}

type V2Snippet struct {
	Text string `json:"text"`
}

type V2Document struct {
	Index                  string      `json:"index"`
	DisplayName            string      `json:"displayName"`
	RelevanceScore         float64     `json:"relevanceScore"`
	SecondaryName          string      `json:"secondaryName"`
	CorrespondingSpanTexts []string    `json:"correspondingSpanTexts"`
	CorrespondingSpans     []int       `json:"correspondingSpans"`
	Snippets               []V2Snippet `json:"snippets"`
	TextLong               string      `json:"textLong"`
	Title                  *string     `json:"title"`
	Source                 string      `json:"source"`
	SourceURL              string      `json:"sourceUrl"`
	Usage                  string      `json:"usage"`
}

// display carries document metadata with wire defaults applied.
type display struct {
	name, secondary, source, sourceURL, usage string
	title                                     *string
}

func displayOf(d corpus.Document) display {
	out := display{
		name:      orDefault(d.DisplayName, defaultDisplayName),
		secondary: orDefault(d.SecondaryName, defaultSecondaryName),
		source:    orDefault(d.Source, defaultSource),
		sourceURL: d.SourceURL,
		usage:     orDefault(d.Usage, defaultUsage),
	}
	if d.Title != "" {
		title := d.Title
		out.title = &title
	}
	return out
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// V1 renders res in the v1 format. Nested spans are not part of v1.
func V1(res *attribution.Result) *V1Response {
	out := &V1Response{Index: res.Index, Spans: make([]V1Span, 0, len(res.Spans))}
	for _, s := range res.Spans {
		span := V1Span{
			Left:      s.StartIndex,
			Right:     s.EndIndex,
			Text:      s.Text,
			Frequency: s.Frequency,
			Documents: make([]V1Document, 0, len(s.Documents)),
		}
		for _, m := range s.Documents {
			d := displayOf(m.Document)
			span.Documents = append(span.Documents, V1Document{
				DocumentIndex:  m.DocumentID,
				RelevanceScore: m.RelevanceScore,
				TextSnippet:    m.TextSnippet,
				Text:           m.Text,
				TextLong:       m.TextLong,
				DisplayName:    d.name,
				SecondaryName:  d.secondary,
				Source:         d.source,
				SourceURL:      d.sourceURL,
				Title:          d.title,
				Usage:          d.usage,
			})
		}
		out.Spans = append(out.Spans, span)
	}
	return out
}

// V2 renders res in the v2 format. Document order and aggregate scores come
// from the result.
func V2(res *attribution.Result) *V2Response {
	out := &V2Response{
		Index:     res.Index,
		Spans:     make([]V2Span, 0, len(res.Spans)),
		Documents: make([]V2Document, 0, len(res.Documents)),
	}
	for _, s := range res.Spans {
		span := V2Span{
			StartIndex:  s.StartIndex,
			Text:        s.Text,
			NestedSpans: make([]V2NestedSpan, 0, len(s.NestedSpans)),
			Documents:   documentIDs(s.Documents),
		}
		for _, n := range s.NestedSpans {
			span.NestedSpans = append(span.NestedSpans, V2NestedSpan{
				StartIndex: n.StartIndex,
				Text:       n.Text,
				Documents:  documentIDs(n.Documents),
			})
		}
		out.Spans = append(out.Spans, span)
	}
	for _, rd := range res.Documents {
		d := displayOf(rd.Document)
		snippets := make([]V2Snippet, 0, len(rd.Snippets))
		for _, s := range rd.Snippets {
			if s != "" {
				snippets = append(snippets, V2Snippet{Text: s})
			}
		}
		out.Documents = append(out.Documents, V2Document{
			Index:                  strconv.FormatInt(rd.DocumentID, 10),
			DisplayName:            d.name,
			RelevanceScore:         rd.RelevanceScore,
			SecondaryName:          d.secondary,
			CorrespondingSpanTexts: append([]string{}, rd.CorrespondingSpanTexts...),
			CorrespondingSpans:     append([]int{}, rd.CorrespondingSpans...),
			Snippets:               snippets,
			TextLong:               rd.TextLong,
			Title:                  d.title,
			Source:                 d.source,
			SourceURL:              d.sourceURL,
			Usage:                  d.usage,
		})
	}
	return out
}

func documentIDs(ms []attribution.DocumentMatch) []string {
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, strconv.FormatInt(m.DocumentID, 10))
	}
	return ids
}
