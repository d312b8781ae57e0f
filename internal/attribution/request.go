// Package attribution implements span matching and document attribution
// against a corpus index: delimiter segmentation, per-start maximal match
// growth, frequency and density filtering, ranking with nesting, and
// resolution of spans to documents with bounded context windows.
package attribution

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/errors"
)

const (
	maxResponseChars   = 100000
	maxDelimiters      = 64
	maxContextChars    = 100000
	maxDocumentsCap    = 1000
	maxMinimumSpanChar = 10000
)

// Request is an attribution request as received from a client. Pointer fields
// distinguish "unset" from an explicit zero; unset fields take configured
// defaults.
type Request struct {
	Prompt                      string   `json:"prompt,omitempty"`
	Response                    string   `json:"response"`
	Delimiters                  []string `json:"delimiters,omitempty"`
	AllowSpansWithPartialWords  *bool    `json:"allowSpansWithPartialWords,omitempty"`
	MinimumSpanLength           *int     `json:"minimumSpanLength,omitempty"`
	MaximumFrequency            *int64   `json:"maximumFrequency,omitempty"`
	MaximumSpanDensity          *float64 `json:"maximumSpanDensity,omitempty"`
	SpanRankingMethod           *string  `json:"spanRankingMethod,omitempty"`
	MaximumContextLength        *int     `json:"maximumContextLength,omitempty"`
	MaximumContextLengthLong    *int     `json:"maximumContextLengthLong,omitempty"`
	MaximumContextLengthSnippet *int     `json:"maximumContextLengthSnippet,omitempty"`
	MaximumDocumentsPerSpan     *int     `json:"maximumDocumentsPerSpan,omitempty"`
}

// Params is a fully resolved and validated set of request parameters.
type Params struct {
	Delimiters                  []string `json:"delimiters"`
	AllowSpansWithPartialWords  bool     `json:"allowSpansWithPartialWords"`
	MinimumSpanLength           int      `json:"minimumSpanLength"`
	MaximumFrequency            int64    `json:"maximumFrequency"`
	MaximumSpanDensity          float64  `json:"maximumSpanDensity"`
	SpanRankingMethod           string   `json:"spanRankingMethod"`
	MaximumContextLength        int      `json:"maximumContextLength"`
	MaximumContextLengthLong    int      `json:"maximumContextLengthLong"`
	MaximumContextLengthSnippet int      `json:"maximumContextLengthSnippet"`
	MaximumDocumentsPerSpan     int      `json:"maximumDocumentsPerSpan"`
}

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		keys = append(keys, field)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, field := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", field, e.Fields[field]))
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// Unwrap lets callers match validation failures against ErrInvalidInput.
func (e *ValidationError) Unwrap() error {
	return apperrors.ErrInvalidInput
}

// DefaultParams returns the request defaults from configuration.
func DefaultParams(cfg config.AttributionConfig) Params {
	return Params{
		Delimiters:                  append([]string(nil), cfg.Delimiters...),
		AllowSpansWithPartialWords:  cfg.AllowSpansWithPartialWords,
		MinimumSpanLength:           cfg.MinimumSpanLength,
		MaximumFrequency:            cfg.MaximumFrequency,
		MaximumSpanDensity:          cfg.MaximumSpanDensity,
		SpanRankingMethod:           cfg.SpanRankingMethod,
		MaximumContextLength:        cfg.MaximumContextLength,
		MaximumContextLengthLong:    cfg.MaximumContextLengthLong,
		MaximumContextLengthSnippet: cfg.MaximumContextLengthSnippet,
		MaximumDocumentsPerSpan:     cfg.MaximumDocumentsPerSpan,
	}
}

// Resolve fills unset fields from defaults and validates the result. Invalid
// values are rejected, never clamped.
func (r *Request) Resolve(defaults Params) (Params, error) {
	p := defaults
	if r.Delimiters != nil {
		p.Delimiters = slices.Clone(r.Delimiters)
	}
	if r.AllowSpansWithPartialWords != nil {
		p.AllowSpansWithPartialWords = *r.AllowSpansWithPartialWords
	}
	if r.MinimumSpanLength != nil {
		p.MinimumSpanLength = *r.MinimumSpanLength
	}
	if r.MaximumFrequency != nil {
		p.MaximumFrequency = *r.MaximumFrequency
	}
	if r.MaximumSpanDensity != nil {
		p.MaximumSpanDensity = *r.MaximumSpanDensity
	}
	if r.SpanRankingMethod != nil {
		p.SpanRankingMethod = *r.SpanRankingMethod
	}
	if r.MaximumContextLength != nil {
		p.MaximumContextLength = *r.MaximumContextLength
	}
	if r.MaximumContextLengthLong != nil {
		p.MaximumContextLengthLong = *r.MaximumContextLengthLong
	}
	if r.MaximumContextLengthSnippet != nil {
		p.MaximumContextLengthSnippet = *r.MaximumContextLengthSnippet
	}
	if r.MaximumDocumentsPerSpan != nil {
		p.MaximumDocumentsPerSpan = *r.MaximumDocumentsPerSpan
	}

	errs := p.validate()
	if !utf8.ValidString(r.Response) {
		errs["response"] = "response must be valid UTF-8"
	} else if utf8.RuneCountInString(r.Response) > maxResponseChars {
		errs["response"] = fmt.Sprintf("response must be at most %d characters", maxResponseChars)
	}
	if len(errs) > 0 {
		return Params{}, &ValidationError{Fields: errs}
	}
	return p, nil
}

// Validate checks an already resolved parameter set.
func (p Params) Validate() error {
	if errs := p.validate(); len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

func (p Params) validate() map[string]string {
	errs := make(map[string]string)
	if len(p.Delimiters) > maxDelimiters {
		errs["delimiters"] = fmt.Sprintf("at most %d delimiters are allowed", maxDelimiters)
	}
	for _, d := range p.Delimiters {
		if d == "" {
			errs["delimiters"] = "delimiters must not be empty strings"
			break
		}
		if !utf8.ValidString(d) {
			errs["delimiters"] = "delimiters must be valid UTF-8"
			break
		}
	}
	if p.MinimumSpanLength < 0 {
		errs["minimumSpanLength"] = "minimumSpanLength must not be negative"
	} else if p.MinimumSpanLength > maxMinimumSpanChar {
		errs["minimumSpanLength"] = fmt.Sprintf("minimumSpanLength must be at most %d", maxMinimumSpanChar)
	}
	if p.MaximumFrequency < 0 {
		errs["maximumFrequency"] = "maximumFrequency must not be negative"
	}
	if math.IsNaN(p.MaximumSpanDensity) || p.MaximumSpanDensity < 0 || p.MaximumSpanDensity > 1 {
		errs["maximumSpanDensity"] = "maximumSpanDensity must be within [0, 1]"
	}
	if _, ok := rankingMethods[p.SpanRankingMethod]; !ok {
		errs["spanRankingMethod"] = fmt.Sprintf("unknown span ranking method %q", p.SpanRankingMethod)
	}
	checkContext := func(field string, v int) {
		if v < 0 {
			errs[field] = field + " must not be negative"
		} else if v > maxContextChars {
			errs[field] = fmt.Sprintf("%s must be at most %d", field, maxContextChars)
		}
	}
	checkContext("maximumContextLength", p.MaximumContextLength)
	checkContext("maximumContextLengthLong", p.MaximumContextLengthLong)
	checkContext("maximumContextLengthSnippet", p.MaximumContextLengthSnippet)
	if p.MaximumDocumentsPerSpan < 0 {
		errs["maximumDocumentsPerSpan"] = "maximumDocumentsPerSpan must not be negative"
	} else if p.MaximumDocumentsPerSpan > maxDocumentsCap {
		errs["maximumDocumentsPerSpan"] = fmt.Sprintf("maximumDocumentsPerSpan must be at most %d", maxDocumentsCap)
	}
	return errs
}
