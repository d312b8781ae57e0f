package attribution

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/errors"
)

func ptr[T any](v T) *T { return &v }

func TestResolveUsesDefaults(t *testing.T) {
	defaults := DefaultParams(testConfig())
	p, err := (&Request{Response: "hello"}).Resolve(defaults)
	require.NoError(t, err)
	assert.Equal(t, defaults, p)
}

func TestResolveKeepsExplicitZeroes(t *testing.T) {
	req := &Request{
		Response:                "hello",
		Delimiters:              []string{},
		MinimumSpanLength:       ptr(0),
		MaximumFrequency:        ptr(int64(0)),
		MaximumSpanDensity:      ptr(0.0),
		MaximumDocumentsPerSpan: ptr(0),
	}
	p, err := req.Resolve(DefaultParams(testConfig()))
	require.NoError(t, err)
	assert.Empty(t, p.Delimiters)
	assert.NotNil(t, p.Delimiters)
	assert.Zero(t, p.MinimumSpanLength)
	assert.Zero(t, p.MaximumFrequency)
	assert.Zero(t, p.MaximumSpanDensity)
	assert.Zero(t, p.MaximumDocumentsPerSpan)
	assert.Equal(t, 40, p.MaximumContextLengthSnippet)
}

func TestResolveDoesNotAliasDefaults(t *testing.T) {
	defaults := DefaultParams(testConfig())
	req := &Request{Response: "x", Delimiters: []string{";"}}
	p, err := req.Resolve(defaults)
	require.NoError(t, err)
	req.Delimiters[0] = "!"
	assert.Equal(t, []string{";"}, p.Delimiters)
	assert.Equal(t, []string{"\n", "."}, defaults.Delimiters)
}

func TestResolveRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{name: "negative length", req: Request{MinimumSpanLength: ptr(-1)}, field: "minimumSpanLength"},
		{name: "negative frequency", req: Request{MaximumFrequency: ptr(int64(-5))}, field: "maximumFrequency"},
		{name: "density above one", req: Request{MaximumSpanDensity: ptr(1.5)}, field: "maximumSpanDensity"},
		{name: "density NaN", req: Request{MaximumSpanDensity: ptr(math.NaN())}, field: "maximumSpanDensity"},
		{name: "negative density", req: Request{MaximumSpanDensity: ptr(-0.1)}, field: "maximumSpanDensity"},
		{name: "unknown ranking", req: Request{SpanRankingMethod: ptr("bm25")}, field: "spanRankingMethod"},
		{name: "empty delimiter", req: Request{Delimiters: []string{".", ""}}, field: "delimiters"},
		{name: "negative context", req: Request{MaximumContextLength: ptr(-1)}, field: "maximumContextLength"},
		{name: "negative long context", req: Request{MaximumContextLengthLong: ptr(-1)}, field: "maximumContextLengthLong"},
		{name: "negative snippet", req: Request{MaximumContextLengthSnippet: ptr(-1)}, field: "maximumContextLengthSnippet"},
		{name: "too many documents", req: Request{MaximumDocumentsPerSpan: ptr(100000)}, field: "maximumDocumentsPerSpan"},
		{name: "invalid utf8", req: Request{Response: "ok\xffno"}, field: "response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.req.Resolve(DefaultParams(testConfig()))
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
			assert.Equal(t, 422, apperrors.HTTPStatusCode(err))
		})
	}
}

func TestResolveReportsEveryField(t *testing.T) {
	req := &Request{
		MinimumSpanLength:  ptr(-1),
		MaximumSpanDensity: ptr(2.0),
	}
	_, err := req.Resolve(DefaultParams(testConfig()))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 2)
	assert.Equal(t,
		"invalid request: maximumSpanDensity: maximumSpanDensity must be within [0, 1]; minimumSpanLength: minimumSpanLength must not be negative",
		err.Error())
}

func TestNewServiceRejectsInvalidDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.MaximumSpanDensity = 3
	finder, err := NewFinder(WithPoolSize(1))
	require.NoError(t, err)
	defer finder.Release()
	_, err = NewService(newStaticSource(), finder, cfg)
	assert.Error(t, err)
}
