package attribution

import (
	"cmp"
	"math"
	"slices"
)

// RankingFrequency orders spans by ascending corpus frequency.
const RankingFrequency = "frequency"

// rankingKey orders two candidates; negative means a ranks ahead of b.
type rankingKey func(a, b candidate) int

// rankingMethods is the closed set of span ranking strategies.
var rankingMethods = map[string]rankingKey{
	RankingFrequency: compareByFrequency,
}

// RankingMethods returns the names of the supported ranking strategies.
func RankingMethods() []string {
	names := make([]string, 0, len(rankingMethods))
	for name := range rankingMethods {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// compareByFrequency ranks rarer spans first, then longer ones, then earlier
// ones. Start offsets are unique per candidate, so the order is total.
func compareByFrequency(a, b candidate) int {
	if c := cmp.Compare(a.count, b.count); c != 0 {
		return c
	}
	if c := cmp.Compare(b.length(), a.length()); c != 0 {
		return c
	}
	return cmp.Compare(a.start, b.start)
}

// rankCandidates sorts cands in place by the named strategy.
func rankCandidates(cands []candidate, method string) ([]candidate, error) {
	key, ok := rankingMethods[method]
	if !ok {
		return nil, &ValidationError{Fields: map[string]string{
			"spanRankingMethod": "unknown span ranking method " + method,
		}}
	}
	slices.SortStableFunc(cands, key)
	return cands, nil
}

// relevanceScore scores a (span, document) pair. It grows with span length
// and with the number of occurrences in the document, and shrinks as the span
// becomes more common in the corpus.
func relevanceScore(spanChars int, frequency, docCount int64, occurrences int) float64 {
	if frequency < 1 || spanChars <= 0 {
		return 0
	}
	idf := math.Log(1 + float64(docCount)/float64(frequency))
	tf := 1.0
	if occurrences > 1 {
		tf += math.Log(float64(occurrences))
	}
	return roundScore(float64(spanChars) * idf * tf)
}

func roundScore(score float64) float64 {
	return math.Round(score*10000) / 10000
}

// rankDocuments orders matches by descending relevance, ties broken by
// document id, and truncates to limit.
func rankDocuments(matches []DocumentMatch, limit int) []DocumentMatch {
	slices.SortFunc(matches, func(a, b DocumentMatch) int {
		if c := cmp.Compare(b.RelevanceScore, a.RelevanceScore); c != 0 {
			return c
		}
		return cmp.Compare(a.DocumentID, b.DocumentID)
	})
	if limit >= 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}
