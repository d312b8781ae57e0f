package attribution

import "context"

// selection is an accepted top-level span with the candidates nested in it.
type selection struct {
	candidate
	nested []candidate
}

// filterCandidates drops candidates that are too short or too common to be
// evidence. Rejected candidates never count against the density budget.
func filterCandidates(cands []candidate, p Params) []candidate {
	out := cands[:0:0]
	for _, c := range cands {
		if c.count < 1 || c.count > p.MaximumFrequency {
			continue
		}
		if c.length() < p.MinimumSpanLength || c.length() == 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}

// selectSpans walks ranked candidates and decides their role. A candidate
// inside an accepted span is nested in it. A candidate partially overlapping
// an accepted span is dropped. Otherwise it is accepted as a top-level span
// while the covered fraction of the query stays within the density bound; the
// first candidate that would exceed the bound closes top-level acceptance for
// it and every lower-ranked candidate.
func selectSpans(ctx context.Context, ranked []candidate, queryLen int, density float64) ([]selection, error) {
	var accepted []selection
	covered := 0
	closed := false
	for n, c := range ranked {
		if n%256 == 0 {
			if err := checkDeadline(ctx, "span selection"); err != nil {
				return nil, err
			}
		}
		parent, overlap := -1, false
		for i := range accepted {
			if accepted[i].contains(c) {
				parent = i
				break
			}
			if accepted[i].overlaps(c) {
				overlap = true
			}
		}
		switch {
		case parent >= 0:
			accepted[parent].nested = append(accepted[parent].nested, c)
		case overlap || closed:
		case queryLen == 0 || float64(covered+c.length())/float64(queryLen) > density:
			closed = true
		default:
			covered += c.length()
			accepted = append(accepted, selection{candidate: c})
		}
	}
	return accepted, nil
}
