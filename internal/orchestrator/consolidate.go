package orchestrator

import (
	"sort"

	"github.com/sevigo/review-council/internal/core"
)

// Consolidate merges findings from multiple levels or voices into one
// deduplicated set. Two findings duplicate each other when they target the
// same file with overlapping line ranges and the same category. The
// tie-break is deterministic: highest confidence wins, then the earliest
// input position (voice declaration order, then level order), then the
// lexicographically smaller title. Survivors keep their input order.
func Consolidate(suggestions []core.Suggestion) []core.Suggestion {
	type candidate struct {
		s     core.Suggestion
		order int
	}

	kept := make([]candidate, 0, len(suggestions))
	for i, s := range suggestions {
		merged := false
		for k := range kept {
			if kept[k].s.Category != s.Category || !kept[k].s.Overlaps(&s) {
				continue
			}
			if beats(s, i, kept[k].s, kept[k].order) {
				// The challenger's wording wins, but it keeps the
				// incumbent's slot so the output order stays stable.
				kept[k].s = s
			}
			merged = true
			break
		}
		if !merged {
			kept = append(kept, candidate{s: s, order: i})
		}
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].order < kept[j].order })
	out := make([]core.Suggestion, len(kept))
	for i, c := range kept {
		out[i] = c.s
	}
	return out
}

// beats applies the documented duplicate tie-break.
func beats(challenger core.Suggestion, challengerOrder int, incumbent core.Suggestion, incumbentOrder int) bool {
	if challenger.Confidence != incumbent.Confidence {
		return challenger.Confidence > incumbent.Confidence
	}
	if challengerOrder != incumbentOrder {
		return challengerOrder < incumbentOrder
	}
	return challenger.Title < incumbent.Title
}
