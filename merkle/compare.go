package merkle

import (
	"sort"

	"github.com/ceramicnetwork/go-cas/models"
)

// sortLeaves orders candidates with the leaf comparator: model ascending
// with unset models last, then first controller ascending, then stream id
// ascending. The sort is stable so the selector's ordering breaks any
// remaining ties.
func sortLeaves(candidates []*models.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return leafLess(candidates[i], candidates[j])
	})
}

func leafLess(a, b *models.Candidate) bool {
	am, bm := a.Model(), b.Model()
	switch {
	case am == "" && bm != "":
		return false
	case am != "" && bm == "":
		return true
	case am != bm:
		return am < bm
	}
	if ac, bc := a.FirstController(), b.FirstController(); ac != bc {
		return ac < bc
	}
	return a.StreamID < b.StreamID
}
