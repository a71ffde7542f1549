package simplemem

import "sort"

// rrfK is the standard reciprocal-rank-fusion damping constant.
const rrfK = 60

type fusedHit struct {
	id    string
	score float64
}

// reciprocalRankFusion merges ranked id lists: a document at zero-based rank
// r in any list contributes 1/(rrfK+r+1), summed across lists. Ties are
// broken by rank in the first list (the semantic list), then by first
// appearance.
func reciprocalRankFusion(lists ...[]string) []fusedHit {
	scores := make(map[string]float64)
	primaryRank := make(map[string]int)
	var order []string

	for li, list := range lists {
		for r, id := range list {
			if _, ok := scores[id]; !ok {
				order = append(order, id)
			}
			scores[id] += 1.0 / float64(rrfK+r+1)
			if li == 0 {
				if _, ok := primaryRank[id]; !ok {
					primaryRank[id] = r
				}
			}
		}
	}

	rank := func(id string) int {
		if r, ok := primaryRank[id]; ok {
			return r
		}
		return int(^uint(0) >> 1)
	}

	sort.SliceStable(order, func(i, j int) bool {
		si, sj := scores[order[i]], scores[order[j]]
		if si != sj {
			return si > sj
		}
		return rank(order[i]) < rank(order[j])
	})

	hits := make([]fusedHit, len(order))
	for i, id := range order {
		hits[i] = fusedHit{id: id, score: scores[id]}
	}
	return hits
}
