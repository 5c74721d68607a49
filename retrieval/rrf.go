package retrieval

import (
	"math"
	"sort"

	"github.com/brunobiangulo/lexrag/store"
)

const rrfK = 60 // RRF constant (standard value from literature)

// ranked is one mode's ordered hit list and its fusion weight.
type ranked struct {
	mode   Mode
	hits   []store.Hit
	weight float64
}

// candidate is a chunk after fusion.
type candidate struct {
	hit          store.Hit
	fused        float64
	semanticRank int // 1-based, 0 = absent
	keywordRank  int
	similarity   float64
	rerank       float64
	reranked     bool
	bestRank     int
	modes        int
}

// fuseRRF combines per-mode rankings with Reciprocal Rank Fusion:
// score = sum(weight_i / (k + rank_i)). The result is ordered by fused
// score, ties broken by best individual rank and then chunk id.
func fuseRRF(lists ...ranked) []*candidate {
	byChunk := make(map[int64]*candidate)
	var order []*candidate
	for _, l := range lists {
		for i, h := range l.hits {
			rank := i + 1
			c, ok := byChunk[h.ChunkID]
			if !ok {
				c = &candidate{hit: h}
				byChunk[h.ChunkID] = c
				order = append(order, c)
			}
			c.fused += l.weight / float64(rrfK+rank)
			c.modes++
			switch l.mode {
			case ModeSemantic:
				c.semanticRank = rank
				c.similarity = h.Score
			case ModeKeyword:
				c.keywordRank = rank
			}
			if c.bestRank == 0 || rank < c.bestRank {
				c.bestRank = rank
			}
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.fused != b.fused {
			return a.fused > b.fused
		}
		if a.bestRank != b.bestRank {
			return a.bestRank < b.bestRank
		}
		return a.hit.ChunkID < b.hit.ChunkID
	})
	return order
}

// maxFused is the score of a chunk ranked first by every list.
func maxFused(lists ...ranked) float64 {
	var s float64
	for _, l := range lists {
		if len(l.hits) > 0 {
			s += l.weight / float64(rrfK+1)
		}
	}
	return s
}

// rankFloor reorders cands, already sorted by preference, so that no
// candidate lands later than modes × its best individual rank. Among the
// placements that keep every remaining deadline reachable, the most
// preferred candidate goes first; otherwise the earliest deadline does.
//
// At most modes × r candidates have a best rank ≤ r, so the deadlines are
// always jointly satisfiable.
func rankFloor(cands []*candidate, modes int) []*candidate {
	if modes < 1 {
		modes = 1
	}
	deadline := func(c *candidate) int { return modes * c.bestRank }

	remaining := append([]*candidate(nil), cands...)
	out := make([]*candidate, 0, len(cands))
	for pos := 1; len(remaining) > 0; pos++ {
		pick := 0
		if !feasibleWithout(remaining, 0, pos, deadline) {
			pick = earliest(remaining, deadline)
		}
		out = append(out, remaining[pick])
		remaining = append(remaining[:pick], remaining[pick+1:]...)
	}
	return out
}

// feasibleWithout reports whether, after placing remaining[skip] at pos,
// the others can still all meet their deadlines from pos+1 on.
func feasibleWithout(remaining []*candidate, skip, pos int, deadline func(*candidate) int) bool {
	ds := make([]int, 0, len(remaining)-1)
	for i, c := range remaining {
		if i != skip {
			ds = append(ds, deadline(c))
		}
	}
	sort.Ints(ds)
	for j, d := range ds {
		if d < pos+1+j {
			return false
		}
	}
	return true
}

func earliest(remaining []*candidate, deadline func(*candidate) int) int {
	best := 0
	for i, c := range remaining {
		if deadline(c) < deadline(remaining[best]) {
			best = i
		}
	}
	return best
}

// strictlyDescending lowers each score just below its predecessor where
// needed so the sequence strictly decreases.
func strictlyDescending(scores []float64) {
	for i := 1; i < len(scores); i++ {
		if scores[i] >= scores[i-1] {
			scores[i] = math.Nextafter(scores[i-1], math.Inf(-1))
		}
	}
}
