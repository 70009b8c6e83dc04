package align

import "math"

// prefixWord marks reference columns that belong to a prepended formula
// rather than to a canonical word.
const prefixWord = -1

// dpMatch is the best candidate found by [alignWindow]. jStart and jEnd are
// reference columns; jEnd is exclusive.
type dpMatch struct {
	jStart, jEnd int
	cost         float64
	norm         float64
}

// alignWindow runs a substring edit-distance DP of p (rows) against r
// (columns). Matches may only start at a word start and only end at a word
// end, as given by rWord which maps every reference column to its word.
//
// Among all valid end columns the candidate with the lowest
// norm + prior*|startWord-expected| wins, where norm is the edit cost divided
// by max(len(p), matched reference length, 1). Ties keep the earlier end.
func alignWindow(p, r []string, rWord []int, expected int, prior float64, c Costs) (dpMatch, bool) {
	m, n := len(p), len(r)
	if m == 0 || n == 0 {
		return dpMatch{}, false
	}

	// Column j is the boundary before reference phoneme j.
	boundary := func(j int) bool {
		return j == 0 || j == n || rWord[j] != rWord[j-1]
	}

	inf := math.Inf(1)
	prevCost := make([]float64, n+1)
	prevStart := make([]int, n+1)
	curCost := make([]float64, n+1)
	curStart := make([]int, n+1)

	for j := 0; j <= n; j++ {
		if j < n && boundary(j) {
			prevCost[j], prevStart[j] = 0, j
		} else {
			prevCost[j], prevStart[j] = inf, -1
		}
	}

	for i := 1; i <= m; i++ {
		curCost[0], curStart[0] = float64(i)*c.Deletion, 0
		for j := 1; j <= n; j++ {
			del := prevCost[j] + c.Deletion
			ins := curCost[j-1] + c.Insertion
			sub := prevCost[j-1]
			if p[i-1] != r[j-1] {
				sub += c.Substitution
			}
			switch {
			case sub <= del && sub <= ins:
				curCost[j], curStart[j] = sub, prevStart[j-1]
			case del <= ins:
				curCost[j], curStart[j] = del, prevStart[j]
			default:
				curCost[j], curStart[j] = ins, curStart[j-1]
			}
		}
		prevCost, curCost = curCost, prevCost
		prevStart, curStart = curStart, prevStart
	}

	best := dpMatch{}
	bestScore := inf
	for j := 1; j <= n; j++ {
		if !boundary(j) || math.IsInf(prevCost[j], 1) {
			continue
		}
		dist, jStart := prevCost[j], prevStart[j]
		norm := dist / float64(max(m, j-jStart, 1))

		startWord := rWord[j-1]
		if jStart < n {
			startWord = rWord[jStart]
		}
		if startWord == prefixWord {
			startWord = expected
		}
		score := norm + prior*math.Abs(float64(startWord-expected))
		if score < bestScore {
			bestScore = score
			best = dpMatch{jStart: jStart, jEnd: j, cost: dist, norm: norm}
		}
	}
	if math.IsInf(bestScore, 1) {
		return dpMatch{}, false
	}
	return best, true
}
