package reference

import (
	"cmp"
	"maps"
	"slices"
	"strings"
)

// runTrimRatio drops leading/trailing ayahs of the winning run whose vote
// weight is below this fraction of the run's maximum.
const runTrimRatio = 0.2

// NgramIndex maps phoneme n-grams to the ayahs they occur in. Grams never
// cross an ayah boundary.
type NgramIndex struct {
	size      int
	positions map[string][]VerseRef
	counts    map[string]int
}

func buildNgrams(x *Index, n int) *NgramIndex {
	ng := &NgramIndex{
		size:      n,
		positions: make(map[string][]VerseRef),
		counts:    make(map[string]int),
	}

	var (
		verse  VerseRef
		phones []string
	)
	flush := func() {
		seen := make(map[string]bool)
		for i := 0; i+n <= len(phones); i++ {
			g := gramKey(phones[i : i+n])
			ng.counts[g]++
			if !seen[g] {
				seen[g] = true
				ng.positions[g] = append(ng.positions[g], verse)
			}
		}
	}
	for i, w := range x.words {
		if i == 0 || w.Verse() != verse {
			if i > 0 {
				flush()
			}
			verse = w.Verse()
			phones = phones[:0]
		}
		phones = append(phones, w.Phonemes...)
	}
	flush()
	return ng
}

func gramKey(g []string) string { return strings.Join(g, "\x1f") }

func compareVerses(a, b VerseRef) int {
	return cmp.Or(cmp.Compare(a.Surah, b.Surah), cmp.Compare(a.Ayah, b.Ayah))
}

// Size returns the n-gram length.
func (ng *NgramIndex) Size() int { return ng.size }

// Vote finds the most likely ayah for a phoneme sequence. Every n-gram of
// phonemes that exists in the index votes for the ayahs containing it,
// weighted by 1/occurrences. The surah with the highest total wins; within it
// the best contiguous run of voted ayahs is trimmed and its first ayah
// returned. ok is false when no n-gram matched.
func (ng *NgramIndex) Vote(phonemes []string) (VerseRef, bool) {
	n := ng.size
	votes := make(map[VerseRef]float64)
	for i := 0; i+n <= len(phonemes); i++ {
		g := gramKey(phonemes[i : i+n])
		positions, ok := ng.positions[g]
		if !ok {
			continue
		}
		w := 1.0 / float64(ng.counts[g])
		for _, v := range positions {
			votes[v] += w
		}
	}
	if len(votes) == 0 {
		return VerseRef{}, false
	}

	// Sum in verse order so equal totals compare equal on every run.
	voted := slices.SortedFunc(maps.Keys(votes), compareVerses)
	surahTotals := make(map[int]float64)
	for _, v := range voted {
		surahTotals[v.Surah] += votes[v]
	}
	winner, best := 0, -1.0
	for _, s := range slices.Sorted(maps.Keys(surahTotals)) {
		// Strictly greater, so the lower surah wins ties.
		if w := surahTotals[s]; w > best {
			winner, best = s, w
		}
	}

	ayahWeights := make(map[int]float64)
	for v, w := range votes {
		if v.Surah == winner {
			ayahWeights[v.Ayah] = w
		}
	}
	start := bestRun(ayahWeights)
	return VerseRef{Surah: winner, Ayah: start}, true
}

// bestRun returns the first ayah of the heaviest run of consecutive ayahs,
// after trimming weak edges.
func bestRun(weights map[int]float64) int {
	ayahs := make([]int, 0, len(weights))
	for a := range weights {
		ayahs = append(ayahs, a)
	}
	slices.Sort(ayahs)

	type run struct {
		start, end int
		weight     float64
	}
	var (
		runs []run
		cur  = run{start: ayahs[0], end: ayahs[0], weight: weights[ayahs[0]]}
	)
	for _, a := range ayahs[1:] {
		if a == cur.end+1 {
			cur.end = a
			cur.weight += weights[a]
			continue
		}
		runs = append(runs, cur)
		cur = run{start: a, end: a, weight: weights[a]}
	}
	runs = append(runs, cur)

	best := runs[0]
	for _, r := range runs[1:] {
		if r.weight > best.weight {
			best = r
		}
	}

	maxW := 0.0
	for a := best.start; a <= best.end; a++ {
		maxW = max(maxW, weights[a])
	}
	threshold := runTrimRatio * maxW
	for best.start < best.end && weights[best.start] < threshold {
		best.start++
	}
	return best.start
}
