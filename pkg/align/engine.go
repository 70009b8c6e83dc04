// Package align matches ASR phoneme sequences against the canonical
// reference text.
//
// [Engine.Align] handles a single segment: it searches a window of reference
// words around an [Anchor] with a word-boundary-constrained edit-distance DP
// and escalates through retry tiers when nothing acceptable is found. The
// outcome carries the next anchor, so callers thread it from one segment to
// the next; the engine itself holds no per-run state and is safe for
// concurrent use.
//
// [Engine.Run] drives a whole recording: formula detection, initial anchoring
// by n-gram voting, the per-segment loop, gap detection and the review flags.
package align

import (
	"fmt"
	"math"

	"github.com/MrWong99/recitalign/pkg/reference"
)

// Mode selects the search scope of [Engine.Align].
type Mode int

const (
	// ModeLocal searches a window around the anchor.
	ModeLocal Mode = iota

	// ModeGlobal searches the entire reference text.
	ModeGlobal
)

// String implements [fmt.Stringer].
func (m Mode) String() string {
	if m == ModeGlobal {
		return "global"
	}
	return "local"
}

// State is the transition a segment took through the retry state machine.
type State int

const (
	// StateMatched: accepted in the primary window.
	StateMatched State = iota

	// StateTier1Retry: accepted after widening the window.
	StateTier1Retry

	// StateTier2Retry: accepted in the widened window with the relaxed
	// threshold.
	StateTier2Retry

	// StateReAnchor: every tier failed and the failure streak reached the
	// limit; the next segment searches globally.
	StateReAnchor

	// StateFailed: every tier failed.
	StateFailed
)

var stateNames = [...]string{"matched", "tier1_retry", "tier2_retry", "reanchor", "failed"}

// String implements [fmt.Stringer].
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Accepted reports whether the state carries a match.
func (s State) Accepted() bool { return s <= StateTier2Retry }

// Anchor is the search position threaded from segment to segment.
type Anchor struct {
	// Word is the index of the reference word the next segment is expected
	// to start at.
	Word int

	// Failures counts consecutive segments that failed every tier.
	Failures int
}

// Outcome is the result of aligning one segment.
type Outcome struct {
	State State

	// StartWord and EndWord are inclusive reference word indices. Only valid
	// when State.Accepted().
	StartWord int
	EndWord   int

	// Norm is the normalised edit distance of the best candidate.
	Norm float64

	// Confidence is 1-Norm clamped to [0,1] and rounded to 3 decimals; 0 on
	// failure.
	Confidence float64

	// BasmalaFused is set when the match began inside a prepended Basmala.
	BasmalaFused bool

	Tier1Attempted bool
	Tier2Attempted bool

	// Next is the anchor and mode for the following segment.
	Next     Anchor
	NextMode Mode
}

// Engine aligns phoneme sequences against a reference index.
type Engine struct {
	idx *reference.Index
	cfg Config
}

// New creates an Engine. cfg is validated.
func New(idx *reference.Index, cfg Config) (*Engine, error) {
	if idx == nil {
		return nil, fmt.Errorf("align: nil reference index")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{idx: idx, cfg: cfg}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Index returns the reference index the engine searches.
func (e *Engine) Index() *reference.Index { return e.idx }

// window is a slice of the flattened reference with its column→word map.
type window struct {
	phones []string
	words  []int
}

func (e *Engine) wordWindow(from, to int) window {
	from = max(0, from)
	to = min(e.idx.Len(), to)
	if from >= to {
		return window{}
	}
	ps, pe := e.idx.WordOffset(from), e.idx.WordOffset(to)
	words := make([]int, pe-ps)
	for k := range words {
		words[k] = e.idx.PhoneWord(ps + k)
	}
	return window{phones: e.idx.Phonemes()[ps:pe], words: words}
}

// withPrefix returns a copy of w with formula phonemes prepended.
func (w window) withPrefix(prefix []string) window {
	phones := make([]string, 0, len(prefix)+len(w.phones))
	phones = append(append(phones, prefix...), w.phones...)
	words := make([]int, 0, len(phones))
	for range prefix {
		words = append(words, prefixWord)
	}
	words = append(words, w.words...)
	return window{phones: phones, words: words}
}

func (e *Engine) estWords(m int) int {
	return max(1, int(math.Round(float64(m)/e.idx.AvgPhonesPerWord())))
}

// candidate is a resolved DP match in word coordinates.
type candidate struct {
	start, end int
	norm       float64
	fused      bool
}

func (e *Engine) search(p []string, w window, expected int, prior float64) (candidate, bool) {
	m, ok := alignWindow(p, w.phones, w.words, expected, prior, e.cfg.Costs)
	if !ok {
		return candidate{}, false
	}
	c := candidate{start: w.words[m.jStart], end: w.words[m.jEnd-1], norm: m.norm}
	if c.start == prefixWord {
		c.fused = true
		c.start = -1
		for k := m.jStart; k < m.jEnd; k++ {
			if w.words[k] != prefixWord {
				c.start = w.words[k]
				break
			}
		}
		if c.start < 0 {
			// The match covers nothing but the formula.
			return candidate{}, false
		}
	}
	return c, true
}

// Align aligns one segment's phonemes. In ModeLocal it searches around
// a.Word, widening the window (tier 1) and then relaxing the threshold
// (tier 2) before giving up. In ModeGlobal it searches the whole text with
// no position prior and tries the relaxed threshold when the normal one
// fails.
//
// The returned Outcome always carries the anchor for the next segment: just
// past the match on success, unchanged on failure, and switched to
// ModeGlobal once MaxConsecutiveFailures segments in a row have failed.
func (e *Engine) Align(phonemes []string, a Anchor, mode Mode) Outcome {
	if mode == ModeGlobal {
		return e.alignGlobal(phonemes, a)
	}

	cfg := e.cfg
	est := e.estWords(len(phonemes))
	prior := cfg.StartPriorWeight

	if a.Word < e.idx.Len() {
		w := e.wordWindow(a.Word-cfg.LookbackWords, a.Word+est+cfg.LookaheadWords)
		if c, ok := e.search(phonemes, w, a.Word, prior); ok && c.norm <= cfg.MaxEditDistance {
			return e.accept(StateMatched, c, Outcome{})
		}
	}

	out := Outcome{Tier1Attempted: true}
	wide := e.wordWindow(a.Word-cfg.RetryLookbackWords, a.Word+est+cfg.RetryLookaheadWords)
	c, ok := e.search(phonemes, wide, a.Word, prior)
	if ok && c.norm <= cfg.MaxEditDistance {
		return e.accept(StateTier1Retry, c, out)
	}

	// Tier 2 keeps the widened window, so the DP result is unchanged and only
	// the acceptance bar moves.
	out.Tier2Attempted = true
	if ok && c.norm <= cfg.MaxEditDistanceRelaxed {
		return e.accept(StateTier2Retry, c, out)
	}
	if ok {
		out.Norm = c.norm
	}
	return e.fail(a, ModeLocal, out)
}

func (e *Engine) alignGlobal(phonemes []string, a Anchor) Outcome {
	w := e.wordWindow(0, e.idx.Len())
	c, ok := e.search(phonemes, w, a.Word, 0)
	if ok && c.norm <= e.cfg.MaxEditDistance {
		return e.accept(StateMatched, c, Outcome{})
	}
	out := Outcome{Tier2Attempted: true}
	if ok && c.norm <= e.cfg.MaxEditDistanceRelaxed {
		return e.accept(StateTier2Retry, c, out)
	}
	if ok {
		out.Norm = c.norm
	}
	// A failed global search keeps searching globally.
	out.State = StateFailed
	out.Next = Anchor{Word: a.Word, Failures: a.Failures + 1}
	out.NextMode = ModeGlobal
	return out
}

// AlignFused aligns a segment that may open with a Basmala recited in the
// same breath as the first verse words. The Basmala phonemes are prepended
// to a window starting at the anchor; the outcome is accepted only if the
// match actually consumed part of the prefix. No retry tiers are attempted.
func (e *Engine) AlignFused(phonemes []string, a Anchor) (Outcome, bool) {
	if a.Word >= e.idx.Len() {
		return Outcome{}, false
	}
	cfg := e.cfg
	est := e.estWords(len(phonemes))
	w := e.wordWindow(a.Word, a.Word+est+cfg.LookaheadWords).
		withPrefix(SpecialBasmala.Phonemes())
	c, ok := e.search(phonemes, w, a.Word, cfg.StartPriorWeight)
	if !ok || !c.fused || c.norm > cfg.MaxEditDistance {
		return Outcome{}, false
	}
	out := e.accept(StateMatched, c, Outcome{})
	out.BasmalaFused = true
	return out, true
}

func (e *Engine) accept(s State, c candidate, out Outcome) Outcome {
	out.State = s
	out.StartWord, out.EndWord = c.start, c.end
	out.Norm = c.norm
	out.Confidence = roundConfidence(1 - c.norm)
	out.Next = Anchor{Word: c.end + 1}
	out.NextMode = ModeLocal
	return out
}

func (e *Engine) fail(a Anchor, mode Mode, out Outcome) Outcome {
	out.Confidence = 0
	out.Next = Anchor{Word: a.Word, Failures: a.Failures + 1}
	out.NextMode = mode
	out.State = StateFailed
	if out.Next.Failures >= e.cfg.MaxConsecutiveFailures {
		out.State = StateReAnchor
		out.Next.Failures = 0
		out.NextMode = ModeGlobal
	}
	return out
}

// Reanchor picks a new anchor from the phonemes of upcoming segments by
// n-gram voting. Up to AnchorSegments non-empty segments are concatenated.
// When voting finds nothing the caller should fall back to ModeGlobal.
func (e *Engine) Reanchor(upcoming [][]string) (Anchor, bool) {
	var combined []string
	used := 0
	for _, p := range upcoming {
		if used >= e.cfg.AnchorSegments {
			break
		}
		if len(p) > 0 {
			combined = append(combined, p...)
			used++
		}
	}
	v, ok := e.idx.Ngrams().Vote(combined)
	if !ok {
		return Anchor{}, false
	}
	w, ok := e.idx.VerseStart(v)
	if !ok {
		return Anchor{}, false
	}
	return Anchor{Word: w}, true
}

func roundConfidence(v float64) float64 {
	v = min(1, max(0, v))
	return math.Round(v*1000) / 1000
}
