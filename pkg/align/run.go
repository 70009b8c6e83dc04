package align

import (
	"fmt"

	"github.com/MrWong99/recitalign/pkg/reference"
)

// SegmentInput is one segment's ASR output and duration in seconds.
type SegmentInput struct {
	Phonemes []string
	Duration float64
}

// Result is the alignment of one segment.
type Result struct {
	// SegmentIndex is 1-based.
	SegmentIndex int

	// Matched is set when the segment matched reference words; From/To and
	// FromWord/ToWord are valid only then.
	Matched  bool
	From     reference.Key
	To       reference.Key
	FromWord int
	ToWord   int

	MatchedText     string
	Confidence      float64
	HasMissingWords bool
	Undersegmented  bool

	// Special is set for formula segments, and for a verse match with a
	// fused leading Basmala.
	Special SpecialType

	// Error is the per-segment failure message, empty on success.
	Error string

	State State
}

// Stats are the per-run counters of the retry state machine.
type Stats struct {
	SegmentsAttempted int
	SegmentsPassed    int
	Tier1Attempts     int
	Tier1Passed       int
	Tier2Attempts     int
	Tier2Passed       int
	Reanchors         int
	SpecialMerges     int
	Specials          int

	// Tier1Segments and Tier2Segments list the 1-based indices of segments
	// that entered each tier.
	Tier1Segments []int
	Tier2Segments []int
}

// RunResult is the outcome of [Engine.Run]. Results has one entry per input
// segment, in input order.
type RunResult struct {
	Results []Result
	Stats   Stats
}

// Run aligns every segment of a recording in time order. Formulas at the
// start and after each surah end are reported as special segments; the
// remaining segments are aligned sequentially, each one anchored where the
// previous match ended.
func (e *Engine) Run(segs []SegmentInput) RunResult {
	phones := make([][]string, len(segs))
	for i, s := range segs {
		phones[i] = s.Phonemes
	}

	r := &runner{
		e:           e,
		segs:        segs,
		phones:      phones,
		results:     make([]Result, len(segs)),
		expectStart: -1,
		handled:     -1,
	}
	r.run()
	r.flagGaps()
	r.finish()
	return RunResult{Results: r.results, Stats: r.stats}
}

type runner struct {
	e       *Engine
	segs    []SegmentInput
	phones  [][]string
	results []Result
	stats   Stats

	anchor Anchor
	mode   Mode

	// startWord is the anchor the first verse segment was searched from, or
	// -1 when the run began with a global search.
	startWord int

	// expectStart, when >= 0, is where the next match should begin after a
	// surah transition or re-anchor.
	expectStart int

	firstAfterTransition bool

	// handled is the surah-start anchor whose transition was already
	// processed.
	handled int
}

func (r *runner) run() {
	e := r.e
	i := 0

	leading := e.detectSpecials(r.phones)
	for _, sp := range leading {
		r.setSpecial(i, sp)
		i++
	}
	r.firstAfterTransition = !containsBasmala(leading)

	if a, ok := e.Reanchor(r.phones[i:]); ok {
		r.anchor, r.mode, r.startWord = a, ModeLocal, a.Word
	} else {
		r.mode, r.startWord = ModeGlobal, -1
	}

	for i < len(r.segs) {
		if r.atSurahStart() && r.handled != r.anchor.Word {
			r.handled = r.anchor.Word
			r.expectStart = r.anchor.Word
			if specials := e.detectSpecials(r.phones[i:]); len(specials) > 0 {
				for _, sp := range specials {
					r.setSpecial(i, sp)
					i++
				}
				r.firstAfterTransition = !containsBasmala(specials)
				continue
			}
			r.firstAfterTransition = true
		}
		r.alignOne(i)
		i++
	}
}

// atSurahStart reports whether the local anchor sits on the first word of a
// surah that follows an already matched surah.
func (r *runner) atSurahStart() bool {
	w := r.anchor.Word
	if r.mode != ModeLocal || w <= 0 || w >= r.e.idx.Len() {
		return false
	}
	return r.e.idx.IsSurahEnd(w-1) && r.hasMatch()
}

func (r *runner) hasMatch() bool {
	for _, res := range r.results {
		if res.Matched {
			return true
		}
	}
	return false
}

func (r *runner) setSpecial(i int, sp special) {
	r.results[i] = Result{
		SegmentIndex: i + 1,
		MatchedText:  sp.kind.Text(),
		Confidence:   roundConfidence(sp.confidence),
		Special:      sp.kind,
		State:        StateMatched,
	}
	r.stats.Specials++
}

func (r *runner) alignOne(i int) {
	e := r.e
	r.stats.SegmentsAttempted++
	out := e.Align(r.phones[i], r.anchor, r.mode)

	if r.firstAfterTransition {
		r.firstAfterTransition = false
		if r.mode == ModeLocal {
			if fused, ok := e.AlignFused(r.phones[i], r.anchor); ok && fused.Confidence > out.Confidence {
				r.stats.SpecialMerges++
				r.stats.SegmentsPassed++
				r.setMatch(i, fused)
				r.results[i].Special = SpecialBasmala
				r.results[i].MatchedText = SpecialBasmala.Text() + " " + r.results[i].MatchedText
				r.anchor, r.mode = fused.Next, fused.NextMode
				return
			}
		}
	}

	if out.Tier1Attempted {
		r.stats.Tier1Attempts++
		r.stats.Tier1Segments = append(r.stats.Tier1Segments, i+1)
	}
	if out.Tier2Attempted {
		r.stats.Tier2Attempts++
		r.stats.Tier2Segments = append(r.stats.Tier2Segments, i+1)
	}

	switch out.State {
	case StateMatched, StateTier1Retry, StateTier2Retry:
		r.stats.SegmentsPassed++
		switch out.State {
		case StateTier1Retry:
			r.stats.Tier1Passed++
		case StateTier2Retry:
			r.stats.Tier2Passed++
		}
		r.setMatch(i, out)
		r.anchor, r.mode = out.Next, out.NextMode

	case StateReAnchor:
		r.setFailure(i, out)
		r.stats.Reanchors++
		if a, ok := e.Reanchor(r.phones[i+1:]); ok {
			r.anchor, r.mode = a, ModeLocal
			r.expectStart = a.Word
		} else {
			r.anchor, r.mode = out.Next, ModeGlobal
		}

	default:
		r.setFailure(i, out)
		r.anchor, r.mode = out.Next, out.NextMode
	}
}

func (r *runner) setMatch(i int, out Outcome) {
	idx := r.e.idx
	res := Result{
		SegmentIndex: i + 1,
		Matched:      true,
		FromWord:     out.StartWord,
		ToWord:       out.EndWord,
		From:         idx.Word(out.StartWord).Key,
		To:           idx.Word(out.EndWord).Key,
		MatchedText:  idx.Text(out.StartWord, out.EndWord),
		Confidence:   out.Confidence,
		State:        out.State,
	}
	if r.expectStart >= 0 {
		if out.StartWord > r.expectStart {
			res.HasMissingWords = true
		}
		r.expectStart = -1
	}
	r.results[i] = res
}

func (r *runner) setFailure(i int, out Outcome) {
	r.results[i] = Result{SegmentIndex: i + 1, State: out.State}
}

// flagGaps marks segments around skipped reference words: consecutive
// matches in the same surah with words between them, a first match that
// starts after the initial anchor, and a final segment that stops before the
// end of its verse.
func (r *runner) flagGaps() {
	idx := r.e.idx
	prev := -1
	first := -1
	for i, res := range r.results {
		if !res.Matched {
			continue
		}
		if first < 0 {
			first = i
		}
		if prev >= 0 {
			p := r.results[prev]
			if p.To.Surah == res.From.Surah && res.FromWord-p.ToWord-1 > 0 {
				r.results[prev].HasMissingWords = true
				r.results[i].HasMissingWords = true
			}
		}
		prev = i
	}

	if first >= 0 && r.startWord >= 0 && r.results[first].FromWord > r.startWord {
		r.results[first].HasMissingWords = true
	}

	last := len(r.results) - 1
	if prev >= 0 && prev == last && !idx.IsVerseEnd(r.results[last].ToWord) {
		r.results[last].HasMissingWords = true
	}
}

// finish applies the tail penalty, converts non-positive confidences into
// per-segment errors and sets the undersegmentation flag.
func (r *runner) finish() {
	cfg := r.e.cfg
	idx := r.e.idx
	last := len(r.results) - 1

	for i := range r.results {
		res := &r.results[i]

		if i == last && res.Matched && !idx.IsVerseEnd(res.ToWord) {
			res.Confidence = roundConfidence(res.Confidence - cfg.TailPenalty)
		}

		if res.Confidence <= 0 {
			*res = Result{
				SegmentIndex: res.SegmentIndex,
				State:        res.State,
				Error:        lowConfidence(res.Confidence),
			}
			continue
		}

		if res.Matched {
			words := res.ToWord - res.FromWord + 1
			span := idx.AyahSpan(res.FromWord, res.ToWord)
			broad := words >= cfg.UndersegMinWords || span >= cfg.UndersegMinAyahSpan
			res.Undersegmented = broad && r.segs[i].Duration >= cfg.UndersegMinDuration
		}
	}
}

func lowConfidence(score float64) string {
	return fmt.Sprintf("Low confidence (%.0f%%)", max(0, score)*100)
}
