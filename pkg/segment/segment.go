// Package segment turns raw voice-activity intervals into the padded, merged
// segment boundaries that ASR and alignment operate on.
//
// Everything here is pure: the same input always yields the same output and
// nothing blocks.
package segment

import (
	"cmp"
	"math"
	"slices"

	"github.com/MrWong99/recitalign/pkg/types"
)

// Segment is one cleaned boundary. Index is 1-based in time order.
//
// Start and End include padding and are rounded to the millisecond. Speech is
// the unpadded speech span the segment was built from; feeding the Speech
// spans of a cleaned list back into [Clean] with the same parameters yields
// the same list.
type Segment struct {
	Index  int
	Start  float64
	End    float64
	Speech types.Interval
}

// Interval returns the padded boundary as an interval.
func (s Segment) Interval() types.Interval {
	return types.Interval{Start: s.Start, End: s.End}
}

// Duration returns End-Start in seconds.
func (s Segment) Duration() float64 { return s.End - s.Start }

// Clean merges raw speech intervals separated by less than MinSilenceMs,
// drops the ones shorter than MinSpeechMs, pads the survivors by PadMs
// clamped to [0, audioDuration], and merges any overlaps the padding
// introduced. A non-positive audioDuration disables the upper clamp.
//
// An empty result is not an error.
func Clean(raw []types.Interval, p Params, audioDuration float64) []Segment {
	spans := make([]types.Interval, 0, len(raw))
	for _, iv := range raw {
		if iv.End > iv.Start {
			spans = append(spans, iv)
		}
	}
	slices.SortFunc(spans, func(a, b types.Interval) int {
		return cmp.Or(cmp.Compare(a.Start, b.Start), cmp.Compare(a.End, b.End))
	})

	pad := float64(p.PadMs) / 1000

	// Merge short pauses.
	var merged []types.Interval
	for _, iv := range spans {
		if n := len(merged); n > 0 && millis(iv.Start-merged[n-1].End) < int64(p.MinSilenceMs) {
			merged[n-1].End = max(merged[n-1].End, iv.End)
			continue
		}
		merged = append(merged, iv)
	}

	// Drop short bursts.
	kept := merged[:0]
	for _, iv := range merged {
		if millis(iv.Duration()) >= int64(p.MinSpeechMs) {
			kept = append(kept, iv)
		}
	}

	// Pad, clamp and merge overlaps introduced by padding.
	var out []Segment
	for _, iv := range kept {
		start := max(0, iv.Start-pad)
		end := iv.End + pad
		if audioDuration > 0 {
			end = min(end, audioDuration)
		}
		if n := len(out); n > 0 && start <= out[n-1].End {
			last := &out[n-1]
			last.End = max(last.End, end)
			last.Speech.End = max(last.Speech.End, iv.End)
			continue
		}
		out = append(out, Segment{Start: start, End: end, Speech: iv})
	}

	for i := range out {
		out[i].Index = i + 1
		out[i].Start = roundMillis(out[i].Start)
		out[i].End = roundMillis(out[i].End)
	}
	return out
}

// Speech returns the unpadded speech spans of segs.
func Speech(segs []Segment) []types.Interval {
	out := make([]types.Interval, len(segs))
	for i, s := range segs {
		out[i] = s.Speech
	}
	return out
}

// FromTimestamps builds segments from client-supplied boundaries verbatim:
// no merging, dropping or padding, and exactly one segment per input pair in
// input order. Times are clamped to [0, audioDuration]; an inverted pair is
// kept as a zero-length segment so the output length always matches the
// input.
func FromTimestamps(ts []types.Interval, audioDuration float64) []Segment {
	out := make([]Segment, len(ts))
	for i, iv := range ts {
		start, end := max(0, iv.Start), max(0, iv.End)
		if audioDuration > 0 {
			start = min(start, audioDuration)
			end = min(end, audioDuration)
		}
		end = max(end, start)
		out[i] = Segment{
			Index:  i + 1,
			Start:  roundMillis(start),
			End:    roundMillis(end),
			Speech: types.Interval{Start: start, End: end},
		}
	}
	return out
}

// Intervals returns the padded boundaries of segs.
func Intervals(segs []Segment) []types.Interval {
	out := make([]types.Interval, len(segs))
	for i, s := range segs {
		out[i] = s.Interval()
	}
	return out
}

func roundMillis(v float64) float64 { return math.Round(v*1000) / 1000 }

// millis converts seconds to whole milliseconds so thresholds compare exactly.
func millis(v float64) int64 { return int64(math.Round(v * 1000)) }
