package pipeline

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/MrWong99/recitalign/pkg/align"
	"github.com/MrWong99/recitalign/pkg/segment"
	"github.com/MrWong99/recitalign/pkg/types"
)

// RunStats are the diagnostics of one pipeline run. They are logged and
// exported as metrics but never change the response.
type RunStats struct {
	Operation string
	Model     types.ModelSize
	Device    types.Device
	Segments  int

	Align align.Stats

	ASRTime   time.Duration
	AlignTime time.Duration
	Total     time.Duration

	// Duration, word and pause statistics cover matched verse segments
	// only. Confidence covers every segment.
	MatchedSegments int
	MatchedWords    int
	MeanDuration    float64
	StdDuration     float64
	MeanWords       float64
	StdWords        float64
	SpeechSeconds   float64
	WordsPerMinute  float64
	PhonemesPerSec  float64
	MeanPause       float64
	StdPause        float64
	MeanConfidence  float64
	StdConfidence   float64
	Undersegmented  []int
}

// computeStats derives the run statistics. Standard deviations are
// population deviations.
func computeStats(e *align.Engine, segs []segment.Segment, run align.RunResult) RunStats {
	st := RunStats{Segments: len(segs), Align: run.Stats}

	var durs, words, confs []float64
	phonemes := 0
	idx := e.Index()
	for i, r := range run.Results {
		confs = append(confs, r.Confidence)
		if r.Undersegmented {
			st.Undersegmented = append(st.Undersegmented, r.SegmentIndex)
		}
		if !r.Matched || i >= len(segs) {
			continue
		}
		n := r.ToWord - r.FromWord + 1
		words = append(words, float64(n))
		durs = append(durs, segs[i].Duration())
		for w := r.FromWord; w <= r.ToWord; w++ {
			phonemes += len(idx.Word(w).Phonemes)
		}
	}

	var pauses []float64
	for i := 1; i < len(segs); i++ {
		if gap := segs[i].Start - segs[i-1].End; gap > 0 {
			pauses = append(pauses, gap)
		}
	}

	st.MeanConfidence, st.StdConfidence = meanStd(confs)
	st.MatchedSegments = len(words)
	if len(words) > 0 {
		st.MeanDuration, st.StdDuration = meanStd(durs)
		st.MeanWords, st.StdWords = meanStd(words)
		st.MatchedWords = int(floats.Sum(words))
		st.SpeechSeconds = floats.Sum(durs)
		if st.SpeechSeconds > 0 {
			st.WordsPerMinute = round2(float64(st.MatchedWords) / (st.SpeechSeconds / 60))
			st.PhonemesPerSec = round2(float64(phonemes) / st.SpeechSeconds)
		}
		st.MeanPause, st.StdPause = meanStd(pauses)
	}
	return st
}

func meanStd(x []float64) (float64, float64) {
	if len(x) == 0 {
		return 0, 0
	}
	m, s := stat.PopMeanStdDev(x, nil)
	return round2(m), round2(s)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
