package pipeline

import (
	"github.com/MrWong99/recitalign/pkg/align"
	"github.com/MrWong99/recitalign/pkg/segment"
)

// Response is the shared result shape of every entry point.
//
// AudioID is set on success and on failures that concern an existing
// session. Warning is set only when a GPU request was served on CPU.
// Segments is never nil.
type Response struct {
	AudioID  string    `json:"audio_id,omitempty"`
	Warning  string    `json:"warning,omitempty"`
	Error    string    `json:"error,omitempty"`
	Segments []Segment `json:"segments"`

	// Stats describes the run that produced the response. It is nil for
	// responses that did not run the pipeline.
	Stats *RunStats `json:"-"`
}

// Segment is one aligned segment on the wire. Unmatched references are
// empty strings; Error is null on success.
type Segment struct {
	Segment         int     `json:"segment"`
	TimeFrom        float64 `json:"time_from"`
	TimeTo          float64 `json:"time_to"`
	RefFrom         string  `json:"ref_from"`
	RefTo           string  `json:"ref_to"`
	MatchedText     string  `json:"matched_text"`
	Confidence      float64 `json:"confidence"`
	HasMissingWords bool    `json:"has_missing_words"`
	Undersegmented  bool    `json:"potentially_undersegmented,omitempty"`
	SpecialType     string  `json:"special_type,omitempty"`
	Error           *string `json:"error"`
}

// buildResponse pairs boundaries with their results. The two slices are
// index-aligned.
func buildResponse(id string, segs []segment.Segment, results []align.Result) *Response {
	out := make([]Segment, len(results))
	for i, r := range results {
		s := Segment{
			Segment:         r.SegmentIndex,
			MatchedText:     r.MatchedText,
			Confidence:      r.Confidence,
			HasMissingWords: r.HasMissingWords,
			Undersegmented:  r.Undersegmented,
			SpecialType:     string(r.Special),
		}
		if i < len(segs) {
			s.TimeFrom, s.TimeTo = segs[i].Start, segs[i].End
		}
		if r.Matched {
			s.RefFrom, s.RefTo = r.From.String(), r.To.String()
		}
		if r.Error != "" {
			msg := r.Error
			s.Error = &msg
		}
		out[i] = s
	}
	return &Response{AudioID: id, Segments: out}
}
