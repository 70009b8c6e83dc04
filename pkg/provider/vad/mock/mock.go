// Package mock provides a test double for the vad.Detector interface.
//
// Example:
//
//	det := &mock.Detector{
//	    Intervals: []types.Interval{{Start: 0.5, End: 3.2}},
//	}
//	ivs, _ := det.Detect(ctx, samples, 16000)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/recitalign/pkg/provider/vad"
	"github.com/MrWong99/recitalign/pkg/types"
)

// DetectCall records a single invocation of Detector.Detect.
type DetectCall struct {
	// Samples is the number of samples passed to Detect.
	Samples int

	// SampleRate is the rate passed to Detect.
	SampleRate int
}

// Detector is a mock implementation of vad.Detector.
type Detector struct {
	mu sync.Mutex

	// Intervals is returned by every Detect call.
	Intervals []types.Interval

	// DetectErr, if non-nil, is returned as the error from Detect.
	DetectErr error

	// DetectCalls records every call to Detect in order.
	DetectCalls []DetectCall
}

// Detect records the call and returns a copy of Intervals, DetectErr.
func (d *Detector) Detect(_ context.Context, samples []float32, sampleRate int) ([]types.Interval, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DetectCalls = append(d.DetectCalls, DetectCall{Samples: len(samples), SampleRate: sampleRate})
	if d.DetectErr != nil {
		return nil, d.DetectErr
	}
	out := make([]types.Interval, len(d.Intervals))
	copy(out, d.Intervals)
	return out, nil
}

// CallCount returns the number of Detect calls so far. Thread-safe.
func (d *Detector) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DetectCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DetectCalls = nil
}

// Ensure Detector implements vad.Detector at compile time.
var _ vad.Detector = (*Detector)(nil)
