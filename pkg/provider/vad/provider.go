// Package vad defines the Detector interface for voice activity detection
// backends.
//
// A Detector receives a whole decoded recording and returns the raw speech
// intervals it found, in seconds. The intervals are not cleaned: merging short
// pauses, dropping short bursts and padding are the job of pkg/segment, so
// that the same raw intervals can be re-cleaned with different settings
// without running the detector again.
//
// Implementations must be safe for concurrent use.
package vad

import (
	"context"

	"github.com/MrWong99/recitalign/pkg/types"
)

// Detector finds speech regions in mono audio.
type Detector interface {
	// Detect returns the speech intervals of samples, recorded at sampleRate
	// Hz, in ascending time order. An empty result with a nil error means the
	// recording contains no speech.
	Detect(ctx context.Context, samples []float32, sampleRate int) ([]types.Interval, error)
}
