// Package energy provides an in-process vad.Detector that gates fixed-size
// frames on their RMS energy.
//
// It needs no model server and is meant for development and tests. Real
// recitations with background noise should use the httpvad backend.
package energy

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/recitalign/pkg/audio"
	"github.com/MrWong99/recitalign/pkg/provider/vad"
	"github.com/MrWong99/recitalign/pkg/types"
)

const (
	defaultThreshold = 0.02
	defaultFrameMs   = 30
)

var _ vad.Detector = (*Detector)(nil)

// Option is a functional option for configuring a Detector.
type Option func(*Detector)

// WithThreshold sets the RMS level (in float sample units, 0–1) at or above
// which a frame counts as speech. Defaults to 0.02.
func WithThreshold(rms float64) Option {
	return func(d *Detector) { d.threshold = rms }
}

// WithFrameMs sets the analysis frame length in milliseconds. Defaults to 30.
func WithFrameMs(ms int) Option {
	return func(d *Detector) { d.frameMs = ms }
}

// Detector implements vad.Detector with a per-frame energy gate.
type Detector struct {
	threshold float64
	frameMs   int
}

// New returns an energy Detector.
func New(opts ...Option) (*Detector, error) {
	d := &Detector{threshold: defaultThreshold, frameMs: defaultFrameMs}
	for _, o := range opts {
		o(d)
	}
	if d.threshold <= 0 || d.threshold >= 1 {
		return nil, fmt.Errorf("energy: threshold must be in (0, 1), got %v", d.threshold)
	}
	if d.frameMs <= 0 {
		return nil, fmt.Errorf("energy: frame length must be positive, got %d ms", d.frameMs)
	}
	return d, nil
}

// Detect returns one interval per run of consecutive frames whose energy
// reaches the threshold.
func (d *Detector) Detect(ctx context.Context, samples []float32, sampleRate int) ([]types.Interval, error) {
	if sampleRate <= 0 {
		return nil, errors.New("energy: sample rate must be positive")
	}
	frame := sampleRate * d.frameMs / 1000
	if frame == 0 {
		frame = 1
	}
	rate := float64(sampleRate)

	var (
		out     []types.Interval
		start   = -1
		checked int
	)
	for i := 0; i < len(samples); i += frame {
		// Long recordings are millions of frames; honour cancellation.
		if checked++; checked%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		end := min(len(samples), i+frame)
		speech := audio.RMS(samples[i:end]) >= d.threshold
		switch {
		case speech && start < 0:
			start = i
		case !speech && start >= 0:
			out = append(out, types.Interval{Start: float64(start) / rate, End: float64(i) / rate})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, types.Interval{Start: float64(start) / rate, End: float64(len(samples)) / rate})
	}
	return out, nil
}
