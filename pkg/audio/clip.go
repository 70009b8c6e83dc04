// Package audio turns uploaded recordings into the normalised mono clip the
// pipeline works on, and back into WAV for upload to model servers.
//
// Decoding supports WAV (github.com/go-audio/wav) and MP3
// (github.com/hajimehoshi/go-mp3). Every decoded clip is downmixed to mono
// and resampled to [SampleRate].
package audio

// SampleRate is the rate, in Hz, of every decoded [Clip].
const SampleRate = 16000

// Clip is a mono recording held in memory as float32 samples in [-1, 1].
type Clip struct {
	Samples    []float32
	SampleRate int
}

// NewClip wraps samples recorded at rate.
func NewClip(samples []float32, rate int) *Clip {
	return &Clip{Samples: samples, SampleRate: rate}
}

// Duration returns the clip length in seconds.
func (c *Clip) Duration() float64 {
	if c == nil || c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// Slice returns the samples between start and end seconds, clamped to the
// clip. The result shares memory with the clip and must not be modified.
func (c *Clip) Slice(start, end float64) []float32 {
	if c == nil || c.SampleRate <= 0 {
		return nil
	}
	n := len(c.Samples)
	from := min(n, max(0, int(start*float64(c.SampleRate))))
	to := min(n, max(0, int(end*float64(c.SampleRate))))
	if to <= from {
		return nil
	}
	return c.Samples[from:to]
}
