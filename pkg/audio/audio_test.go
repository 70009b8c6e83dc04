package audio_test

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/recitalign/pkg/audio"
)

func sine(n, rate int, freq float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestDecode_WAVRoundTrip(t *testing.T) {
	t.Parallel()
	in := sine(1600, audio.SampleRate, 440)
	wav := audio.EncodeWAV(in, audio.SampleRate)

	clip, err := audio.Decode(bytes.NewReader(wav), "clip.bin")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if clip.SampleRate != audio.SampleRate {
		t.Errorf("SampleRate = %d", clip.SampleRate)
	}
	if len(clip.Samples) != len(in) {
		t.Fatalf("got %d samples, want %d", len(clip.Samples), len(in))
	}
	for i := range in {
		if math.Abs(float64(clip.Samples[i]-in[i])) > 1e-3 {
			t.Fatalf("sample %d = %v, want %v", i, clip.Samples[i], in[i])
		}
	}
}

func TestDecode_ResamplesTo16k(t *testing.T) {
	t.Parallel()
	wav := audio.EncodeWAV(sine(8000, 8000, 200), 8000)

	clip, err := audio.Decode(bytes.NewReader(wav), "low.wav")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(clip.Samples) != 16000 {
		t.Errorf("got %d samples, want 16000", len(clip.Samples))
	}
	if d := clip.Duration(); math.Abs(d-1) > 1e-9 {
		t.Errorf("Duration = %v, want 1", d)
	}
}

func TestDecode_Unsupported(t *testing.T) {
	t.Parallel()
	_, err := audio.Decode(bytes.NewReader([]byte("definitely not audio")), "notes.txt")
	if !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestClipSlice(t *testing.T) {
	t.Parallel()
	clip := audio.NewClip(make([]float32, 32000), 16000)

	tests := []struct {
		start, end float64
		want       int
	}{
		{0, 1, 16000},
		{0.5, 1.5, 16000},
		{-1, 0.25, 4000},
		{1.5, 9, 8000},
		{1.2, 1.0, 0},
	}
	for _, tt := range tests {
		if got := len(clip.Slice(tt.start, tt.end)); got != tt.want {
			t.Errorf("Slice(%v, %v) len = %d, want %d", tt.start, tt.end, got, tt.want)
		}
	}
}

func TestDownmix(t *testing.T) {
	t.Parallel()
	got := audio.Downmix([]float32{0.2, 0.4, -0.5, 0.5, 1}, 2)
	want := []float32{0.3, 0}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("frame %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResample(t *testing.T) {
	t.Parallel()
	in := []float32{0, 1, 0, -1}
	if got := audio.Resample(in, 16000, 16000); &got[0] != &in[0] {
		t.Error("equal rates should return the input unchanged")
	}
	up := audio.Resample(in, 8000, 16000)
	if len(up) != 8 {
		t.Fatalf("upsampled len = %d, want 8", len(up))
	}
	if up[1] != 0.5 {
		t.Errorf("interpolated sample = %v, want 0.5", up[1])
	}
	down := audio.Resample(sine(48000, 48000, 100), 48000, 16000)
	if len(down) != 16000 {
		t.Errorf("downsampled len = %d, want 16000", len(down))
	}
}

func TestFloatToPCM16_Clamps(t *testing.T) {
	t.Parallel()
	pcm := audio.FloatToPCM16([]float32{2, -2})
	back := audio.PCM16ToFloat(pcm)
	if back[0] < 0.999 || back[1] > -0.999 {
		t.Errorf("clamped samples = %v", back)
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v", got)
	}
	if got := audio.RMS([]float32{0.5, -0.5, 0.5, -0.5}); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS = %v, want 0.5", got)
	}
}
