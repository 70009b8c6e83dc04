package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// ErrUnsupportedFormat is returned when the input is neither WAV nor MP3.
var ErrUnsupportedFormat = errors.New("audio: unsupported format")

// ErrEmpty is returned when the input decodes to no samples.
var ErrEmpty = errors.New("audio: no samples")

// Decode reads a whole recording from r and returns it as a mono clip at
// [SampleRate]. The container is detected from the leading bytes; name (the
// upload's file name) is used only when sniffing is inconclusive.
func Decode(r io.ReadSeeker, name string) (*Clip, error) {
	head := make([]byte, 12)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("audio: read header: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("audio: rewind: %w", err)
	}

	var (
		samples []float32
		rate    int
	)
	switch sniff(head[:n], name) {
	case "wav":
		samples, rate, err = decodeWAV(r)
	case "mp3":
		samples, rate, err = decodeMP3(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, ErrEmpty
	}
	return NewClip(Resample(samples, rate, SampleRate), SampleRate), nil
}

func sniff(head []byte, name string) string {
	switch {
	case len(head) >= 12 && bytes.Equal(head[:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")):
		return "wav"
	case bytes.HasPrefix(head, []byte("ID3")):
		return "mp3"
	case len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return "mp3"
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav", ".wave":
		return "wav"
	case ".mp3":
		return "mp3"
	}
	return ""
}

func decodeWAV(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: invalid WAV header", ErrUnsupportedFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("audio: decode wav: %w", err)
	}
	return intBufferToMono(buf), int(dec.SampleRate), nil
}

func intBufferToMono(buf *goaudio.IntBuffer) []float32 {
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	scale := float32(int64(1) << uint(depth-1))
	flat := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		flat[i] = float32(v) / scale
	}
	channels := 1
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	return Downmix(flat, channels)
}

func decodeMP3(r io.Reader) ([]float32, int, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, 0, fmt.Errorf("audio: decode mp3: %w", err)
	}
	// go-mp3 always yields 16-bit little-endian stereo.
	pcm, err := io.ReadAll(dec)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, 0, fmt.Errorf("audio: decode mp3: %w", err)
	}
	return Downmix(PCM16ToFloat(pcm), 2), dec.SampleRate(), nil
}
