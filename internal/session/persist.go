package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/recitalign/pkg/align"
	"github.com/MrWong99/recitalign/pkg/audio"
	"github.com/MrWong99/recitalign/pkg/segment"
	"github.com/MrWong99/recitalign/pkg/types"
)

// Persister stores session snapshots outside the process. Implementations
// must be safe for concurrent use.
type Persister interface {
	// Save inserts or replaces the snapshot with rec.ID.
	Save(ctx context.Context, rec *Record) error

	// Load returns the snapshot with id, or an error wrapping [ErrNotFound].
	Load(ctx context.Context, id string) (*Record, error)

	// Delete removes id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes every snapshot that expired before now and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Record is the persisted form of a [Session]. Audio is stored as raw
// little-endian float32 samples; the structured fields as JSON documents.
type Record struct {
	ID         string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	SampleRate int
	Samples    []byte
	ModelName  string

	RawIntervals []byte
	Boundaries   []byte
	Results      []byte
	Phonemes     []byte
}

// recordOf snapshots s. The caller must hold the session lock.
func recordOf(s *Session) (*Record, error) {
	rec := &Record{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		ModelName: string(s.ModelName),
	}
	if s.Audio != nil {
		rec.SampleRate = s.Audio.SampleRate
		rec.Samples = EncodeSamples(s.Audio.Samples)
	}
	var err error
	if rec.RawIntervals, err = json.Marshal(s.RawIntervals); err != nil {
		return nil, fmt.Errorf("session: encode raw intervals: %w", err)
	}
	if rec.Boundaries, err = json.Marshal(s.Boundaries); err != nil {
		return nil, fmt.Errorf("session: encode boundaries: %w", err)
	}
	if rec.Results, err = json.Marshal(s.LastResults); err != nil {
		return nil, fmt.Errorf("session: encode results: %w", err)
	}
	if rec.Phonemes, err = json.Marshal(s.Phonemes); err != nil {
		return nil, fmt.Errorf("session: encode phonemes: %w", err)
	}
	return rec, nil
}

// sessionOf rebuilds a Session from rec.
func sessionOf(rec *Record) (*Session, error) {
	var raw []types.Interval
	if err := unmarshalOptional(rec.RawIntervals, &raw); err != nil {
		return nil, fmt.Errorf("session: decode raw intervals: %w", err)
	}
	s := &Session{
		ID:           rec.ID,
		CreatedAt:    rec.CreatedAt,
		ExpiresAt:    rec.ExpiresAt,
		Audio:        audio.NewClip(DecodeSamples(rec.Samples), rec.SampleRate),
		RawIntervals: raw,
		ModelName:    types.ModelSize(rec.ModelName),
		lock:         make(chan struct{}, 1),
	}
	var (
		bounds  []segment.Segment
		results []align.Result
		phones  [][]string
	)
	if err := unmarshalOptional(rec.Boundaries, &bounds); err != nil {
		return nil, fmt.Errorf("session: decode boundaries: %w", err)
	}
	if err := unmarshalOptional(rec.Results, &results); err != nil {
		return nil, fmt.Errorf("session: decode results: %w", err)
	}
	if err := unmarshalOptional(rec.Phonemes, &phones); err != nil {
		return nil, fmt.Errorf("session: decode phonemes: %w", err)
	}
	s.Boundaries, s.LastResults, s.Phonemes = bounds, results, phones
	return s, nil
}

func unmarshalOptional(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// EncodeSamples packs samples as little-endian float32.
func EncodeSamples(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(s))
	}
	return out
}

// DecodeSamples is the inverse of [EncodeSamples]. A trailing partial sample
// is ignored.
func DecodeSamples(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out
}
