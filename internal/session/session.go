// Package session caches everything one recording's pipeline runs produce so
// that a client can re-run a single stage (boundary cleaning, transcription
// or alignment) without repeating the others.
//
// A [Session] holds the decoded audio and the raw detector intervals, which
// never change after creation, plus the mutable boundaries, model name and
// last results. Mutations go through [Store.WithLock], which serialises them
// per session. Sessions expire a fixed TTL after creation; an expired session
// is indistinguishable from one that never existed.
//
// A [Store] can write sessions through to a [Persister] so that they survive
// a restart. Implementations live in the postgres and sqlite subpackages.
package session

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/recitalign/pkg/align"
	"github.com/MrWong99/recitalign/pkg/audio"
	"github.com/MrWong99/recitalign/pkg/segment"
	"github.com/MrWong99/recitalign/pkg/types"
)

// ErrNotFound is returned for absent, malformed and expired ids alike.
var ErrNotFound = errors.New("session: not found or expired")

// Session is one cached recording. ID, CreatedAt, ExpiresAt, Audio and
// RawIntervals are immutable. The remaining fields may only be read or
// written inside [Store.WithLock].
type Session struct {
	ID           string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Audio        *audio.Clip
	RawIntervals []types.Interval

	// Boundaries and LastResults are index-aligned.
	Boundaries  []segment.Segment
	ModelName   types.ModelSize
	LastResults []align.Result

	// Phonemes holds the ASR output per boundary, for diagnostics.
	Phonemes [][]string

	lock chan struct{}
}

func newSession(id string, created time.Time, ttl time.Duration, clip *audio.Clip, raw []types.Interval) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    created,
		ExpiresAt:    created.Add(ttl),
		Audio:        clip,
		RawIntervals: raw,
		lock:         make(chan struct{}, 1),
	}
}

// Expired reports whether now is past the session's expiry. A session is
// still live at exactly ExpiresAt.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// View is a copy of a session's mutable state, safe to use without the lock.
type View struct {
	ID          string
	ModelName   types.ModelSize
	Boundaries  []segment.Segment
	LastResults []align.Result
	Phonemes    [][]string
}

func (s *Session) view() View {
	v := View{
		ID:          s.ID,
		ModelName:   s.ModelName,
		Boundaries:  append([]segment.Segment(nil), s.Boundaries...),
		LastResults: append([]align.Result(nil), s.LastResults...),
		Phonemes:    make([][]string, len(s.Phonemes)),
	}
	for i, p := range s.Phonemes {
		v.Phonemes[i] = append([]string(nil), p...)
	}
	return v
}

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/MrWong99/recitalign/session"))

var validID = regexp.MustCompile(`^[0-9a-f]{32}$`)

// NewID derives a 32-hex session id from the recording's content and its
// creation time.
func NewID(clip *audio.Clip, created time.Time) string {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(created.UnixNano()))
	h.Write(buf[:])
	if clip != nil {
		binary.LittleEndian.PutUint64(buf[:], uint64(clip.SampleRate))
		h.Write(buf[:])
		h.Write(EncodeSamples(clip.Samples))
	}
	return strings.ReplaceAll(uuid.NewSHA1(idNamespace, h.Sum(nil)).String(), "-", "")
}

// ValidID reports whether id has the shape produced by [NewID].
func ValidID(id string) bool {
	return validID.MatchString(id)
}
