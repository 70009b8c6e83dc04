// Package asr defines the Provider interface for phoneme speech recognition
// backends.
//
// A Provider turns one speech segment into the sequence of phoneme tokens the
// alignment engine matches against the reference text. Backends run either on
// a GPU (fast, metered) or a CPU (slow, unmetered). When a GPU backend has
// used up its metered budget it fails with an error wrapping
// [ErrQuotaExhausted]; callers retry on CPU.
//
// Implementations must be safe for concurrent use.
package asr

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/MrWong99/recitalign/pkg/types"
)

// ErrQuotaExhausted is wrapped by errors returned when the backend's GPU
// budget is used up.
var ErrQuotaExhausted = errors.New("asr: GPU quota exhausted")

// Request describes one transcription.
type Request struct {
	// Samples is mono audio in [-1, 1].
	Samples []float32

	// SampleRate of Samples in Hz.
	SampleRate int

	// Model selects the model variant.
	Model types.ModelSize

	// Device selects where inference runs.
	Device types.Device
}

// Provider transcribes speech into phoneme tokens.
type Provider interface {
	// Transcribe returns the phoneme tokens recognised in req.Samples. An empty
	// result with a nil error means nothing was recognised.
	Transcribe(ctx context.Context, req Request) ([]string, error)
}

// QuotaError reports GPU quota exhaustion. It matches [ErrQuotaExhausted]
// under errors.Is.
type QuotaError struct {
	// ResetIn is the time until the quota resets, 0 when unknown.
	ResetIn time.Duration

	// Message is the backend's original message.
	Message string
}

func (e *QuotaError) Error() string {
	if e.Message == "" {
		return ErrQuotaExhausted.Error()
	}
	return fmt.Sprintf("%s: %s", ErrQuotaExhausted, e.Message)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExhausted }

var resetPattern = regexp.MustCompile(`Try again in (\d+):(\d{2}):(\d{2})`)

// ParseResetIn extracts the wait time from a backend message such as
// "GPU quota exceeded. Try again in 13:53:59".
func ParseResetIn(msg string) (time.Duration, bool) {
	m := resetPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	s, _ := strconv.Atoi(m[3])
	return time.Duration(h)*time.Hour + time.Duration(mm)*time.Minute + time.Duration(s)*time.Second, true
}
