// Package mock provides a test double for the asr.Provider interface.
//
// By default every call returns Phonemes. Set TranscribeFunc to compute the
// response per request (for example, keyed on segment length), or ErrFor to
// fail only on one device.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/recitalign/pkg/provider/asr"
	"github.com/MrWong99/recitalign/pkg/types"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Samples is the number of samples in the request.
	Samples int

	// Model and Device are copied from the request.
	Model  types.ModelSize
	Device types.Device
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Phonemes is returned by Transcribe when TranscribeFunc is nil.
	Phonemes []string

	// TranscribeFunc, if set, computes the response for each request.
	TranscribeFunc func(ctx context.Context, req asr.Request) ([]string, error)

	// ErrFor, if it has an entry for the request's device, is returned as the
	// error from Transcribe.
	ErrFor map[types.Device]error

	// TranscribeCalls records every call to Transcribe in order of arrival.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the configured response.
func (p *Provider) Transcribe(ctx context.Context, req asr.Request) ([]string, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{
		Samples: len(req.Samples),
		Model:   req.Model,
		Device:  req.Device,
	})
	fn := p.TranscribeFunc
	err := p.ErrFor[req.Device]
	phonemes := append([]string(nil), p.Phonemes...)
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, req)
	}
	return phonemes, nil
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TranscribeCall(nil), p.TranscribeCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)
