package resilience

import (
	"context"

	"github.com/MrWong99/recitalign/pkg/provider/asr"
)

// ASRFallback implements [asr.Provider] with failover across several phoneme
// model servers.
type ASRFallback struct {
	group *FallbackGroup[asr.Provider]
}

var _ asr.Provider = (*ASRFallback)(nil)

// NewASRFallback creates an ASRFallback with primary as the preferred backend.
func NewASRFallback(primary asr.Provider, primaryName string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after those already added.
func (f *ASRFallback) AddFallback(name string, p asr.Provider) {
	f.group.AddFallback(name, p)
}

// States returns each backend's breaker state keyed by name.
func (f *ASRFallback) States() map[string]State {
	return f.group.States()
}

// Transcribe runs req on the first healthy backend. Quota exhaustion from a
// backend is returned as is so the caller can retry on CPU.
func (f *ASRFallback) Transcribe(ctx context.Context, req asr.Request) ([]string, error) {
	return ExecuteWithResult(f.group, func(p asr.Provider) ([]string, error) {
		return p.Transcribe(ctx, req)
	})
}
