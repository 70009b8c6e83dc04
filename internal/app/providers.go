package app

import (
	"context"
	"errors"

	"github.com/MrWong99/recitalign/internal/observe"
	"github.com/MrWong99/recitalign/pkg/provider/asr"
	"github.com/MrWong99/recitalign/pkg/provider/vad"
	"github.com/MrWong99/recitalign/pkg/types"
)

// Providers holds the model-server backends built by main.go from the
// config registry.
type Providers struct {
	// VAD detects speech in a whole recording.
	VAD vad.Detector

	// ASR lists the phoneme recognisers in failover order. The first entry
	// is the primary.
	ASR []NamedASR
}

// NamedASR pairs an ASR backend with the name it is reported under.
type NamedASR struct {
	Name     string
	Provider asr.Provider
}

// instrumentedVAD counts detector calls by outcome.
type instrumentedVAD struct {
	next    vad.Detector
	metrics *observe.Metrics
}

var _ vad.Detector = (*instrumentedVAD)(nil)

func (d *instrumentedVAD) Detect(ctx context.Context, samples []float32, sampleRate int) ([]types.Interval, error) {
	out, err := d.next.Detect(ctx, samples, sampleRate)
	d.metrics.RecordProviderRequest(ctx, "vad", requestStatus(err))
	return out, err
}

// instrumentedASR counts recogniser calls by outcome.
type instrumentedASR struct {
	next    asr.Provider
	metrics *observe.Metrics
}

var _ asr.Provider = (*instrumentedASR)(nil)

func (p *instrumentedASR) Transcribe(ctx context.Context, req asr.Request) ([]string, error) {
	out, err := p.next.Transcribe(ctx, req)
	p.metrics.RecordProviderRequest(ctx, "asr", requestStatus(err))
	return out, err
}

func requestStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, asr.ErrQuotaExhausted):
		return "quota"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
