package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/recitalign/internal/observe"
	"github.com/MrWong99/recitalign/internal/progress"
	"github.com/MrWong99/recitalign/internal/quota"
	"github.com/MrWong99/recitalign/internal/session"
	"github.com/MrWong99/recitalign/pkg/align"
	"github.com/MrWong99/recitalign/pkg/audio"
	"github.com/MrWong99/recitalign/pkg/provider/asr"
	"github.com/MrWong99/recitalign/pkg/segment"
	"github.com/MrWong99/recitalign/pkg/types"
)

// runOutput is the product of one ASR + alignment pass.
type runOutput struct {
	segs     []segment.Segment
	results  []align.Result
	phonemes [][]string
	warning  string
	stats    RunStats
}

// apply overwrites the session's mutable state. Must run under the session
// lock.
func (o *runOutput) apply(s *session.Session, model types.ModelSize) {
	s.Boundaries = o.segs
	s.ModelName = model
	s.LastResults = o.results
	s.Phonemes = o.phonemes
}

func (o *runOutput) response(id string) *Response {
	r := buildResponse(id, o.segs, o.results)
	r.Warning = o.warning
	r.Stats = &o.stats
	return r
}

// run transcribes segs on the device granted by the quota tracker and
// aligns the result. A backend quota error during a GPU run downgrades the
// whole run to CPU and attaches the fallback warning.
func (p *Pipeline) run(ctx context.Context, op string, clip *audio.Clip, segs []segment.Segment, model types.ModelSize, device types.Device) (*runOutput, error) {
	start := time.Now()
	lease := p.acquire(device)
	defer lease.Release()
	if lease.Warning != "" {
		p.metrics.RecordQuotaFallback(ctx, fallbackReason(lease.Warning))
	}

	asrStart := time.Now()
	phonemes, err := p.transcribe(ctx, op, clip, segs, model, lease.Device)
	var qe *asr.QuotaError
	if err != nil && lease.Device == types.DeviceGPU && errors.Is(err, asr.ErrQuotaExhausted) {
		var resetIn time.Duration
		if errors.As(err, &qe) {
			resetIn = qe.ResetIn
		}
		observe.Logger(ctx).Warn("gpu quota exhausted, retrying on cpu",
			"operation", op, "reset_in", resetIn, "err", err)
		lease.Downgrade(resetIn)
		p.metrics.RecordQuotaFallback(ctx, "quota")
		phonemes, err = p.transcribe(ctx, op, clip, segs, model, lease.Device)
	}
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	asrTime := time.Since(asrStart)

	inputs := make([]align.SegmentInput, len(segs))
	for i, s := range segs {
		inputs[i] = align.SegmentInput{Phonemes: phonemes[i], Duration: s.Duration()}
	}
	_, done := observe.Stage(ctx, p.metrics, observe.StageAlign, op)
	progress.Report(ctx, progress.Event{Stage: observe.StageAlign, Status: progress.StatusStarted, Total: len(segs)})
	alignStart := time.Now()
	res := p.engine.Run(inputs)
	alignTime := time.Since(alignStart)
	done(nil)
	progress.Report(ctx, progress.Event{Stage: observe.StageAlign, Status: progress.StatusDone, Done: len(segs), Total: len(segs)})

	out := &runOutput{
		segs:     segs,
		results:  res.Results,
		phonemes: phonemes,
		warning:  lease.Warning,
	}
	out.stats = computeStats(p.engine, segs, res)
	out.stats.Operation = op
	out.stats.Model = model
	out.stats.Device = lease.Device
	out.stats.ASRTime = asrTime
	out.stats.AlignTime = alignTime
	out.stats.Total = time.Since(start)

	p.record(ctx, out)
	return out, nil
}

func (p *Pipeline) acquire(device types.Device) *quota.Lease {
	if p.quota == nil {
		return &quota.Lease{Device: device}
	}
	return p.quota.Acquire(device)
}

func fallbackReason(warning string) string {
	if warning == quota.BusyWarning {
		return "busy"
	}
	return "quota"
}

// transcribe runs ASR for every segment on a bounded worker pool. The result
// is index-aligned with segs. The first failure cancels the remaining calls.
func (p *Pipeline) transcribe(ctx context.Context, op string, clip *audio.Clip, segs []segment.Segment, model types.ModelSize, device types.Device) ([][]string, error) {
	sctx, done := observe.Stage(ctx, p.metrics, observe.StageASR, op)
	total := len(segs)
	progress.Report(ctx, progress.Event{Stage: observe.StageASR, Status: progress.StatusStarted, Total: total})

	out := make([][]string, total)
	var finished atomic.Int64

	g, gctx := errgroup.WithContext(sctx)
	g.SetLimit(p.cfg.ASRConcurrency)
	for i, s := range segs {
		g.Go(func() error {
			samples := clip.Slice(s.Start, s.End)
			if len(samples) > 0 {
				ph, err := p.asr.Transcribe(gctx, asr.Request{
					Samples:    samples,
					SampleRate: clip.SampleRate,
					Model:      model,
					Device:     device,
				})
				if err != nil {
					return fmt.Errorf("segment %d: %w", s.Index, err)
				}
				out[i] = ph
			}
			n := finished.Add(1)
			progress.Report(ctx, progress.Event{
				Stage:  observe.StageASR,
				Status: progress.StatusProgress,
				Done:   int(n),
				Total:  total,
			})
			return nil
		})
	}
	err := g.Wait()
	done(err)
	if err != nil {
		progress.Report(ctx, progress.Event{Stage: observe.StageASR, Status: progress.StatusFailed, Total: total})
		return nil, err
	}
	progress.Report(ctx, progress.Event{Stage: observe.StageASR, Status: progress.StatusDone, Done: total, Total: total})
	return out, nil
}

// record logs the run summary and exports its counters.
func (p *Pipeline) record(ctx context.Context, out *runOutput) {
	st := out.stats
	a := st.Align
	p.metrics.RecordTiers(ctx, a.Tier1Attempts, a.Tier1Passed, a.Tier2Attempts, a.Tier2Passed, a.Reanchors)
	for _, r := range out.results {
		p.metrics.RecordSegment(ctx, r.State.String(), string(r.Special), r.Confidence)
	}

	observe.Logger(ctx).Info("pipeline run completed",
		"operation", st.Operation,
		"model", st.Model,
		"device", st.Device,
		"segments", st.Segments,
		"segments_passed", a.SegmentsPassed,
		"tier1_attempts", a.Tier1Attempts,
		"tier1_passed", a.Tier1Passed,
		"tier2_attempts", a.Tier2Attempts,
		"tier2_passed", a.Tier2Passed,
		"reanchors", a.Reanchors,
		"special_merges", a.SpecialMerges,
		"mean_confidence", st.MeanConfidence,
		"words_per_minute", st.WordsPerMinute,
		"undersegmented", st.Undersegmented,
		"asr_time", st.ASRTime,
		"align_time", st.AlignTime,
		"total_time", st.Total,
	)
}
