// Package pipeline implements the four alignment entry points: process,
// resegment, retranscribe and realign.
//
// Each operation recomputes only the stages whose inputs changed and
// overwrites the session's boundaries, model and results as a unit:
//
//	Process      VAD → clean → ASR → align   (creates the session)
//	Resegment          clean → ASR → align   (reuses the VAD intervals)
//	Retranscribe               ASR → align   (requires a different model)
//	Realign      client boundaries → ASR → align
//
// Client-facing failures are reported through [Response.Error] using fixed
// messages; only malformed arguments produce a Go error. Internal errors are
// logged and mapped to a fixed message, never returned raw.
//
// Runs continue when the caller's context is cancelled: a mutation that was
// started is completed and cached.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/recitalign/internal/observe"
	"github.com/MrWong99/recitalign/internal/progress"
	"github.com/MrWong99/recitalign/internal/quota"
	"github.com/MrWong99/recitalign/internal/session"
	"github.com/MrWong99/recitalign/pkg/align"
	"github.com/MrWong99/recitalign/pkg/audio"
	"github.com/MrWong99/recitalign/pkg/provider/asr"
	"github.com/MrWong99/recitalign/pkg/provider/vad"
	"github.com/MrWong99/recitalign/pkg/segment"
	"github.com/MrWong99/recitalign/pkg/types"
)

// Client-facing error messages.
const (
	MsgSessionNotFound     = "Session not found or expired"
	MsgNoSpeech            = "No speech detected in audio"
	MsgNoSegments          = "No segments with these settings"
	MsgModelUnchanged      = "Model and boundaries unchanged. Change model_name or call /resegment_session first."
	MsgTranscriptionFailed = "Transcription failed"
	MsgRetranscribeFailed  = "Retranscription failed"
	MsgAlignmentFailed     = "Alignment failed"
)

// Operation names, used in logs, metrics and progress events.
const (
	OpProcess      = "process"
	OpResegment    = "resegment"
	OpRetranscribe = "retranscribe"
	OpRealign      = "realign"
)

// ErrInvalidInput wraps every argument validation failure.
var ErrInvalidInput = errors.New("pipeline: invalid input")

// errUnchanged aborts a session mutation without persisting it.
var errUnchanged = errors.New("pipeline: session unchanged")

// Config holds the orchestrator's tuning knobs.
type Config struct {
	// ASRConcurrency bounds concurrent per-segment ASR calls. Default: 4.
	ASRConcurrency int `yaml:"asr_concurrency"`

	// RunTimeout bounds one pipeline run. Zero means no limit.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.ASRConcurrency < 0 {
		errs = append(errs, fmt.Errorf("asr_concurrency must be >= 0, got %d", c.ASRConcurrency))
	}
	if c.RunTimeout < 0 {
		errs = append(errs, fmt.Errorf("run_timeout must be >= 0, got %s", c.RunTimeout))
	}
	return errors.Join(errs...)
}

const defaultASRConcurrency = 4

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithConfig applies cfg. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) {
		if cfg.ASRConcurrency > 0 {
			p.cfg.ASRConcurrency = cfg.ASRConcurrency
		}
		p.cfg.RunTimeout = cfg.RunTimeout
	}
}

// WithQuota routes every GPU request through t. Without a tracker GPU
// requests are passed to the backend as is, and only a backend quota error
// causes a CPU fallback.
func WithQuota(t *quota.Tracker) Option {
	return func(p *Pipeline) { p.quota = t }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline orchestrates the stages. It is safe for concurrent use; calls on
// the same session are serialised by the session store.
type Pipeline struct {
	store   *session.Store
	vad     vad.Detector
	asr     asr.Provider
	engine  *align.Engine
	quota   *quota.Tracker
	metrics *observe.Metrics
	cfg     Config
}

// New returns a Pipeline over the given collaborators.
func New(store *session.Store, det vad.Detector, prov asr.Provider, engine *align.Engine, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:  store,
		vad:    det,
		asr:    prov,
		engine: engine,
		cfg:    Config{ASRConcurrency: defaultASRConcurrency},
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Store returns the session store the pipeline writes to.
func (p *Pipeline) Store() *session.Store { return p.store }

// ─── Entry points ─────────────────────────────────────────────────────────────

// Process runs the full pipeline on a decoded recording and creates a
// session for it. No session is created when no speech is found.
func (p *Pipeline) Process(ctx context.Context, clip *audio.Clip, params segment.Params, model types.ModelSize, device types.Device) (*Response, error) {
	if clip == nil || len(clip.Samples) == 0 {
		return nil, fmt.Errorf("%w: empty audio", ErrInvalidInput)
	}
	if err := validate(params, model, device); err != nil {
		return nil, err
	}
	ctx, finish := p.begin(ctx, OpProcess)

	vctx, done := observe.Stage(ctx, p.metrics, observe.StageVAD, OpProcess)
	progress.Report(ctx, progress.Event{Stage: observe.StageVAD, Status: progress.StatusStarted})
	raw, err := p.vad.Detect(vctx, clip.Samples, clip.SampleRate)
	done(err)
	if err != nil {
		observe.Logger(ctx).Error("voice activity detection failed", "err", err)
		return finish(&Response{Error: MsgTranscriptionFailed}, "failed"), nil
	}
	progress.Report(ctx, progress.Event{Stage: observe.StageVAD, Status: progress.StatusDone, Total: len(raw)})

	segs := segment.Clean(raw, params, clip.Duration())
	if len(raw) == 0 || len(segs) == 0 {
		return finish(&Response{Error: MsgNoSpeech}, "no_speech"), nil
	}

	out, err := p.run(ctx, OpProcess, clip, segs, model, device)
	if err != nil {
		observe.Logger(ctx).Error("pipeline run failed", "operation", OpProcess, "err", err)
		return finish(&Response{Error: MsgTranscriptionFailed}, "failed"), nil
	}

	sess, err := p.store.Create(ctx, clip, raw, func(s *session.Session) error {
		out.apply(s, model)
		return nil
	})
	if err != nil {
		observe.Logger(ctx).Error("create session", "err", err)
		return finish(&Response{Error: MsgTranscriptionFailed}, "failed"), nil
	}
	return finish(out.response(sess.ID), "ok"), nil
}

// Resegment re-cleans the cached VAD intervals with new parameters and
// re-runs ASR and alignment. When cleaning yields nothing the session is
// left untouched and stays valid.
func (p *Pipeline) Resegment(ctx context.Context, id string, params segment.Params, model types.ModelSize, device types.Device) (*Response, error) {
	if err := validate(params, model, device); err != nil {
		return nil, err
	}
	ctx, finish := p.begin(ctx, OpResegment)

	var resp *Response
	outcome := "ok"
	err := p.store.WithLock(ctx, id, func(s *session.Session) error {
		segs := segment.Clean(s.RawIntervals, params, s.Audio.Duration())
		if len(segs) == 0 {
			resp, outcome = &Response{AudioID: id, Error: MsgNoSegments}, "no_segments"
			return errUnchanged
		}
		out, err := p.run(ctx, OpResegment, s.Audio, segs, model, device)
		if err != nil {
			observe.Logger(ctx).Error("pipeline run failed", "operation", OpResegment, "audio_id", id, "err", err)
			resp, outcome = &Response{AudioID: id, Error: MsgTranscriptionFailed}, "failed"
			return errUnchanged
		}
		out.apply(s, model)
		resp = out.response(id)
		return nil
	})
	return finish(p.settle(ctx, id, resp, &outcome, err), outcome), nil
}

// Retranscribe re-runs ASR with a different model on the session's current
// boundaries. Asking for the model that produced the current results is
// rejected and leaves the results untouched.
func (p *Pipeline) Retranscribe(ctx context.Context, id string, model types.ModelSize, device types.Device) (*Response, error) {
	if err := validateModel(model, device); err != nil {
		return nil, err
	}
	ctx, finish := p.begin(ctx, OpRetranscribe)

	var resp *Response
	outcome := "ok"
	err := p.store.WithLock(ctx, id, func(s *session.Session) error {
		if model == s.ModelName {
			resp, outcome = &Response{AudioID: id, Error: MsgModelUnchanged}, "unchanged"
			return errUnchanged
		}
		out, err := p.run(ctx, OpRetranscribe, s.Audio, s.Boundaries, model, device)
		if err != nil {
			observe.Logger(ctx).Error("pipeline run failed", "operation", OpRetranscribe, "audio_id", id, "err", err)
			resp, outcome = &Response{AudioID: id, Error: MsgRetranscribeFailed}, "failed"
			return errUnchanged
		}
		out.apply(s, model)
		resp = out.response(id)
		return nil
	})
	return finish(p.settle(ctx, id, resp, &outcome, err), outcome), nil
}

// Realign replaces the session's boundaries with the client's timestamps,
// verbatim and in order, and re-runs ASR and alignment. The response has
// exactly one segment per timestamp; an empty or inverted pair comes back as
// a failed segment rather than failing the request.
func (p *Pipeline) Realign(ctx context.Context, id string, timestamps []types.Interval, model types.ModelSize, device types.Device) (*Response, error) {
	if err := validateModel(model, device); err != nil {
		return nil, err
	}
	if len(timestamps) == 0 {
		return nil, fmt.Errorf("%w: no timestamps", ErrInvalidInput)
	}
	ctx, finish := p.begin(ctx, OpRealign)

	var resp *Response
	outcome := "ok"
	err := p.store.WithLock(ctx, id, func(s *session.Session) error {
		segs := segment.FromTimestamps(timestamps, s.Audio.Duration())
		out, err := p.run(ctx, OpRealign, s.Audio, segs, model, device)
		if err != nil {
			observe.Logger(ctx).Error("pipeline run failed", "operation", OpRealign, "audio_id", id, "err", err)
			resp, outcome = &Response{AudioID: id, Error: MsgAlignmentFailed}, "failed"
			return errUnchanged
		}
		out.apply(s, model)
		resp = out.response(id)
		return nil
	})
	return finish(p.settle(ctx, id, resp, &outcome, err), outcome), nil
}

// Segments returns the session's last stored response.
func (p *Pipeline) Segments(ctx context.Context, id string) (*Response, error) {
	v, err := p.store.Results(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return notFound(), nil
	}
	if err != nil {
		return nil, err
	}
	return buildResponse(id, v.Boundaries, v.LastResults), nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// begin detaches ctx from the caller's cancellation, applies the run timeout
// and opens the pipeline span. The returned finish closes the span, records
// the run and publishes the final progress event.
func (p *Pipeline) begin(ctx context.Context, op string) (context.Context, func(*Response, string) *Response) {
	ctx = context.WithoutCancel(ctx)
	var cancel context.CancelFunc = func() {}
	if p.cfg.RunTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RunTimeout)
	}
	ctx, done := observe.Stage(ctx, p.metrics, observe.StagePipeline, op)
	return ctx, func(resp *Response, outcome string) *Response {
		defer cancel()
		if resp.Segments == nil {
			resp.Segments = []Segment{}
		}
		var err error
		status := progress.StatusDone
		if resp.Error != "" {
			err = errors.New(resp.Error)
			status = progress.StatusFailed
		}
		done(err)
		p.metrics.RecordRun(ctx, op, outcome)
		progress.Report(ctx, progress.Event{
			Stage:   observe.StagePipeline,
			Status:  status,
			Total:   len(resp.Segments),
			Message: resp.Error,
			Final:   true,
		})
		return resp
	}
}

// settle maps the outcome of a WithLock call to a response.
func (p *Pipeline) settle(ctx context.Context, id string, resp *Response, outcome *string, err error) *Response {
	switch {
	case err == nil, errors.Is(err, errUnchanged):
		return resp
	case errors.Is(err, session.ErrNotFound):
		*outcome = "not_found"
		return notFound()
	default:
		observe.Logger(ctx).Error("session lock", "audio_id", id, "err", err)
		*outcome = "failed"
		return &Response{AudioID: id, Error: MsgTranscriptionFailed}
	}
}

func notFound() *Response {
	return &Response{Error: MsgSessionNotFound, Segments: []Segment{}}
}

func validate(params segment.Params, model types.ModelSize, device types.Device) error {
	if err := params.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return validateModel(model, device)
}

func validateModel(model types.ModelSize, device types.Device) error {
	var errs []error
	if !model.IsValid() {
		errs = append(errs, fmt.Errorf("unknown model_name %q", model))
	}
	if !device.IsValid() {
		errs = append(errs, fmt.Errorf("unknown device %q", device))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}
