package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/recitalign/internal/observe"
	"github.com/MrWong99/recitalign/internal/pipeline"
	"github.com/MrWong99/recitalign/internal/progress"
	"github.com/MrWong99/recitalign/internal/quota"
	"github.com/MrWong99/recitalign/internal/session"
	"github.com/MrWong99/recitalign/pkg/align"
	"github.com/MrWong99/recitalign/pkg/audio"
	"github.com/MrWong99/recitalign/pkg/provider/asr"
	asrmock "github.com/MrWong99/recitalign/pkg/provider/asr/mock"
	vadmock "github.com/MrWong99/recitalign/pkg/provider/vad/mock"
	"github.com/MrWong99/recitalign/pkg/reference"
	"github.com/MrWong99/recitalign/pkg/reference/referencetest"
	"github.com/MrWong99/recitalign/pkg/segment"
	"github.com/MrWong99/recitalign/pkg/types"
)

const clipSeconds = 5.0

// rampClip returns a clip whose sample value encodes its position, so a
// transcriber can recover a slice's start time from its first sample.
func rampClip() *audio.Clip {
	n := int(clipSeconds * audio.SampleRate)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(i) / float32(n)
	}
	return audio.NewClip(samples, audio.SampleRate)
}

// part is a stretch of the recording and the phonemes recited in it.
type part struct {
	mid      float64
	from, to reference.Key
}

func key(s, a, w int) reference.Key { return reference.Key{Surah: s, Ayah: a, Word: w} }

// ikhlas is Surah 112 recited in two breaths.
var ikhlas = []part{
	{mid: 1.7, from: key(112, 1, 1), to: key(112, 1, 4)},
	{mid: 3.95, from: key(112, 2, 1), to: key(112, 4, 5)},
}

// transcriber returns the phonemes of every part whose midpoint lies inside
// the requested slice.
func transcriber(idx *reference.Index, parts []part) func(context.Context, asr.Request) ([]string, error) {
	return func(_ context.Context, req asr.Request) ([]string, error) {
		if len(req.Samples) == 0 {
			return nil, nil
		}
		start := float64(req.Samples[0]) * clipSeconds
		end := start + float64(len(req.Samples))/float64(req.SampleRate)
		var out []string
		for _, p := range parts {
			if p.mid >= start && p.mid < end {
				out = append(out, referencetest.Phonemes(idx, p.from, p.to)...)
			}
		}
		return out, nil
	}
}

type fixture struct {
	p     *pipeline.Pipeline
	store *session.Store
	vad   *vadmock.Detector
	asr   *asrmock.Provider
	clip  *audio.Clip
}

func newFixture(t *testing.T, opts ...pipeline.Option) *fixture {
	t.Helper()
	idx := referencetest.Index()
	engine, err := align.New(idx, align.DefaultConfig())
	if err != nil {
		t.Fatalf("align.New: %v", err)
	}
	f := &fixture{
		store: session.NewStore(),
		vad: &vadmock.Detector{Intervals: []types.Interval{
			{Start: 0.58, End: 2.78},
			{Start: 3.0, End: 4.9},
		}},
		asr:  &asrmock.Provider{TranscribeFunc: transcriber(idx, ikhlas)},
		clip: rampClip(),
	}
	opts = append([]pipeline.Option{pipeline.WithMetrics(testMetrics(t))}, opts...)
	f.p = pipeline.New(f.store, f.vad, f.asr, engine, opts...)
	return f
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

var (
	scenarioA = segment.Params{MinSilenceMs: 200, MinSpeechMs: 1000, PadMs: 100}
	scenarioB = segment.Params{MinSilenceMs: 600, MinSpeechMs: 1500, PadMs: 300}
)

func (f *fixture) process(t *testing.T) *pipeline.Response {
	t.Helper()
	resp, err := f.p.Process(context.Background(), f.clip, scenarioA, types.ModelBase, types.DeviceGPU)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("Process error: %s", resp.Error)
	}
	return resp
}

func TestProcess_ScenarioA(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	resp := f.process(t)

	if !session.ValidID(resp.AudioID) {
		t.Errorf("audio_id %q is not 32 hex characters", resp.AudioID)
	}
	if resp.Warning != "" {
		t.Errorf("unexpected warning %q", resp.Warning)
	}
	if len(resp.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(resp.Segments))
	}
	s := resp.Segments[0]
	if s.Segment != 1 || s.TimeFrom != 0.48 || s.TimeTo != 2.88 {
		t.Errorf("segment 1 = #%d [%v, %v], want #1 [0.48, 2.88]", s.Segment, s.TimeFrom, s.TimeTo)
	}
	if s.RefFrom != "112:1:1" || s.RefTo != "112:1:4" {
		t.Errorf("segment 1 refs = %s..%s, want 112:1:1..112:1:4", s.RefFrom, s.RefTo)
	}
	if s.Error != nil || s.HasMissingWords {
		t.Errorf("segment 1 error = %v, missing = %v", s.Error, s.HasMissingWords)
	}
	if s.Confidence < 0.9 || s.Confidence > 1 {
		t.Errorf("segment 1 confidence = %v", s.Confidence)
	}
	if s2 := resp.Segments[1]; s2.RefFrom != "112:2:1" || s2.RefTo != "112:4:5" {
		t.Errorf("segment 2 refs = %s..%s", s2.RefFrom, s2.RefTo)
	}
	if resp.Stats == nil || resp.Stats.Align.SegmentsPassed != 2 {
		t.Errorf("stats = %+v", resp.Stats)
	}

	for _, c := range f.asr.Calls() {
		if c.Model != types.ModelBase || c.Device != types.DeviceGPU {
			t.Errorf("asr call = %+v, want Base on GPU", c)
		}
	}
	if n := f.store.Len(); n != 1 {
		t.Errorf("store holds %d sessions, want 1", n)
	}
}

func TestResegment_ScenarioB(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.process(t)

	b, err := f.p.Resegment(context.Background(), a.AudioID, scenarioB, types.ModelBase, types.DeviceGPU)
	if err != nil {
		t.Fatalf("Resegment: %v", err)
	}
	if b.Error != "" {
		t.Fatalf("Resegment error: %s", b.Error)
	}
	if b.AudioID != a.AudioID {
		t.Errorf("audio_id changed: %s -> %s", a.AudioID, b.AudioID)
	}
	if len(b.Segments) >= len(a.Segments) {
		t.Fatalf("got %d segments, want fewer than %d", len(b.Segments), len(a.Segments))
	}
	if d := b.Segments[0].TimeTo - b.Segments[0].TimeFrom; d <= a.Segments[0].TimeTo-a.Segments[0].TimeFrom {
		t.Errorf("resegmented duration %v is not longer", d)
	}
	if got := b.Segments[0]; got.RefFrom != "112:1:1" || got.RefTo != "112:4:5" {
		t.Errorf("merged segment refs = %s..%s", got.RefFrom, got.RefTo)
	}
	if f.vad.CallCount() != 1 {
		t.Errorf("VAD ran %d times, want 1", f.vad.CallCount())
	}
}

func TestRetranscribe_ScenarioC(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.process(t)
	f.asr.Reset()

	c, err := f.p.Retranscribe(context.Background(), a.AudioID, types.ModelLarge, types.DeviceGPU)
	if err != nil {
		t.Fatalf("Retranscribe: %v", err)
	}
	if c.Error != "" {
		t.Fatalf("Retranscribe error: %s", c.Error)
	}
	if len(c.Segments) != len(a.Segments) {
		t.Fatalf("got %d segments, want %d", len(c.Segments), len(a.Segments))
	}
	for i := range c.Segments {
		if c.Segments[i].TimeFrom != a.Segments[i].TimeFrom || c.Segments[i].TimeTo != a.Segments[i].TimeTo {
			t.Errorf("segment %d boundaries changed", i+1)
		}
	}
	calls := f.asr.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d asr calls, want 2", len(calls))
	}
	for _, call := range calls {
		if call.Model != types.ModelLarge {
			t.Errorf("asr model = %s, want Large", call.Model)
		}
	}
}

func TestRetranscribe_ScenarioD_ModelUnchanged(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.process(t)
	f.asr.Reset()

	d, err := f.p.Retranscribe(context.Background(), a.AudioID, types.ModelBase, types.DeviceGPU)
	if err != nil {
		t.Fatalf("Retranscribe: %v", err)
	}
	if d.Error != pipeline.MsgModelUnchanged {
		t.Errorf("error = %q, want %q", d.Error, pipeline.MsgModelUnchanged)
	}
	if d.AudioID != a.AudioID {
		t.Errorf("audio_id = %q, want %q", d.AudioID, a.AudioID)
	}
	if d.Segments == nil || len(d.Segments) != 0 {
		t.Errorf("segments = %v, want empty non-nil", d.Segments)
	}
	if n := len(f.asr.Calls()); n != 0 {
		t.Errorf("asr ran %d times", n)
	}

	stored, err := f.p.Segments(context.Background(), a.AudioID)
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(stored.Segments) != len(a.Segments) || stored.Segments[0] != a.Segments[0] {
		t.Errorf("stored results changed: %+v", stored.Segments)
	}
}

func TestSegments_ScenarioE_NotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, id := range []string{"0123456789abcdef0123456789abcdef", "not-an-id", ""} {
		resp, err := f.p.Segments(context.Background(), id)
		if err != nil {
			t.Fatalf("Segments(%q): %v", id, err)
		}
		if resp.Error != pipeline.MsgSessionNotFound || resp.AudioID != "" || resp.Segments == nil || len(resp.Segments) != 0 {
			t.Errorf("Segments(%q) = %+v", id, resp)
		}
	}
}

func TestNotFound_AllOperations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	const id = "ffffffffffffffffffffffffffffffff"

	calls := map[string]func() (*pipeline.Response, error){
		"resegment": func() (*pipeline.Response, error) {
			return f.p.Resegment(ctx, id, scenarioA, types.ModelBase, types.DeviceCPU)
		},
		"retranscribe": func() (*pipeline.Response, error) {
			return f.p.Retranscribe(ctx, id, types.ModelLarge, types.DeviceCPU)
		},
		"realign": func() (*pipeline.Response, error) {
			return f.p.Realign(ctx, id, []types.Interval{{Start: 0, End: 1}}, types.ModelBase, types.DeviceCPU)
		},
	}
	for name, call := range calls {
		resp, err := call()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if resp.Error != pipeline.MsgSessionNotFound || resp.AudioID != "" {
			t.Errorf("%s = %+v", name, resp)
		}
	}
}

func TestProcess_NoSpeech(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.vad.Intervals = nil

	resp, err := f.p.Process(context.Background(), f.clip, scenarioA, types.ModelBase, types.DeviceGPU)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Error != pipeline.MsgNoSpeech || resp.AudioID != "" {
		t.Errorf("response = %+v", resp)
	}
	if f.store.Len() != 0 {
		t.Error("a session was created without speech")
	}
	if len(f.asr.Calls()) != 0 {
		t.Error("asr ran without speech")
	}
}

func TestResegment_NoSegmentsKeepsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.vad.Intervals = []types.Interval{{Start: 0.5, End: 1.2}, {Start: 2.0, End: 2.8}}
	resp, err := f.p.Process(context.Background(), f.clip,
		segment.Params{MinSilenceMs: 200, MinSpeechMs: 500, PadMs: 100}, types.ModelBase, types.DeviceCPU)
	if err != nil || resp.Error != "" {
		t.Fatalf("Process: %v %q", err, resp.Error)
	}
	before := len(resp.Segments)

	strict := segment.Params{MinSilenceMs: 25, MinSpeechMs: 1000, PadMs: 0}
	got, err := f.p.Resegment(context.Background(), resp.AudioID, strict, types.ModelBase, types.DeviceCPU)
	if err != nil {
		t.Fatalf("Resegment: %v", err)
	}
	if got.Error != pipeline.MsgNoSegments || got.AudioID != resp.AudioID {
		t.Errorf("response = %+v", got)
	}

	stored, err := f.p.Segments(context.Background(), resp.AudioID)
	if err != nil || stored.Error != "" {
		t.Fatalf("session lost after empty resegment: %v %q", err, stored.Error)
	}
	if len(stored.Segments) != before {
		t.Errorf("stored %d segments, want %d", len(stored.Segments), before)
	}
}

func TestRealign_PreservesCountAndOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.process(t)

	ts := []types.Interval{
		{Start: 0.5, End: 2.9},
		{Start: 2.9, End: 4.95},
		{Start: 4.96, End: 9},
	}
	resp, err := f.p.Realign(context.Background(), a.AudioID, ts, types.ModelBase, types.DeviceGPU)
	if err != nil {
		t.Fatalf("Realign: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("Realign error: %s", resp.Error)
	}
	if len(resp.Segments) != len(ts) {
		t.Fatalf("got %d segments, want %d", len(resp.Segments), len(ts))
	}
	for i, s := range resp.Segments {
		if s.Segment != i+1 {
			t.Errorf("segment %d numbered %d", i+1, s.Segment)
		}
	}
	if resp.Segments[0].TimeFrom != 0.5 || resp.Segments[1].TimeTo != 4.95 {
		t.Errorf("boundaries not taken verbatim: %+v", resp.Segments[:2])
	}
	if last := resp.Segments[2]; last.TimeTo != clipSeconds || last.Error == nil || last.RefFrom != "" {
		t.Errorf("clamped empty segment = %+v", last)
	}
	if resp.Segments[0].RefFrom != "112:1:1" {
		t.Errorf("segment 1 ref_from = %q", resp.Segments[0].RefFrom)
	}
}

func TestRealign_NoTimestamps(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.process(t)

	_, err := f.p.Realign(context.Background(), a.AudioID, nil, types.ModelBase, types.DeviceGPU)
	if !errors.Is(err, pipeline.ErrInvalidInput) {
		t.Errorf("Realign(nil) err = %v, want ErrInvalidInput", err)
	}
}

func TestRealign_DegeneratePairsFailPerSegment(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.process(t)

	ts := []types.Interval{
		{Start: 0.5, End: 2.9},
		{Start: 3.0, End: 3.0},
		{Start: 4.2, End: 3.1},
		{Start: 2.9, End: 4.95},
	}
	resp, err := f.p.Realign(context.Background(), a.AudioID, ts, types.ModelBase, types.DeviceGPU)
	if err != nil {
		t.Fatalf("Realign: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("Realign error: %s", resp.Error)
	}
	if len(resp.Segments) != len(ts) {
		t.Fatalf("got %d segments, want %d", len(resp.Segments), len(ts))
	}
	for _, i := range []int{1, 2} {
		s := resp.Segments[i]
		if s.Error == nil || *s.Error != "Low confidence (0%)" || s.RefFrom != "" {
			t.Errorf("segment %d = %+v, want a zero-confidence failure", i+1, s)
		}
	}
	if resp.Segments[0].RefFrom != "112:1:1" {
		t.Errorf("segment 1 ref_from = %q", resp.Segments[0].RefFrom)
	}
	for i, s := range resp.Segments {
		if s.Segment != i+1 {
			t.Errorf("segment %d numbered %d", i+1, s.Segment)
		}
	}
}

func TestProcess_InvalidInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		params segment.Params
		model  types.ModelSize
		device types.Device
	}{
		{"params", segment.Params{MinSilenceMs: 5, MinSpeechMs: 750, PadMs: 100}, types.ModelBase, types.DeviceGPU},
		{"model", scenarioA, "Huge", types.DeviceGPU},
		{"device", scenarioA, types.ModelBase, "TPU"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.p.Process(ctx, f.clip, tt.params, tt.model, tt.device)
			if !errors.Is(err, pipeline.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
	if _, err := f.p.Process(ctx, nil, scenarioA, types.ModelBase, types.DeviceGPU); !errors.Is(err, pipeline.ErrInvalidInput) {
		t.Errorf("nil clip err = %v", err)
	}
}

func TestProcess_BackendQuotaFallsBackToCPU(t *testing.T) {
	t.Parallel()
	tracker := quota.New(quota.Config{})
	f := newFixture(t, pipeline.WithQuota(tracker))
	f.asr.ErrFor = map[types.Device]error{
		types.DeviceGPU: &asr.QuotaError{ResetIn: time.Hour, Message: "Try again in 1:00:00"},
	}

	resp, err := f.p.Process(context.Background(), f.clip, scenarioA, types.ModelBase, types.DeviceGPU)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("quota exhaustion surfaced as error %q", resp.Error)
	}
	want := "GPU quota reached — processed on CPU (slower). Resets in 1:00:00."
	if resp.Warning != want {
		t.Errorf("warning = %q, want %q", resp.Warning, want)
	}
	if len(resp.Segments) != 2 || resp.Segments[0].RefFrom != "112:1:1" {
		t.Errorf("segments = %+v", resp.Segments)
	}
	var cpu int
	for _, c := range f.asr.Calls() {
		if c.Device == types.DeviceCPU {
			cpu++
		}
	}
	if cpu != 2 {
		t.Errorf("cpu calls = %d, want 2", cpu)
	}
	if exhausted, _ := tracker.Exhausted(); !exhausted {
		t.Error("tracker not marked exhausted")
	}

	// The next run goes straight to CPU.
	f.asr.Reset()
	again, err := f.p.Retranscribe(context.Background(), resp.AudioID, types.ModelLarge, types.DeviceGPU)
	if err != nil || again.Error != "" {
		t.Fatalf("Retranscribe: %v %q", err, again.Error)
	}
	if !strings.HasPrefix(again.Warning, "GPU quota reached") {
		t.Errorf("warning = %q", again.Warning)
	}
	for _, c := range f.asr.Calls() {
		if c.Device != types.DeviceCPU {
			t.Errorf("call on %s after exhaustion", c.Device)
		}
	}
}

func TestProcess_QuotaFallbackWithoutTracker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.asr.ErrFor = map[types.Device]error{types.DeviceGPU: &asr.QuotaError{}}

	resp, err := f.p.Process(context.Background(), f.clip, scenarioA, types.ModelBase, types.DeviceGPU)
	if err != nil || resp.Error != "" {
		t.Fatalf("Process: %v %q", err, resp.Error)
	}
	if want := "GPU quota reached — processed on CPU (slower)."; resp.Warning != want {
		t.Errorf("warning = %q, want %q", resp.Warning, want)
	}
}

func TestProcess_NoWarningOnCPURequest(t *testing.T) {
	t.Parallel()
	tracker := quota.New(quota.Config{})
	tracker.MarkExhausted(30 * time.Minute)
	f := newFixture(t, pipeline.WithQuota(tracker))

	resp, err := f.p.Process(context.Background(), f.clip, scenarioA, types.ModelBase, types.DeviceCPU)
	if err != nil || resp.Error != "" {
		t.Fatalf("Process: %v %q", err, resp.Error)
	}
	if resp.Warning != "" {
		t.Errorf("warning = %q on a CPU request", resp.Warning)
	}

	gpu, err := f.p.Process(context.Background(), f.clip, scenarioA, types.ModelBase, types.DeviceGPU)
	if err != nil || gpu.Error != "" {
		t.Fatalf("Process: %v %q", err, gpu.Error)
	}
	if want := "GPU quota reached — processed on CPU (slower). Resets in 0:30:00."; gpu.Warning != want {
		t.Errorf("warning = %q, want %q", gpu.Warning, want)
	}
}

func TestProcess_TranscriptionFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.asr.ErrFor = map[types.Device]error{types.DeviceGPU: errors.New("model server down")}

	resp, err := f.p.Process(context.Background(), f.clip, scenarioA, types.ModelBase, types.DeviceGPU)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Error != pipeline.MsgTranscriptionFailed {
		t.Errorf("error = %q", resp.Error)
	}
	if strings.Contains(resp.Error, "model server") {
		t.Error("raw error leaked to the client")
	}
	if f.store.Len() != 0 {
		t.Error("session created after a failed run")
	}
}

func TestProcess_VADFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.vad.DetectErr = errors.New("vad unavailable")

	resp, err := f.p.Process(context.Background(), f.clip, scenarioA, types.ModelBase, types.DeviceGPU)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Error != pipeline.MsgTranscriptionFailed {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestRetranscribeAndRealign_FailureKeepsResults(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.process(t)
	f.asr.ErrFor = map[types.Device]error{types.DeviceGPU: errors.New("boom")}

	re, err := f.p.Retranscribe(context.Background(), a.AudioID, types.ModelLarge, types.DeviceGPU)
	if err != nil {
		t.Fatalf("Retranscribe: %v", err)
	}
	if re.Error != pipeline.MsgRetranscribeFailed || re.AudioID != a.AudioID {
		t.Errorf("retranscribe = %+v", re)
	}

	ra, err := f.p.Realign(context.Background(), a.AudioID, []types.Interval{{Start: 0, End: 2}}, types.ModelBase, types.DeviceGPU)
	if err != nil {
		t.Fatalf("Realign: %v", err)
	}
	if ra.Error != pipeline.MsgAlignmentFailed || ra.AudioID != a.AudioID {
		t.Errorf("realign = %+v", ra)
	}

	stored, _ := f.p.Segments(context.Background(), a.AudioID)
	if len(stored.Segments) != len(a.Segments) {
		t.Errorf("stored %d segments, want %d", len(stored.Segments), len(a.Segments))
	}
}

func TestProcess_CompletesAfterCallerCancels(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := f.p.Process(ctx, f.clip, scenarioA, types.ModelBase, types.DeviceGPU)
	if err != nil || resp.Error != "" {
		t.Fatalf("Process: %v %q", err, resp.Error)
	}
	if f.store.Len() != 1 {
		t.Error("cancelled request did not cache its session")
	}
}

func TestConcurrentMutationsAreSerialised(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.process(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var (
				resp *pipeline.Response
				err  error
			)
			switch i % 3 {
			case 0:
				resp, err = f.p.Resegment(ctx, a.AudioID, scenarioB, types.ModelBase, types.DeviceGPU)
			case 1:
				resp, err = f.p.Retranscribe(ctx, a.AudioID, types.ModelLarge, types.DeviceGPU)
			default:
				resp, err = f.p.Realign(ctx, a.AudioID, []types.Interval{{Start: 0.4, End: 2.9}, {Start: 2.9, End: 5}}, types.ModelBase, types.DeviceGPU)
			}
			if err != nil {
				t.Errorf("call %d: %v", i, err)
				return
			}
			if resp.Error != "" && resp.Error != pipeline.MsgModelUnchanged {
				t.Errorf("call %d error: %s", i, resp.Error)
			}
		}()
	}
	wg.Wait()

	err := f.store.WithLock(ctx, a.AudioID, func(s *session.Session) error {
		if len(s.Boundaries) != len(s.LastResults) || len(s.Phonemes) != len(s.Boundaries) {
			t.Errorf("boundaries %d, results %d, phonemes %d", len(s.Boundaries), len(s.LastResults), len(s.Phonemes))
		}
		return errors.New("read only")
	})
	if err == nil {
		t.Error("WithLock should return the callback error")
	}
}

func TestProcess_PublishesProgress(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	b := progress.NewBroker(progress.WithBuffer(256))
	ch, cancel := b.Subscribe("req-42")
	defer cancel()

	ctx := progress.WithRequest(context.Background(), b, "req-42")
	if _, err := f.p.Process(ctx, f.clip, scenarioA, types.ModelBase, types.DeviceGPU); err != nil {
		t.Fatalf("Process: %v", err)
	}

	stages := map[string]bool{}
	var last progress.Event
	for e := range ch {
		stages[e.Stage] = true
		last = e
	}
	for _, s := range []string{observe.StageVAD, observe.StageASR, observe.StageAlign, observe.StagePipeline} {
		if !stages[s] {
			t.Errorf("no %s event", s)
		}
	}
	if !last.Final || last.Status != progress.StatusDone || last.Total != 2 {
		t.Errorf("final event = %+v", last)
	}
}

func TestASRConcurrencyLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, pipeline.WithConfig(pipeline.Config{ASRConcurrency: 1}))
	inner := f.asr.TranscribeFunc

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	f.asr.TranscribeFunc = func(ctx context.Context, req asr.Request) ([]string, error) {
		mu.Lock()
		active++
		maxSeen = max(maxSeen, active)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return inner(ctx, req)
	}

	f.process(t)
	if maxSeen != 1 {
		t.Errorf("max concurrent ASR calls = %d, want 1", maxSeen)
	}
}
